package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"mailpipe/internal/models"
)

// Sender transmits a fully-formed message over SMTP. No provider-side retry
// is assumed; callers decide what to do with a failure.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send builds and transmits the message. The From header falls back to the
// sender default when the job carries none.
func (s *Sender) Send(ctx context.Context, opts models.MailOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from := opts.From
	if from == "" {
		from = s.From
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", opts.To...)
	if len(opts.Cc) > 0 {
		m.SetHeader("Cc", opts.Cc...)
	}
	if len(opts.Bcc) > 0 {
		m.SetHeader("Bcc", opts.Bcc...)
	}
	m.SetHeader("Subject", opts.Subject)
	m.SetBody("text/html", opts.HTML)
	if opts.Text != "" {
		m.AddAlternative("text/plain", opts.Text)
	}

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
