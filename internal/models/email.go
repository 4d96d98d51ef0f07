package models

import "time"

type EmailType string

const (
	TypeGeneral      EmailType = "general"
	TypeNewsletter   EmailType = "newsletter"
	TypeContactUs    EmailType = "contact_us"
	TypeInquiryReply EmailType = "inquiry_reply"
	TypeTest         EmailType = "test"
)

// MailOptions is the message content handed to the transmission provider.
type MailOptions struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

// RecipientCount counts addresses across to/cc/bcc, minimum 1.
func (m MailOptions) RecipientCount() int {
	n := len(m.To) + len(m.Cc) + len(m.Bcc)
	if n < 1 {
		return 1
	}
	return n
}

// EmailJob is the unit of work published to the broker. A job is immutable
// once published except for Attempts, which only a worker increments.
type EmailJob struct {
	ID            string      `json:"id"`
	MailOptions   MailOptions `json:"mailOptions"`
	EmailType     EmailType   `json:"emailType"`
	ScheduledTime *time.Time  `json:"scheduledTime,omitempty"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Expired reports whether the job outlived its relevance window.
func (j *EmailJob) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

// DelayUntilScheduled returns how long the job must still wait before it
// becomes eligible for transmission, or zero if it is already due.
func (j *EmailJob) DelayUntilScheduled(now time.Time) time.Duration {
	if j.ScheduledTime == nil || !j.ScheduledTime.After(now) {
		return 0
	}
	return j.ScheduledTime.Sub(now)
}
