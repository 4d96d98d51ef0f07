package models

import (
	"testing"
	"time"
)

func TestRecipientCount(t *testing.T) {
	tests := []struct {
		name string
		opts MailOptions
		want int
	}{
		{"empty counts as one", MailOptions{}, 1},
		{"single to", MailOptions{To: []string{"a@b.com"}}, 1},
		{"to cc bcc", MailOptions{
			To:  []string{"a@b.com", "b@b.com"},
			Cc:  []string{"c@b.com"},
			Bcc: []string{"d@b.com"},
		}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.RecipientCount(); got != tt.want {
				t.Errorf("RecipientCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	job := &EmailJob{}
	if job.Expired(now) {
		t.Error("job without expiresAt should never expire")
	}

	job.ExpiresAt = &future
	if job.Expired(now) {
		t.Error("job with future expiresAt should not be expired")
	}

	job.ExpiresAt = &past
	if !job.Expired(now) {
		t.Error("job with past expiresAt should be expired")
	}
}

func TestDelayUntilScheduled(t *testing.T) {
	now := time.Now()

	job := &EmailJob{}
	if d := job.DelayUntilScheduled(now); d != 0 {
		t.Errorf("unscheduled job delay = %v, want 0", d)
	}

	past := now.Add(-time.Minute)
	job.ScheduledTime = &past
	if d := job.DelayUntilScheduled(now); d != 0 {
		t.Errorf("past-due job delay = %v, want 0", d)
	}

	future := now.Add(10 * time.Second)
	job.ScheduledTime = &future
	if d := job.DelayUntilScheduled(now); d != 10*time.Second {
		t.Errorf("future job delay = %v, want 10s", d)
	}
}
