package models

import "time"

type ScheduleStatus string

const (
	ScheduleStatusPending    ScheduleStatus = "pending"
	ScheduleStatusProcessing ScheduleStatus = "processing"
	ScheduleStatusSent       ScheduleStatus = "sent"
	ScheduleStatusFailed     ScheduleStatus = "failed"
)

// ScheduledEmail is a persisted, user-scheduled future send. Unlike broker-held
// delayed jobs it survives restarts and can be listed in the admin panel.
type ScheduledEmail struct {
	ID            int64          `json:"id"`
	MailOptions   MailOptions    `json:"mailOptions"`
	EmailType     EmailType      `json:"emailType"`
	ScheduledTime time.Time      `json:"scheduledTime"`
	Attempts      int            `json:"attempts"`
	Status        ScheduleStatus `json:"status"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	ErrorMsg      string         `json:"error,omitempty"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
