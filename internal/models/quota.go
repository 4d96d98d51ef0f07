package models

import "time"

// QuotaStats is a cross-instance snapshot of the daily sending quota.
type QuotaStats struct {
	CurrentCount   int     `json:"currentCount"`
	DailyLimit     int     `json:"dailyLimit"`
	Remaining      int     `json:"remaining"`
	PercentageUsed float64 `json:"percentageUsed"`
	IsPaused       bool    `json:"isPaused"`
}

// CodeLimitExceeded is returned when a send was deferred rather than
// transmitted because the daily quota could not absorb it.
const CodeLimitExceeded = "LIMIT_EXCEEDED"

// SendResult is the structured outcome of a single send request. A
// Success=false result with Code=LIMIT_EXCEEDED means the job was queued
// for the next quota period, not dropped.
type SendResult struct {
	Success      bool        `json:"success"`
	Code         string      `json:"code,omitempty"`
	JobID        string      `json:"jobId,omitempty"`
	ScheduledFor *time.Time  `json:"scheduledFor,omitempty"`
	Stats        *QuotaStats `json:"stats,omitempty"`
}

// BulkSendResult reports the split outcome of a bulk send:
// Sent + Scheduled + Failed == Total always holds. Failed counts jobs the
// broker refused; the rest were durably queued.
type BulkSendResult struct {
	Sent      int         `json:"sent"`
	Scheduled int         `json:"scheduled"`
	Failed    int         `json:"failed,omitempty"`
	Total     int         `json:"total"`
	Stats     *QuotaStats `json:"stats,omitempty"`
}
