package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpipe/internal/models"
	"mailpipe/internal/queue"
)

// Publisher is the slice of the queue manager the dispatcher needs.
type Publisher interface {
	PublishEmailJob(ctx context.Context, job *models.EmailJob, delay time.Duration) (bool, error)
	PublishBulkEmailJobs(ctx context.Context, jobs []*models.EmailJob) (queue.BulkPublishResult, error)
}

// QuotaReader provides read-only admission data. The dispatcher never moves
// quota counters; only a worker does, once a send actually succeeds.
type QuotaReader interface {
	GetStats(ctx context.Context) (models.QuotaStats, error)
	NextDayStartTime(now time.Time) time.Time
}

// Dispatcher is the single entry point for sending or scheduling mail. It
// performs quota admission and turns requests into broker jobs.
type Dispatcher struct {
	queue Publisher
	quota QuotaReader
	from  string
	log   *zap.Logger
}

func New(q Publisher, quota QuotaReader, from string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{queue: q, quota: quota, from: from, log: log}
}

func (d *Dispatcher) newJob(opts models.MailOptions, emailType models.EmailType, scheduledTime, expiresAt *time.Time) *models.EmailJob {
	if opts.From == "" {
		opts.From = d.from
	}
	return &models.EmailJob{
		ID:            uuid.NewString(),
		MailOptions:   opts,
		EmailType:     emailType,
		ScheduledTime: scheduledTime,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now(),
	}
}

// CheckLimit reports whether recipientCount more sends would still fit under
// the daily limit, plus the stats snapshot. Read-only and safe to call
// speculatively.
func (d *Dispatcher) CheckLimit(ctx context.Context, recipientCount int) (bool, models.QuotaStats, error) {
	stats, err := d.quota.GetStats(ctx)
	if err != nil {
		return false, models.QuotaStats{}, err
	}
	return !stats.IsPaused && recipientCount <= stats.Remaining, stats, nil
}

// GetUsageStats returns the current quota snapshot.
func (d *Dispatcher) GetUsageStats(ctx context.Context) (models.QuotaStats, error) {
	return d.quota.GetStats(ctx)
}

// SendEmail queues a single send. When the quota cannot absorb the request
// the job is queued for the next quota period instead and the result carries
// LIMIT_EXCEEDED; the caller is told it was deferred, not dropped.
func (d *Dispatcher) SendEmail(ctx context.Context, opts models.MailOptions, emailType models.EmailType) (*models.SendResult, error) {
	n := opts.RecipientCount()

	ok, stats, err := d.CheckLimit(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	if !ok {
		nextStart := d.quota.NextDayStartTime(time.Now())
		job := d.newJob(opts, emailType, &nextStart, nil)

		if _, err := d.queue.PublishEmailJob(ctx, job, time.Until(nextStart)); err != nil {
			return nil, err
		}

		d.log.Warn("send deferred: daily limit exceeded",
			zap.String("job_id", job.ID),
			zap.String("email_type", string(emailType)),
			zap.Int("recipients", n),
			zap.Int("current_count", stats.CurrentCount),
			zap.Int("daily_limit", stats.DailyLimit),
			zap.Time("scheduled_for", nextStart),
		)

		return &models.SendResult{
			Success:      false,
			Code:         models.CodeLimitExceeded,
			JobID:        job.ID,
			ScheduledFor: &nextStart,
			Stats:        &stats,
		}, nil
	}

	job := d.newJob(opts, emailType, nil, nil)
	if _, err := d.queue.PublishEmailJob(ctx, job, 0); err != nil {
		return nil, err
	}

	d.log.Info("send queued",
		zap.String("job_id", job.ID),
		zap.String("email_type", string(emailType)),
		zap.Int("recipients", n),
	)

	return &models.SendResult{
		Success: true,
		JobID:   job.ID,
		Stats:   &stats,
	}, nil
}

// SendBulkEmail splits recipients into a group the remaining quota can carry
// today and a group deferred to the next quota period. Excess demand is
// deferred, never rejected, and each recipient travels as its own job.
func (d *Dispatcher) SendBulkEmail(ctx context.Context, recipients []string, subject, html, text string, emailType models.EmailType, expiresAt *time.Time) (*models.BulkSendResult, error) {
	if len(recipients) == 0 {
		return &models.BulkSendResult{}, nil
	}

	stats, err := d.quota.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	sendable := stats.Remaining
	if stats.IsPaused {
		sendable = 0
	}
	if sendable > len(recipients) {
		sendable = len(recipients)
	}

	nextStart := d.quota.NextDayStartTime(time.Now())

	immediate := make([]*models.EmailJob, 0, sendable)
	deferred := make([]*models.EmailJob, 0, len(recipients)-sendable)
	for i, r := range recipients {
		opts := models.MailOptions{To: []string{r}, Subject: subject, HTML: html, Text: text}
		if i < sendable {
			immediate = append(immediate, d.newJob(opts, emailType, nil, expiresAt))
		} else {
			deferred = append(deferred, d.newJob(opts, emailType, &nextStart, expiresAt))
		}
	}

	// The two groups publish separately so a broker refusal is attributed to
	// the right bucket. Jobs already accepted are durably queued, so partial
	// failure is a partial result, not an error.
	nowRes, err := d.queue.PublishBulkEmailJobs(ctx, immediate)
	if err != nil {
		return nil, err
	}
	laterRes, err := d.queue.PublishBulkEmailJobs(ctx, deferred)
	if err != nil {
		return nil, err
	}

	res := &models.BulkSendResult{
		Sent:      nowRes.Published,
		Scheduled: laterRes.Published,
		Failed:    nowRes.Failed + laterRes.Failed,
		Total:     len(recipients),
		Stats:     &stats,
	}
	if res.Sent+res.Scheduled == 0 {
		return nil, fmt.Errorf("bulk publish: no jobs accepted by broker (%d failed)", res.Failed)
	}

	if res.Failed > 0 {
		d.log.Warn("bulk send partially queued",
			zap.String("email_type", string(emailType)),
			zap.Int("sent", res.Sent),
			zap.Int("scheduled", res.Scheduled),
			zap.Int("failed", res.Failed),
			zap.Int("total", res.Total),
		)
	} else {
		d.log.Info("bulk send queued",
			zap.String("email_type", string(emailType)),
			zap.Int("sent", res.Sent),
			zap.Int("scheduled", res.Scheduled),
			zap.Int("total", res.Total),
			zap.Time("next_period", nextStart),
		)
	}

	return res, nil
}

// ScheduleBulkEmail queues every recipient with the caller-supplied future
// time regardless of current quota; the worker re-checks quota when each job
// becomes due.
func (d *Dispatcher) ScheduleBulkEmail(ctx context.Context, recipients []string, subject, html, text string, emailType models.EmailType, scheduledTime time.Time, expiresAt *time.Time) (*models.BulkSendResult, error) {
	if len(recipients) == 0 {
		return &models.BulkSendResult{}, nil
	}

	jobs := make([]*models.EmailJob, 0, len(recipients))
	for _, r := range recipients {
		opts := models.MailOptions{To: []string{r}, Subject: subject, HTML: html, Text: text}
		jobs = append(jobs, d.newJob(opts, emailType, &scheduledTime, expiresAt))
	}

	res, err := d.queue.PublishBulkEmailJobs(ctx, jobs)
	if err != nil {
		return nil, err
	}
	if res.Published == 0 {
		return nil, fmt.Errorf("bulk publish: no jobs accepted by broker (%d failed)", res.Failed)
	}

	if res.Failed > 0 {
		d.log.Warn("bulk schedule partially queued",
			zap.String("email_type", string(emailType)),
			zap.Int("scheduled", res.Published),
			zap.Int("failed", res.Failed),
			zap.Time("scheduled_time", scheduledTime),
		)
	} else {
		d.log.Info("bulk send scheduled",
			zap.String("email_type", string(emailType)),
			zap.Int("recipients", len(recipients)),
			zap.Time("scheduled_time", scheduledTime),
		)
	}

	return &models.BulkSendResult{
		Sent:      0,
		Scheduled: res.Published,
		Failed:    res.Failed,
		Total:     len(recipients),
	}, nil
}
