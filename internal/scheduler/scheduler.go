// Package scheduler runs the persisted scheduling tier: a cron-driven scan
// of user-scheduled future sends. Unlike broker-held delayed jobs these
// records survive restarts and stay queryable for the admin panel.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailpipe/internal/metrics"
	"mailpipe/internal/models"
)

const (
	// Backoff for non-quota failures doubles per attempt up to an hour;
	// this tier carries coarse, less time-sensitive sends.
	backoffBase = time.Minute
	backoffCap  = time.Hour

	tickTimeout = 55 * time.Second
)

// ScheduleStore is the persisted record store the scheduler owns. Claims
// must be single atomic conditional updates.
type ScheduleStore interface {
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.ScheduledEmail, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	Reschedule(ctx context.Context, id int64, at time.Time, errMsg string) error
}

// Mailer is the producer entry point the scheduler delegates sends to.
type Mailer interface {
	SendEmail(ctx context.Context, opts models.MailOptions, emailType models.EmailType) (*models.SendResult, error)
}

// PeriodClock supplies the start of the next quota period.
type PeriodClock interface {
	NextDayStartTime(now time.Time) time.Time
}

// Scheduler polls due ScheduledEmail records once a minute and hands them to
// the producer. Start and Stop are idempotent.
type Scheduler struct {
	store  ScheduleStore
	mailer Mailer
	quota  PeriodClock
	log    *zap.Logger

	batchSize   int
	maxAttempts int

	mu      sync.Mutex
	cron    *cron.Cron
	ticking atomic.Bool
}

func New(store ScheduleStore, mailer Mailer, quota PeriodClock, batchSize, maxAttempts int, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		mailer:      mailer,
		quota:       quota,
		log:         log,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// Start begins the per-minute scan. A second Start while running is a no-op;
// there is never more than one cron loop per instance.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.log.Warn("scheduler already running, ignoring second start")
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc("* * * * *", s.tick); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.log.Info("persisted scheduler started",
		zap.Int("batch_size", s.batchSize),
		zap.Int("max_attempts", s.maxAttempts),
	)
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info("persisted scheduler stopped")
	}
}

// tick is single-flight: a scan still in progress when the next minute fires
// must not overlap with itself.
func (s *Scheduler) tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("previous scan still running, skipping tick")
		return
	}
	defer s.ticking.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduled email scan failed", zap.Error(err))
	}
}

// RunOnce claims one batch of due records and processes them.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now()

	recs, err := s.store.ClaimDue(ctx, s.batchSize, now)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	s.log.Info("processing due scheduled emails", zap.Int("count", len(recs)))

	for i := range recs {
		metrics.ScheduledProcessed.Inc()
		s.processRecord(ctx, &recs[i], now)
	}
	return nil
}

func (s *Scheduler) processRecord(ctx context.Context, rec *models.ScheduledEmail, now time.Time) {
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		metrics.EmailsExpired.Inc()
		s.log.Info("scheduled email expired before send",
			zap.Int64("id", rec.ID),
			zap.Time("expires_at", *rec.ExpiresAt),
		)
		s.finish(rec.ID, s.store.MarkFailed(ctx, rec.ID, "expired before send"))
		return
	}

	res, err := s.mailer.SendEmail(ctx, rec.MailOptions, rec.EmailType)

	switch {
	case err != nil:
		s.handleFailure(ctx, rec, now, err.Error())

	case res.Success:
		s.log.Info("scheduled email sent",
			zap.Int64("id", rec.ID),
			zap.String("job_id", res.JobID),
		)
		s.finish(rec.ID, s.store.MarkSent(ctx, rec.ID))

	case res.Code == models.CodeLimitExceeded:
		// Quota-deferred: back to pending at the next period start, same
		// policy the worker applies at the broker level.
		next := s.quota.NextDayStartTime(now)
		s.log.Warn("scheduled email deferred to next quota period",
			zap.Int64("id", rec.ID),
			zap.Time("next_period", next),
		)
		s.finish(rec.ID, s.store.Reschedule(ctx, rec.ID, next, "daily limit exceeded"))

	default:
		s.handleFailure(ctx, rec, now, res.Code)
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, rec *models.ScheduledEmail, now time.Time, cause string) {
	if rec.Attempts >= s.maxAttempts {
		s.log.Error("scheduled email failed permanently",
			zap.Int64("id", rec.ID),
			zap.Int("attempts", rec.Attempts),
			zap.String("cause", cause),
		)
		s.finish(rec.ID, s.store.MarkFailed(ctx, rec.ID, cause))
		return
	}

	delay := retryBackoff(rec.Attempts)
	s.log.Warn("scheduled email failed, backing off",
		zap.Int64("id", rec.ID),
		zap.Int("attempts", rec.Attempts),
		zap.Duration("backoff", delay),
		zap.String("cause", cause),
	)
	s.finish(rec.ID, s.store.Reschedule(ctx, rec.ID, now.Add(delay), cause))
}

func (s *Scheduler) finish(id int64, err error) {
	if err != nil {
		s.log.Error("scheduled email state update failed",
			zap.Int64("id", id),
			zap.Error(err),
		)
	}
}

// retryBackoff returns min(2^attempts minutes, 60 minutes).
func retryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		return backoffCap
	}
	d := backoffBase * (1 << attempts)
	if d > backoffCap {
		return backoffCap
	}
	return d
}
