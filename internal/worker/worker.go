package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailpipe/internal/metrics"
	"mailpipe/internal/models"
)

const (
	// Buffer added past UTC midnight before retrying a quota-deferred job,
	// against clock skew between instances.
	pauseBuffer = 5 * time.Second

	consumeRetryWait = 5 * time.Second
)

// Broker is the slice of the queue manager the worker needs: a delivery
// stream plus the message-level delay and dead-letter routes.
type Broker interface {
	Consume(ctx context.Context, consumer string) (<-chan amqp.Delivery, error)
	PublishWithDelay(ctx context.Context, job *models.EmailJob, delay time.Duration) error
	PublishToDeadLetter(ctx context.Context, job *models.EmailJob, reason string) error
}

// QuotaStore is the quota contract the worker admits through. The worker is
// the only component permitted to move the counter forward, and it does so
// via atomic reservation before transmit; a plain read-then-increment would
// let concurrent workers race past the daily limit.
type QuotaStore interface {
	ReserveSend(ctx context.Context, count int) (bool, error)
	ReleaseSend(ctx context.Context, count int) error
	IsPaused(ctx context.Context) (bool, error)
	PauseWorker(ctx context.Context) error
	NextDayStartTime(now time.Time) time.Time
}

// Sender transmits a fully-formed message; no provider-side retry assumed.
type Sender interface {
	Send(ctx context.Context, opts models.MailOptions) error
}

// acknowledger is the subset of amqp.Delivery the state machine settles
// messages through.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Worker pulls jobs one at a time (prefetch 1), re-validates timing, quota
// and expiration, transmits, and acks, delays or dead-letters. It never
// propagates errors to a caller; nothing waits on it synchronously.
type Worker struct {
	id      int
	broker  Broker
	quota   QuotaStore
	sender  Sender
	limiter *rate.Limiter
	log     *zap.Logger

	maxAttempts int
	retryDelay  time.Duration
}

func New(id int, broker Broker, quota QuotaStore, sender Sender, limiter *rate.Limiter, maxAttempts int, retryDelay time.Duration, log *zap.Logger) *Worker {
	return &Worker{
		id:          id,
		broker:      broker,
		quota:       quota,
		sender:      sender,
		limiter:     limiter,
		log:         log.With(zap.Int("worker_id", id)),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Run consumes until the context is cancelled, re-establishing the delivery
// stream when the broker drops it.
func (w *Worker) Run(ctx context.Context) {
	for {
		deliveries, err := w.broker.Consume(ctx, fmt.Sprintf("mailpipe-worker-%d", w.id))
		if err != nil {
			w.log.Error("consume failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryWait):
				continue
			}
		}

		w.log.Info("worker consuming")

	drain:
		for {
			select {
			case <-ctx.Done():
				w.log.Info("worker shutting down")
				return
			case d, ok := <-deliveries:
				if !ok {
					w.log.Warn("delivery stream closed, reconnecting")
					break drain
				}
				w.handleDelivery(ctx, d)
			}
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var job models.EmailJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		// Unparseable jobs cannot be retried meaningfully.
		w.log.Error("discarding malformed job", zap.Error(err))
		w.ack(d, "malformed")
		return
	}
	w.processJob(ctx, &job, d)
}

// processJob runs the per-job state machine: expiration, future-schedule
// delay hop, pause check, quota admission, transmit.
func (w *Worker) processJob(ctx context.Context, job *models.EmailJob, d acknowledger) {
	now := time.Now()

	if job.Expired(now) {
		metrics.EmailsExpired.Inc()
		w.log.Info("discarding expired job",
			zap.String("job_id", job.ID),
			zap.Timep("expires_at", job.ExpiresAt),
		)
		w.ack(d, "expired")
		return
	}

	if delay := job.DelayUntilScheduled(now); delay > 0 {
		w.deferJob(ctx, job, delay, d, "scheduled for later")
		return
	}

	paused, err := w.quota.IsPaused(ctx)
	if err != nil {
		w.retryOrDeadLetter(ctx, job, d, fmt.Errorf("pause check failed: %w", err))
		return
	}
	if paused {
		w.deferJob(ctx, job, w.delayUntilNextPeriod(now), d, "quota paused")
		return
	}

	n := job.MailOptions.RecipientCount()

	// Atomic reservation: the counter is claimed before transmit and handed
	// back if the transmit does not happen.
	ok, err := w.quota.ReserveSend(ctx, n)
	if err != nil {
		w.retryOrDeadLetter(ctx, job, d, fmt.Errorf("quota reserve failed: %w", err))
		return
	}
	if !ok {
		if err := w.quota.PauseWorker(ctx); err != nil {
			w.log.Error("failed to set pause flag", zap.Error(err))
		}
		w.deferJob(ctx, job, w.delayUntilNextPeriod(now), d, "quota exhausted")
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// Context cancelled mid-wait; requeue so another instance picks it up.
		w.releaseQuota(ctx, job, n)
		w.nackRequeue(d)
		return
	}

	if err := w.sender.Send(ctx, job.MailOptions); err != nil {
		w.releaseQuota(ctx, job, n)
		metrics.EmailFailures.Inc()
		w.retryOrDeadLetter(ctx, job, d, err)
		return
	}

	metrics.EmailsSent.Inc()
	w.log.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("email_type", string(job.EmailType)),
		zap.Int("recipients", n),
	)
	w.ack(d, "sent")
}

// deferJob routes a fresh copy of the job through the delay queue and acks
// the original; the original is never requeued as-is.
func (w *Worker) deferJob(ctx context.Context, job *models.EmailJob, delay time.Duration, d acknowledger, reason string) {
	if err := w.broker.PublishWithDelay(ctx, job, delay); err != nil {
		w.log.Error("delay publish failed, requeueing original",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		w.nackRequeue(d)
		return
	}

	metrics.EmailsDeferred.Inc()
	w.log.Info("job deferred",
		zap.String("job_id", job.ID),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	w.ack(d, "deferred")
}

// retryOrDeadLetter applies the bounded fixed-backoff retry policy: a copy
// goes back through the delay queue until attempts run out, then the job is
// parked on the dead-letter queue.
func (w *Worker) retryOrDeadLetter(ctx context.Context, job *models.EmailJob, d acknowledger, cause error) {
	job.Attempts++

	if job.Attempts >= w.maxAttempts {
		if err := w.broker.PublishToDeadLetter(ctx, job, cause.Error()); err != nil {
			w.log.Error("dead-letter publish failed, requeueing original",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			w.nackRequeue(d)
			return
		}
		metrics.EmailsDeadLettered.Inc()
		w.ack(d, "dead-lettered")
		return
	}

	w.log.Warn("job failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", w.maxAttempts),
		zap.Duration("retry_delay", w.retryDelay),
		zap.Error(cause),
	)

	if err := w.broker.PublishWithDelay(ctx, job, w.retryDelay); err != nil {
		w.log.Error("retry publish failed, requeueing original",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		w.nackRequeue(d)
		return
	}
	w.ack(d, "retry scheduled")
}

func (w *Worker) releaseQuota(ctx context.Context, job *models.EmailJob, n int) {
	if err := w.quota.ReleaseSend(ctx, n); err != nil {
		w.log.Error("quota release failed",
			zap.String("job_id", job.ID),
			zap.Int("count", n),
			zap.Error(err),
		)
	}
}

func (w *Worker) delayUntilNextPeriod(now time.Time) time.Duration {
	return w.quota.NextDayStartTime(now).Add(pauseBuffer).Sub(now)
}

func (w *Worker) ack(d acknowledger, outcome string) {
	if err := d.Ack(false); err != nil {
		w.log.Error("ack failed", zap.String("outcome", outcome), zap.Error(err))
	}
}

func (w *Worker) nackRequeue(d acknowledger) {
	if err := d.Nack(false, true); err != nil {
		w.log.Error("nack failed", zap.Error(err))
	}
}
