package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailpipe/internal/models"
)

const (
	MainExchange = "email.exchange"
	MainQueue    = "email.queue"
	MainKey      = "email"

	DeadLetterExchange = "email.dlx"
	DeadLetterQueue    = "email.dead"
	DeadLetterKey      = "failed"

	DelayExchange = "email.delay.exchange"
	DelayQueue    = "email.delay.queue"

	// Dead-lettered messages are kept a week for inspection and replay.
	deadLetterTTL = 7 * 24 * time.Hour

	// Per-message expirations below a second behave erratically across
	// broker versions; clamp to a floor.
	minDelay = time.Second
)

// BulkPublishResult reports per-job publish outcomes; one failure does not
// abort the batch.
type BulkPublishResult struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// QueueStats is a point-in-time message count snapshot.
type QueueStats struct {
	MainMessages       int `json:"mainMessages"`
	DeadLetterMessages int `json:"deadLetterMessages"`
}

// Manager owns the process's broker connection and declares the exchange and
// queue topology. Handles are cached and rebuilt, not repaired, after a
// connection-level error.
type Manager struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewManager(url string, log *zap.Logger) *Manager {
	return &Manager{url: url, log: log}
}

// connect returns the cached publish channel, dialing and declaring topology
// if needed. The mutex serializes concurrent callers so only one connection
// attempt is ever in flight.
func (m *Manager) connect(ctx context.Context) (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}

	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(m.url)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("broker dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker channel open failed: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	m.conn = conn
	m.ch = ch

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)
	go func() {
		if err, ok := <-closed; ok {
			m.log.Warn("broker connection closed", zap.Error(err))
		}
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.ch = nil
		}
		m.mu.Unlock()
	}()

	m.log.Info("broker connected", zap.String("exchange", MainExchange))
	return ch, nil
}

// declareTopology idempotently establishes the broker objects. The main
// queue deliberately carries no TTL/DLX arguments; dead-lettering and delay
// are message-level decisions made by the worker.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-message-ttl": deadLetterTTL.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	// The main queue carries no TTL/DLX arguments. Dead-lettering and delay
	// are message-level decisions made by the worker, which keeps the queue
	// declaration portable across broker configurations.
	if err := ch.ExchangeDeclare(MainExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare main exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(MainQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}
	if err := ch.QueueBind(MainQueue, MainKey, MainExchange, false, nil); err != nil {
		return fmt.Errorf("bind main queue: %w", err)
	}

	// Expired messages on the delay queue dead-letter back onto the main
	// exchange, which is what turns a per-message TTL into a delayed
	// redelivery.
	if err := ch.ExchangeDeclare(DelayExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare delay exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DelayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    MainExchange,
		"x-dead-letter-routing-key": MainKey,
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	if err := ch.QueueBind(DelayQueue, MainKey, DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind delay queue: %w", err)
	}

	return nil
}

// delayExpiration converts a delay to the broker's per-message expiration
// string, clamped to the one-second floor.
func delayExpiration(delay time.Duration) string {
	if delay < minDelay {
		delay = minDelay
	}
	return strconv.FormatInt(delay.Milliseconds(), 10)
}

// PublishEmailJob publishes a job to the main exchange. A non-zero delay is
// attached as an informational header; the worker enforces deferral from the
// job body itself. The returned bool reflects broker buffer acceptance, not
// delivery.
func (m *Manager) PublishEmailJob(ctx context.Context, job *models.EmailJob, delay time.Duration) (bool, error) {
	ch, err := m.connect(ctx)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("job marshal failed: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if delay > 0 {
		pub.Headers = amqp.Table{"x-delay-hint": delay.Milliseconds()}
	}

	if err := ch.PublishWithContext(ctx, MainExchange, MainKey, false, false, pub); err != nil {
		return false, fmt.Errorf("publish failed: %w", err)
	}

	m.log.Info("email job queued",
		zap.String("job_id", job.ID),
		zap.String("email_type", string(job.EmailType)),
		zap.Int("recipients", job.MailOptions.RecipientCount()),
		zap.Duration("delay_hint", delay),
	)
	return true, nil
}

// PublishBulkEmailJobs publishes each job independently; recipients are
// independent units and one failure must not sink the rest of the batch.
func (m *Manager) PublishBulkEmailJobs(ctx context.Context, jobs []*models.EmailJob) (BulkPublishResult, error) {
	var res BulkPublishResult
	for _, job := range jobs {
		ok, err := m.PublishEmailJob(ctx, job, job.DelayUntilScheduled(time.Now()))
		if err != nil || !ok {
			res.Failed++
			m.log.Error("bulk publish: job failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		res.Published++
	}
	return res, nil
}

// PublishWithDelay routes a job through the delay queue with a per-message
// TTL, after which the broker redelivers it to the main queue.
func (m *Manager) PublishWithDelay(ctx context.Context, job *models.EmailJob, delay time.Duration) error {
	ch, err := m.connect(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("job marshal failed: %w", err)
	}

	err = ch.PublishWithContext(ctx, DelayExchange, MainKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Expiration:   delayExpiration(delay),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("delay publish failed: %w", err)
	}

	m.log.Info("email job delayed",
		zap.String("job_id", job.ID),
		zap.Duration("delay", delay),
	)
	return nil
}

// PublishToDeadLetter parks a terminally-failed job on the dead-letter queue
// for manual inspection and replay.
func (m *Manager) PublishToDeadLetter(ctx context.Context, job *models.EmailJob, reason string) error {
	ch, err := m.connect(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("job marshal failed: %w", err)
	}

	err = ch.PublishWithContext(ctx, DeadLetterExchange, DeadLetterKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-failure-reason": reason},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("dead-letter publish failed: %w", err)
	}

	m.log.Warn("email job dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", reason),
	)
	return nil
}

// GetQueueStats reports message counts on the main and dead-letter queues.
// A passive declare on a missing queue is a channel-level error, so the
// inspection runs on its own short-lived channel rather than the cached
// publish channel.
func (m *Manager) GetQueueStats(ctx context.Context) (QueueStats, error) {
	if _, err := m.connect(ctx); err != nil {
		return QueueStats{}, err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return QueueStats{}, fmt.Errorf("broker connection lost before inspect")
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueStats{}, fmt.Errorf("inspect channel open failed: %w", err)
	}
	defer ch.Close()

	return inspectQueues(ch)
}

// queueInspector is the passive-declare slice of a channel.
type queueInspector interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

func inspectQueues(ch queueInspector) (QueueStats, error) {
	main, err := ch.QueueDeclarePassive(MainQueue, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, fmt.Errorf("main queue inspect failed: %w", err)
	}

	dead, err := ch.QueueDeclarePassive(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, fmt.Errorf("dead-letter queue inspect failed: %w", err)
	}

	return QueueStats{
		MainMessages:       main.Messages,
		DeadLetterMessages: dead.Messages,
	}, nil
}

// Consume opens a dedicated channel with prefetch 1 and starts delivering
// from the main queue. Each worker instance gets its own channel so the
// prefetch window is per instance.
func (m *Manager) Consume(ctx context.Context, consumer string) (<-chan amqp.Delivery, error) {
	if _, err := m.connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("broker connection lost before consume")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("consumer channel open failed: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("qos failed: %w", err)
	}

	deliveries, err := ch.Consume(MainQueue, consumer, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume failed: %w", err)
	}

	return deliveries, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		m.ch = nil
		return err
	}
	return nil
}
