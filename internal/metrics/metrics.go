package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed transmission attempts",
		},
	)

	EmailsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_deferred_total",
			Help: "Total jobs routed through the delay queue",
		},
	)

	EmailsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_expired_total",
			Help: "Total jobs discarded because they expired before delivery",
		},
	)

	EmailsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_dead_lettered_total",
			Help: "Total jobs dead-lettered after exhausting retries",
		},
	)

	ScheduledProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_emails_processed_total",
			Help: "Total persisted scheduled emails claimed by the scheduler",
		},
	)

	MainQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_queue_depth",
			Help: "Messages waiting in the main email queue",
		},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_dead_letter_depth",
			Help: "Messages held in the dead-letter queue",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		EmailsDeferred,
		EmailsExpired,
		EmailsDeadLettered,
		ScheduledProcessed,
		MainQueueDepth,
		DeadLetterDepth,
	)
}
