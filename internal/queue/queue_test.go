package queue

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeInspector struct {
	counts map[string]int
	fail   string // queue name whose passive declare errors
}

func (f *fakeInspector) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == f.fail {
		return amqp.Queue{}, errors.New("NOT_FOUND - no queue")
	}
	return amqp.Queue{Name: name, Messages: f.counts[name]}, nil
}

func TestInspectQueues(t *testing.T) {
	stats, err := inspectQueues(&fakeInspector{counts: map[string]int{
		MainQueue:       7,
		DeadLetterQueue: 2,
	}})
	if err != nil {
		t.Fatalf("inspectQueues() error = %v", err)
	}
	if stats.MainMessages != 7 || stats.DeadLetterMessages != 2 {
		t.Errorf("got main=%d dead=%d, want 7/2", stats.MainMessages, stats.DeadLetterMessages)
	}
}

func TestInspectQueuesMissingQueue(t *testing.T) {
	if _, err := inspectQueues(&fakeInspector{fail: DeadLetterQueue}); err == nil {
		t.Fatal("expected an error when a queue is missing")
	}
}

func TestDelayExpiration(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  string
	}{
		{"clamped to one second floor", 0, "1000"},
		{"sub-second clamped", 250 * time.Millisecond, "1000"},
		{"exact second", time.Second, "1000"},
		{"ten seconds", 10 * time.Second, "10000"},
		{"five minutes", 5 * time.Minute, "300000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := delayExpiration(tt.delay); got != tt.want {
				t.Errorf("delayExpiration(%v) = %q, want %q", tt.delay, got, tt.want)
			}
		})
	}
}
