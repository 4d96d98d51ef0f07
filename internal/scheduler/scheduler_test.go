package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpipe/internal/models"
)

type fakeStore struct {
	due []models.ScheduledEmail

	sent        []int64
	failed      map[int64]string
	rescheduled map[int64]time.Time
}

func newFakeStore(due ...models.ScheduledEmail) *fakeStore {
	return &fakeStore{
		due:         due,
		failed:      make(map[int64]string),
		rescheduled: make(map[int64]time.Time),
	}
}

func (f *fakeStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.ScheduledEmail, error) {
	n := len(f.due)
	if n > limit {
		n = limit
	}
	claimed := make([]models.ScheduledEmail, n)
	copy(claimed, f.due[:n])
	f.due = f.due[n:]
	for i := range claimed {
		claimed[i].Status = models.ScheduleStatusProcessing
		claimed[i].Attempts++
	}
	return claimed, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeStore) Reschedule(ctx context.Context, id int64, at time.Time, errMsg string) error {
	f.rescheduled[id] = at
	return nil
}

type fakeMailer struct {
	result *models.SendResult
	err    error
	calls  int
}

func (f *fakeMailer) SendEmail(ctx context.Context, opts models.MailOptions, emailType models.EmailType) (*models.SendResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixedClock struct {
	next time.Time
}

func (f *fixedClock) NextDayStartTime(now time.Time) time.Time {
	return f.next
}

func dueRecord(id int64, attempts int) models.ScheduledEmail {
	return models.ScheduledEmail{
		ID:            id,
		MailOptions:   models.MailOptions{To: []string{"sub@events.io"}, Subject: "s", HTML: "h"},
		EmailType:     models.TypeNewsletter,
		ScheduledTime: time.Now().Add(-time.Minute),
		Attempts:      attempts,
		Status:        models.ScheduleStatusPending,
	}
}

func newTestScheduler(store ScheduleStore, mailer Mailer, clock PeriodClock) *Scheduler {
	return New(store, mailer, clock, 10, 5, zap.NewNop())
}

func TestRunOnceSendsDueRecord(t *testing.T) {
	store := newFakeStore(dueRecord(1, 0))
	mailer := &fakeMailer{result: &models.SendResult{Success: true, JobID: "j1"}}
	s := newTestScheduler(store, mailer, &fixedClock{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if mailer.calls != 1 {
		t.Errorf("mailer calls = %d, want 1", mailer.calls)
	}
	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Errorf("sent = %v, want [1]", store.sent)
	}
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	recs := make([]models.ScheduledEmail, 15)
	for i := range recs {
		recs[i] = dueRecord(int64(i+1), 0)
	}
	store := newFakeStore(recs...)
	mailer := &fakeMailer{result: &models.SendResult{Success: true}}
	s := newTestScheduler(store, mailer, &fixedClock{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if mailer.calls != 10 {
		t.Errorf("mailer calls = %d, want batch cap of 10", mailer.calls)
	}
}

func TestQuotaExceededReschedulesToNextPeriod(t *testing.T) {
	nextPeriod := time.Now().Add(6 * time.Hour).Truncate(time.Hour)
	store := newFakeStore(dueRecord(7, 0))
	mailer := &fakeMailer{result: &models.SendResult{Success: false, Code: models.CodeLimitExceeded}}
	s := newTestScheduler(store, mailer, &fixedClock{next: nextPeriod})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	at, ok := store.rescheduled[7]
	if !ok {
		t.Fatal("quota-deferred record must return to pending")
	}
	if !at.Equal(nextPeriod) {
		t.Errorf("rescheduled for %v, want next period %v", at, nextPeriod)
	}
	if len(store.failed) != 0 {
		t.Error("quota deferral must not mark the record failed")
	}
}

func TestFailureBacksOffExponentially(t *testing.T) {
	store := newFakeStore(dueRecord(3, 1)) // claim makes this attempt 2
	mailer := &fakeMailer{err: errors.New("broker down")}
	s := newTestScheduler(store, mailer, &fixedClock{})

	start := time.Now()
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	at, ok := store.rescheduled[3]
	if !ok {
		t.Fatal("failed record under the attempt cap must be rescheduled")
	}

	want := 4 * time.Minute // 2^2 minutes
	got := at.Sub(start)
	if got < want-time.Second || got > want+time.Minute {
		t.Errorf("backoff = %v, want ~%v", got, want)
	}
}

// A record that keeps failing is terminal after the fifth attempt.
func TestAttemptsExhaustedMarksFailed(t *testing.T) {
	store := newFakeStore(dueRecord(9, 4)) // claim makes this attempt 5
	mailer := &fakeMailer{err: errors.New("broker down")}
	s := newTestScheduler(store, mailer, &fixedClock{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if _, ok := store.failed[9]; !ok {
		t.Fatal("record must be failed after attempts are exhausted")
	}
	if len(store.rescheduled) != 0 {
		t.Error("exhausted record must not be rescheduled again")
	}
}

func TestExpiredRecordNotSent(t *testing.T) {
	rec := dueRecord(4, 0)
	past := time.Now().Add(-time.Hour)
	rec.ExpiresAt = &past

	store := newFakeStore(rec)
	mailer := &fakeMailer{result: &models.SendResult{Success: true}}
	s := newTestScheduler(store, mailer, &fixedClock{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if mailer.calls != 0 {
		t.Error("expired record must never reach the producer")
	}
	if _, ok := store.failed[4]; !ok {
		t.Error("expired record must be closed out")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newTestScheduler(newFakeStore(), &fakeMailer{result: &models.SendResult{Success: true}}, &fixedClock{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	first := s.cron
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if s.cron != first {
		t.Error("second Start must not replace the running cron loop")
	}
}

func TestStopThenRestart(t *testing.T) {
	s := newTestScheduler(newFakeStore(), &fakeMailer{result: &models.SendResult{Success: true}}, &fixedClock{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop() // second stop is a no-op

	if err := s.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	s.Stop()
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{7, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		if got := retryBackoff(tt.attempts); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
