package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpipe/internal/models"
	"mailpipe/internal/queue"
)

type fakePublisher struct {
	jobs     []*models.EmailJob
	failAll  bool
	failNext int // refuse this many jobs before accepting again
}

func (f *fakePublisher) PublishEmailJob(ctx context.Context, job *models.EmailJob, delay time.Duration) (bool, error) {
	if f.failAll {
		return false, errors.New("broker unavailable")
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func (f *fakePublisher) PublishBulkEmailJobs(ctx context.Context, jobs []*models.EmailJob) (queue.BulkPublishResult, error) {
	var res queue.BulkPublishResult
	for _, job := range jobs {
		if f.failAll || f.failNext > 0 {
			if f.failNext > 0 {
				f.failNext--
			}
			res.Failed++
			continue
		}
		f.jobs = append(f.jobs, job)
		res.Published++
	}
	return res, nil
}

type fakeQuota struct {
	stats models.QuotaStats
}

func (f *fakeQuota) GetStats(ctx context.Context) (models.QuotaStats, error) {
	return f.stats, nil
}

func (f *fakeQuota) NextDayStartTime(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func newTestDispatcher(stats models.QuotaStats) (*Dispatcher, *fakePublisher) {
	pub := &fakePublisher{}
	return New(pub, &fakeQuota{stats: stats}, "noreply@eventscms.io", zap.NewNop()), pub
}

func TestSendEmailWithinQuota(t *testing.T) {
	d, pub := newTestDispatcher(models.QuotaStats{CurrentCount: 10, DailyLimit: 100, Remaining: 90})

	res, err := d.SendEmail(context.Background(), models.MailOptions{
		To:      []string{"sub@events.io"},
		Subject: "hi",
		HTML:    "<p>hi</p>",
	}, models.TypeGeneral)
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}

	if !res.Success {
		t.Fatalf("expected success, got code %q", res.Code)
	}
	if res.JobID == "" {
		t.Error("expected a job id")
	}
	if len(pub.jobs) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(pub.jobs))
	}
	if pub.jobs[0].ScheduledTime != nil {
		t.Error("immediate job should carry no scheduled time")
	}
	if pub.jobs[0].MailOptions.From != "noreply@eventscms.io" {
		t.Errorf("expected default from, got %q", pub.jobs[0].MailOptions.From)
	}
}

// Scenario: a single send with remaining=0 is deferred to the next quota
// period, reported as LIMIT_EXCEEDED, and still durably queued.
func TestSendEmailQuotaExhausted(t *testing.T) {
	d, pub := newTestDispatcher(models.QuotaStats{CurrentCount: 100, DailyLimit: 100, Remaining: 0})

	res, err := d.SendEmail(context.Background(), models.MailOptions{
		To: []string{"sub@events.io"}, Subject: "hi", HTML: "x",
	}, models.TypeGeneral)
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}

	if res.Success {
		t.Fatal("expected deferral, got success")
	}
	if res.Code != models.CodeLimitExceeded {
		t.Errorf("code = %q, want %q", res.Code, models.CodeLimitExceeded)
	}
	if res.Stats == nil || res.Stats.Remaining != 0 {
		t.Error("expected quota snapshot in result")
	}

	if len(pub.jobs) != 1 {
		t.Fatalf("deferred job must still be queued, got %d jobs", len(pub.jobs))
	}
	job := pub.jobs[0]
	if job.ScheduledTime == nil {
		t.Fatal("deferred job must carry the next period start")
	}
	next := (&fakeQuota{}).NextDayStartTime(time.Now())
	if !job.ScheduledTime.Equal(next) {
		t.Errorf("scheduled time = %v, want %v", job.ScheduledTime, next)
	}
}

func TestSendEmailPausedDefers(t *testing.T) {
	d, _ := newTestDispatcher(models.QuotaStats{CurrentCount: 50, DailyLimit: 100, Remaining: 50, IsPaused: true})

	res, err := d.SendEmail(context.Background(), models.MailOptions{
		To: []string{"sub@events.io"}, Subject: "hi", HTML: "x",
	}, models.TypeGeneral)
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}
	if res.Success || res.Code != models.CodeLimitExceeded {
		t.Errorf("paused system should defer, got success=%v code=%q", res.Success, res.Code)
	}
}

func TestSendEmailPublishErrorPropagates(t *testing.T) {
	pub := &fakePublisher{failAll: true}
	d := New(pub, &fakeQuota{stats: models.QuotaStats{DailyLimit: 100, Remaining: 100}}, "noreply@eventscms.io", zap.NewNop())

	if _, err := d.SendEmail(context.Background(), models.MailOptions{
		To: []string{"sub@events.io"}, Subject: "hi", HTML: "x",
	}, models.TypeGeneral); err == nil {
		t.Fatal("expected publish error to propagate")
	}
}

// Scenario: dailyLimit=100, currentCount=95, bulk of 10 splits 5 now / 5
// deferred.
func TestSendBulkEmailSplits(t *testing.T) {
	d, pub := newTestDispatcher(models.QuotaStats{CurrentCount: 95, DailyLimit: 100, Remaining: 5})

	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = "sub@events.io"
	}

	res, err := d.SendBulkEmail(context.Background(), recipients, "news", "<p>n</p>", "", models.TypeNewsletter, nil)
	if err != nil {
		t.Fatalf("SendBulkEmail() error = %v", err)
	}

	if res.Sent != 5 || res.Scheduled != 5 || res.Total != 10 {
		t.Fatalf("got sent=%d scheduled=%d total=%d, want 5/5/10", res.Sent, res.Scheduled, res.Total)
	}
	if res.Sent+res.Scheduled != res.Total {
		t.Error("sent + scheduled must equal total")
	}

	var immediate, deferred int
	for _, job := range pub.jobs {
		if job.ScheduledTime == nil {
			immediate++
		} else {
			deferred++
		}
	}
	if immediate != 5 || deferred != 5 {
		t.Errorf("published immediate=%d deferred=%d, want 5/5", immediate, deferred)
	}
}

func TestSendBulkEmailAllWithinQuota(t *testing.T) {
	d, _ := newTestDispatcher(models.QuotaStats{CurrentCount: 0, DailyLimit: 100, Remaining: 100})

	res, err := d.SendBulkEmail(context.Background(), []string{"a@b.c", "d@e.f"}, "s", "h", "", models.TypeNewsletter, nil)
	if err != nil {
		t.Fatalf("SendBulkEmail() error = %v", err)
	}
	if res.Sent != 2 || res.Scheduled != 0 {
		t.Errorf("got sent=%d scheduled=%d, want 2/0", res.Sent, res.Scheduled)
	}
}

// A broker refusal on part of a batch must not hide the jobs that were
// durably queued: the result reports the split with a failed count, no error.
func TestSendBulkEmailPartialPublishFailure(t *testing.T) {
	pub := &fakePublisher{failNext: 1}
	d := New(pub, &fakeQuota{stats: models.QuotaStats{DailyLimit: 100, Remaining: 100}}, "noreply@eventscms.io", zap.NewNop())

	recipients := []string{"a@b.c", "d@e.f", "g@h.i", "j@k.l"}
	res, err := d.SendBulkEmail(context.Background(), recipients, "s", "h", "", models.TypeNewsletter, nil)
	if err != nil {
		t.Fatalf("SendBulkEmail() error = %v, want partial result without error", err)
	}

	if res.Sent != 3 || res.Scheduled != 0 || res.Failed != 1 || res.Total != 4 {
		t.Fatalf("got sent=%d scheduled=%d failed=%d total=%d, want 3/0/1/4",
			res.Sent, res.Scheduled, res.Failed, res.Total)
	}
	if res.Sent+res.Scheduled+res.Failed != res.Total {
		t.Error("sent + scheduled + failed must equal total")
	}
	if len(pub.jobs) != 3 {
		t.Errorf("published jobs = %d, want 3", len(pub.jobs))
	}
}

func TestSendBulkEmailAllPublishFailed(t *testing.T) {
	pub := &fakePublisher{failAll: true}
	d := New(pub, &fakeQuota{stats: models.QuotaStats{DailyLimit: 100, Remaining: 100}}, "noreply@eventscms.io", zap.NewNop())

	if _, err := d.SendBulkEmail(context.Background(), []string{"a@b.c", "d@e.f"}, "s", "h", "", models.TypeNewsletter, nil); err == nil {
		t.Fatal("expected an error when nothing was accepted")
	}
}

func TestSendBulkEmailEmpty(t *testing.T) {
	d, _ := newTestDispatcher(models.QuotaStats{DailyLimit: 100, Remaining: 100})

	res, err := d.SendBulkEmail(context.Background(), nil, "s", "h", "", models.TypeNewsletter, nil)
	if err != nil {
		t.Fatalf("SendBulkEmail() error = %v", err)
	}
	if res.Total != 0 {
		t.Errorf("empty bulk total = %d, want 0", res.Total)
	}
}

func TestScheduleBulkEmailIgnoresQuota(t *testing.T) {
	// Remaining is zero, yet every recipient is queued for the chosen time;
	// the worker re-checks quota when each job becomes due.
	d, pub := newTestDispatcher(models.QuotaStats{CurrentCount: 100, DailyLimit: 100, Remaining: 0})

	at := time.Now().Add(48 * time.Hour)
	res, err := d.ScheduleBulkEmail(context.Background(), []string{"a@b.c", "d@e.f", "g@h.i"}, "s", "h", "", models.TypeNewsletter, at, nil)
	if err != nil {
		t.Fatalf("ScheduleBulkEmail() error = %v", err)
	}

	if res.Scheduled != 3 || res.Sent != 0 || res.Total != 3 {
		t.Fatalf("got sent=%d scheduled=%d total=%d, want 0/3/3", res.Sent, res.Scheduled, res.Total)
	}
	for _, job := range pub.jobs {
		if job.ScheduledTime == nil || !job.ScheduledTime.Equal(at) {
			t.Errorf("job scheduled time = %v, want %v", job.ScheduledTime, at)
		}
	}
}

func TestScheduleBulkEmailPartialPublishFailure(t *testing.T) {
	pub := &fakePublisher{failNext: 1}
	d := New(pub, &fakeQuota{stats: models.QuotaStats{DailyLimit: 100, Remaining: 100}}, "noreply@eventscms.io", zap.NewNop())

	at := time.Now().Add(time.Hour)
	res, err := d.ScheduleBulkEmail(context.Background(), []string{"a@b.c", "d@e.f", "g@h.i"}, "s", "h", "", models.TypeNewsletter, at, nil)
	if err != nil {
		t.Fatalf("ScheduleBulkEmail() error = %v, want partial result without error", err)
	}
	if res.Scheduled != 2 || res.Failed != 1 || res.Total != 3 {
		t.Fatalf("got scheduled=%d failed=%d total=%d, want 2/1/3", res.Scheduled, res.Failed, res.Total)
	}
}

func TestCheckLimit(t *testing.T) {
	d, _ := newTestDispatcher(models.QuotaStats{CurrentCount: 95, DailyLimit: 100, Remaining: 5})

	ok, stats, err := d.CheckLimit(context.Background(), 5)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if !ok {
		t.Error("5 sends should fit with remaining=5")
	}
	if stats.Remaining != 5 {
		t.Errorf("stats remaining = %d, want 5", stats.Remaining)
	}

	ok, _, err = d.CheckLimit(context.Background(), 6)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if ok {
		t.Error("6 sends should not fit with remaining=5")
	}
}
