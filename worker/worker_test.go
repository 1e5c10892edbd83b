package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/signature"
)

type reschedule struct {
	attempts int
	next     time.Time
}

type fakeQueue struct {
	mu          sync.Mutex
	jobs        []domain.Job
	deleted     []uuid.UUID
	rescheduled map[uuid.UUID]reschedule
}

func newFakeQueue(jobs ...domain.Job) *fakeQueue {
	return &fakeQueue{jobs: jobs, rescheduled: make(map[uuid.UUID]reschedule)}
}

func (q *fakeQueue) PendingJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	q.jobs = q.jobs[len(jobs):]
	return jobs, nil
}

func (q *fakeQueue) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescheduled[id] = reschedule{attempts, next}
	return nil
}

func (q *fakeQueue) DeleteJob(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return nil
}

func (q *fakeQueue) wasDeleted(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"success", nil, outcomeDelivered},
		{"no retry", NoRetry(errors.New("bad payload")), outcomeDropped},
		{"wrapped no retry", fmt.Errorf("push: %w", NoRetry(errors.New("x"))), outcomeDropped},
		{"verification", &signature.VerificationError{Err: signature.ErrInvalidSignature}, outcomeDropped},
		{"gone", &pool.StatusError{StatusCode: http.StatusGone}, outcomeDropped},
		{"forbidden", fmt.Errorf("deliver: %w", &pool.StatusError{StatusCode: http.StatusForbidden}), outcomeDropped},
		{"too many requests", &pool.StatusError{StatusCode: http.StatusTooManyRequests}, outcomeRetry},
		{"request timeout", &pool.StatusError{StatusCode: http.StatusRequestTimeout}, outcomeRetry},
		{"server error", &pool.StatusError{StatusCode: http.StatusServiceUnavailable}, outcomeRetry},
		{"pool timeout", fmt.Errorf("checkout: %w", pool.ErrTimeout), outcomeSaturated},
		{"network", errors.New("connection reset by peer"), outcomeRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNoRetryNil(t *testing.T) {
	if NoRetry(nil) != nil {
		t.Error("NoRetry(nil) should be nil")
	}
	if IsNoRetry(errors.New("plain")) {
		t.Error("Plain error should not be no-retry")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, time.Hour},
		{5, 4 * time.Hour},
		{6, 24 * time.Hour},
		{9, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	job := func(kind domain.JobKind, attempts int) domain.Job {
		return domain.Job{Id: uuid.New(), Kind: kind, Attempts: attempts}
	}

	ok := job("ok", 0)
	dropped := job("drop", 0)
	failing := job("fail", 2)
	saturated := job("busy", 4)
	exhausted := job("fail", 9)
	unknown := job("mystery", 0)

	q := newFakeQueue(ok, dropped, failing, saturated, exhausted, unknown)
	w := New(q, Config{BatchSize: 10, MaxAttempts: 10})
	w.now = func() time.Time { return now }
	w.Register("ok", HandlerFunc(func(ctx context.Context, job *domain.Job) error { return nil }))
	w.Register("drop", HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		return &pool.StatusError{StatusCode: http.StatusNotFound}
	}))
	w.Register("fail", HandlerFunc(func(ctx context.Context, job *domain.Job) error { return errors.New("503") }))
	w.Register("busy", HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		return &pool.TimeoutError{Pool: "remote.example", Waited: time.Second}
	}))

	if n := w.RunOnce(context.Background()); n != 6 {
		t.Fatalf("Expected 6 jobs processed, got %d", n)
	}

	for _, j := range []domain.Job{ok, dropped, exhausted, unknown} {
		if !q.wasDeleted(j.Id) {
			t.Errorf("Expected %s job to be deleted", j.Kind)
		}
	}

	r, found := q.rescheduled[failing.Id]
	if !found {
		t.Fatal("Expected failing job to be rescheduled")
	}
	if r.attempts != 3 || !r.next.Equal(now.Add(15*time.Minute)) {
		t.Errorf("Expected attempt 3 in 15m, got %d at %s", r.attempts, r.next)
	}

	r, found = q.rescheduled[saturated.Id]
	if !found {
		t.Fatal("Expected saturated job to be rescheduled")
	}
	if r.attempts != 4 {
		t.Errorf("Saturation must not count as an attempt, got %d", r.attempts)
	}
	if !r.next.Equal(now.Add(time.Minute)) {
		t.Errorf("Expected saturated retry in 1m, got %s", r.next)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	w := New(newFakeQueue(), Config{})
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	q := newFakeQueue(domain.Job{Id: uuid.New(), Kind: "ok"}, domain.Job{Id: uuid.New(), Kind: "ok"})
	w := New(q, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	w.Register("ok", HandlerFunc(func(context.Context, *domain.Job) error {
		cancel()
		return nil
	}))

	if n := w.RunOnce(ctx); n != 1 {
		t.Errorf("Expected to stop after 1 job, got %d", n)
	}
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	q := newFakeQueue(domain.Job{Id: uuid.New(), Kind: "ok"})
	w := New(q, Config{Interval: time.Second})
	w.Register("ok", HandlerFunc(func(context.Context, *domain.Job) error {
		runs.Add(1)
		return nil
	}))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// starting twice is a no-op
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	w.Stop()
	w.Stop()

	if runs.Load() != 1 {
		t.Errorf("Expected job to run once, got %d", runs.Load())
	}
}
