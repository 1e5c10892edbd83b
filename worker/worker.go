// Package worker runs the delivery queue: feed inserts, web push and
// ActivityPub inbox deliveries.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// backoff is the delay before attempt n+1, in minutes.
var backoff = []int{1, 5, 15, 60, 240, 1440}

// Queue is the persistent job store.
type Queue interface {
	PendingJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

type HandlerFunc func(ctx context.Context, job *domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Metrics     *metrics.Metrics
}

// Worker polls the queue on a schedule and dispatches jobs by kind.
type Worker struct {
	queue    Queue
	cfg      Config
	handlers map[domain.JobKind]Handler
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(queue Queue, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[domain.JobKind]Handler),
		now:      time.Now,
	}
}

// Register sets the handler for kind. It must be called before Start.
func (w *Worker) Register(kind domain.JobKind, h Handler) {
	w.handlers[kind] = h
}

// Start schedules a queue run every interval until Stop. A run that is
// still busy when the next one is due causes that one to be skipped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", w.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule worker %q: %w", spec, err)
	}
	c.Start()
	w.cron = c

	log.Info().Dur("interval", w.cfg.Interval).Int("batch", w.cfg.BatchSize).Msg("DeliveryWorker: started")
	return nil
}

// Stop waits for a running batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce processes one batch of due jobs and returns how many it took.
func (w *Worker) RunOnce(ctx context.Context) int {
	jobs, err := w.queue.PendingJobs(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("DeliveryWorker: failed to read queue")
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	log.Debug().Int("jobs", len(jobs)).Msg("DeliveryWorker: processing pending jobs")
	for i := range jobs {
		if ctx.Err() != nil {
			return i
		}
		w.process(ctx, &jobs[i])
	}
	return len(jobs)
}

func (w *Worker) process(ctx context.Context, job *domain.Job) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		log.Warn().Str("kind", string(job.Kind)).Str("job", job.Id.String()).Msg("DeliveryWorker: no handler, dropping job")
		w.finish(ctx, job, outcomeDropped)
		return
	}

	err := h.Handle(ctx, job)
	result := classify(err)

	switch result {
	case outcomeDelivered, outcomeDropped:
		if err != nil {
			log.Warn().Err(err).Str("kind", string(job.Kind)).Str("job", job.Id.String()).Msg("DeliveryWorker: dropping job")
		}
		w.finish(ctx, job, result)

	case outcomeSaturated:
		// The local pool was full; the remote has not seen the job yet, so
		// the attempt does not count.
		next := w.now().Add(time.Duration(backoff[0]) * time.Minute)
		w.reschedule(ctx, job, job.Attempts, next, result)

	default:
		attempts := job.Attempts + 1
		if attempts >= w.cfg.MaxAttempts {
			log.Warn().Err(err).Str("kind", string(job.Kind)).Int("attempts", attempts).Msg("DeliveryWorker: giving up")
			w.finish(ctx, job, outcomeExhausted)
			return
		}
		delay := Backoff(attempts)
		log.Info().Err(err).Str("kind", string(job.Kind)).Int("attempts", attempts).Dur("retry_in", delay).Msg("DeliveryWorker: job failed")
		w.reschedule(ctx, job, attempts, w.now().Add(delay), result)
	}
}

func (w *Worker) finish(ctx context.Context, job *domain.Job, result outcome) {
	if err := w.queue.DeleteJob(ctx, job.Id); err != nil {
		log.Error().Err(err).Str("job", job.Id.String()).Msg("DeliveryWorker: failed to delete job")
	}
	w.cfg.Metrics.JobOutcome(string(job.Kind), string(result))
}

func (w *Worker) reschedule(ctx context.Context, job *domain.Job, attempts int, next time.Time, result outcome) {
	if err := w.queue.RescheduleJob(ctx, job.Id, attempts, next); err != nil {
		log.Error().Err(err).Str("job", job.Id.String()).Msg("DeliveryWorker: failed to reschedule job")
	}
	w.cfg.Metrics.JobOutcome(string(job.Kind), string(result))
}

// Backoff is the delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	i := min(max(attempts-1, 0), len(backoff)-1)
	return time.Duration(backoff[i]) * time.Minute
}
