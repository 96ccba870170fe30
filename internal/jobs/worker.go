package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Handler func(ctx context.Context, job Job) error

// ErrPermanent marks a handler error that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	Concurrency  int
	// MaxAttempts bounds redelivery of a failing job.
	MaxAttempts int
}

type Worker struct {
	queue    Queue
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(queue Queue, opts Options, logger *zap.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Worker{
		queue:    queue,
		opts:     opts,
		logger:   logger.Named("jobs"),
		now:      time.Now,
		handlers: map[string]Handler{},
	}
}

func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.logger.Info("job worker started", zap.Duration("poll_interval", w.opts.PollInterval))
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("job batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("stopping job worker")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and runs it to completion. It returns the number
// of jobs claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.queue.Claim(ctx, w.opts.BatchSize, w.opts.Lease)
	if err != nil {
		return 0, err
	}

	// A failed Complete or Reschedule for one job must not cancel the others:
	// their gateway submits are already in flight.
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, job := range batch {
		g.Go(func() error {
			return w.run(ctx, job)
		})
	}
	return len(batch), g.Wait()
}

// run executes one job. Only queue bookkeeping errors are returned; handler
// failures are recorded on the job.
func (w *Worker) run(ctx context.Context, job Job) error {
	w.mu.RLock()
	h, ok := w.handlers[job.Kind]
	w.mu.RUnlock()

	log := w.logger.With(zap.Int64("job_id", job.ID), zap.String("kind", job.Kind), zap.String("key", job.Key))
	if !ok {
		log.Error("no handler for job kind")
		return w.queue.Abandon(ctx, job.ID, "no handler registered")
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.Lease)
	defer cancel()

	err := h(jobCtx, job)
	switch {
	case err == nil:
		return w.queue.Complete(ctx, job.ID)
	case errors.Is(err, ErrPermanent) || job.Attempts >= w.opts.MaxAttempts:
		log.Error("job abandoned", zap.Int("attempts", job.Attempts), zap.Error(err))
		return w.queue.Abandon(ctx, job.ID, err.Error())
	default:
		delay := time.Duration(job.Attempts) * w.opts.PollInterval
		log.Warn("job failed, rescheduling", zap.Int("attempts", job.Attempts), zap.Duration("delay", delay), zap.Error(err))
		return w.queue.Reschedule(ctx, job.ID, w.now().Add(delay), err.Error())
	}
}
