// SPDX-License-Identifier: MIT

// Package queue runs the durable deferred-job queue: priority-ordered
// claiming under the store write lock, a bounded worker pool, stale-claim
// recovery and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Handler processes one claimed job. A nil return completes the job; an
// error counts against its retry budget.
type Handler func(ctx context.Context, job *store.Job) error

// Runner polls the queue with a pool of workers.
type Runner struct {
	store  *store.Store
	cfg    config.QueueSettings
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner builds a Runner. Handlers are registered before Run.
func NewRunner(s *store.Store, cfg config.QueueSettings) *Runner {
	return &Runner{
		store:    s,
		cfg:      cfg,
		logger:   log.WithComponent("queue"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Enqueue adds a job. Priority clamps to 0..3; delay postpones execution.
func (r *Runner) Enqueue(ctx context.Context, jobType string, payload any, priority int, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s payload: %w", jobType, err)
	}
	return r.store.EnqueueJob(ctx, jobType, raw, priority, delay)
}

// Run polls until ctx is cancelled, spreading claims over max_workers
// goroutines. In-flight jobs finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.MaxWorkers; i++ {
		workerID := fmt.Sprintf("%s%s-w%d", r.cfg.WorkerIDPrefix, uuid.NewString()[:8], i)
		g.Go(func() error {
			return r.worker(gctx, workerID)
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (r *Runner) worker(ctx context.Context, workerID string) error {
	logger := r.logger.With().Str("worker_id", workerID).Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := r.store.ClaimNextJob(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			if err := sleepCtx(ctx, r.cfg.ClaimBackoff); err != nil {
				return err
			}
			continue
		}
		if job == nil {
			if err := sleepCtx(ctx, r.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		r.process(ctx, logger, job)
	}
}

// process runs one job under the job timeout. The parent ctx is not used
// directly so shutdown lets the current job finish.
func (r *Runner) process(ctx context.Context, logger zerolog.Logger, job *store.Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		r.fail(ctx, logger, job, fmt.Sprintf("no handler for job type %q", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panicked: %v", rec)
			}
		}()
		return h(jobCtx, job)
	}()
	if err != nil {
		r.fail(ctx, logger, job, err.Error())
		return
	}
	if err := r.store.CompleteJob(jobCtx, job.ID); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("complete failed")
		return
	}
	logger.Debug().Str("job_id", job.ID).Str("type", job.Type).
		Dur("took", time.Since(start)).Msg("job completed")
}

func (r *Runner) fail(ctx context.Context, logger zerolog.Logger, job *store.Job, reason string) {
	logger.Warn().Str("job_id", job.ID).Str("type", job.Type).
		Int("retry_count", job.RetryCount).Str("reason", reason).Msg("job failed")
	err := r.store.FailJob(context.WithoutCancel(ctx), job.ID, reason,
		r.cfg.MaxRetries, r.cfg.ClaimBackoff*10, r.cfg.DeadLetter)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("recording failure failed")
	}
}

// Maintain recovers stale claims and purges finished jobs. Called from
// dispatcher maintenance and periodically in daemon mode.
func (r *Runner) Maintain(ctx context.Context) error {
	requeued, err := r.store.RequeueStaleJobs(ctx, r.cfg.JobTimeout)
	if err != nil {
		return err
	}
	purged, err := r.store.PurgeFinishedJobs(ctx, r.cfg.CleanupAfter)
	if err != nil {
		return err
	}
	if requeued > 0 || purged > 0 {
		r.logger.Info().Int64("requeued", requeued).Int64("purged", purged).Msg("queue maintenance")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
