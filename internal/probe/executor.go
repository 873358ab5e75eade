// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Executor runs configured probes against targets, applying timeouts,
// in-run retries, result inversion and panic containment.
type Executor struct {
	registry *Registry
	cfg      config.ProbeSettings
	logger   zerolog.Logger
	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// NewExecutor builds an Executor over the registry.
func NewExecutor(registry *Registry, cfg config.ProbeSettings) *Executor {
	return &Executor{
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("probe"),
		sleep:    sleepCtx,
	}
}

// ExecuteAll runs every enabled probe configuration against the target,
// up to four at a time. Results come back in configuration order.
func (e *Executor) ExecuteAll(ctx context.Context, target Target, configs []store.TestConfig) []store.ProbeResult {
	results := make([]store.ProbeResult, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, tc := range configs {
		g.Go(func() error {
			results[i] = e.Execute(gctx, target, tc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs one probe with the per-config timeout and retry budget.
// A retry is only attempted on execution errors, never on a check that
// ran and failed.
func (e *Executor) Execute(ctx context.Context, target Target, tc store.TestConfig) store.ProbeResult {
	started := time.Now()
	result := store.ProbeResult{
		ProbeName: tc.ProbeName,
		Severity:  tc.Severity,
		StartedAt: started,
	}
	finish := func(r store.ProbeResult) store.ProbeResult {
		r.EndedAt = time.Now()
		r.ExecutionTime = r.EndedAt.Sub(started)
		return r
	}

	p, err := e.registry.Get(tc.ProbeName)
	if err != nil {
		result.Status = store.ProbeSkipped
		result.Message = err.Error()
		return finish(result)
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	attempts := tc.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				break
			}
		}

		finding, err := e.runOnce(ctx, p, target, tc, timeout)
		if err == nil {
			passed := finding.Passed
			if tc.InvertResult {
				passed = !passed
			}
			if passed {
				result.Status = store.ProbePassed
			} else {
				result.Status = store.ProbeFailed
			}
			result.Message = finding.Message
			result.Evidence = finding.Evidence
			if finding.Severity != "" {
				result.Severity = finding.Severity
			}
			return finish(result)
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
		e.logger.Debug().Err(err).
			Str("probe", tc.ProbeName).
			Str("url", target.URL).
			Int("attempt", attempt).
			Msg("probe attempt failed")
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		result.Status = store.ProbeTimeout
	} else {
		result.Status = store.ProbeError
	}
	if lastErr != nil {
		result.Message = lastErr.Error()
	}
	return finish(result)
}

// runOnce executes a single attempt under its own deadline, converting a
// probe panic into an error so one broken check cannot take down a run.
func (e *Executor) runOnce(ctx context.Context, p Probe, target Target, tc store.TestConfig, timeout time.Duration) (finding Finding, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe %s panicked: %v", tc.ProbeName, r)
		}
	}()
	finding, err = p.Run(attemptCtx, target, tc.Config)
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	return finding, err
}

// backoff doubles per attempt starting at 1s, capped by configuration.
func (e *Executor) backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 2)
	if max := e.cfg.MaxBackoff; max > 0 && d > max {
		d = max
	}
	return d
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
