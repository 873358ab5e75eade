// SPDX-License-Identifier: MIT

// Package dispatch contains the scheduler core: it takes the execution
// lease, selects due targets, runs their probes in governed batches and
// records every outcome. Exactly one dispatcher makes progress fleet-wide
// at any instant.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/governor"
	"github.com/sitewarden/sitewarden/internal/health"
	"github.com/sitewarden/sitewarden/internal/lease"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/metrics"
	"github.com/sitewarden/sitewarden/internal/probe"
	"github.com/sitewarden/sitewarden/internal/queue"
	"github.com/sitewarden/sitewarden/internal/retry"
	"github.com/sitewarden/sitewarden/internal/store"
)

// ExecutionLease is the lease name guarding dispatcher runs.
const ExecutionLease = "scheduler_execution"

// cleanupLease marks the last maintenance pass; while held, maintenance
// is skipped.
const cleanupLease = "scheduler_cleanup"

// OutcomeHook is called after every terminal scan with the target, the
// run and its probe results. The escalation engine plugs in here; keeping
// it a function type avoids a construction-time back-pointer.
type OutcomeHook func(ctx context.Context, website *store.Website, run *store.ScanRun, probes []store.ProbeResult) error

// Dispatcher coordinates one full scheduling pass.
type Dispatcher struct {
	store    *store.Store
	cfg      config.Settings
	executor *probe.Executor
	policy   *retry.Policy
	gov      *governor.Governor
	queue    *queue.Runner
	healthMg *health.Manager
	hook     OutcomeHook
	logger   zerolog.Logger
	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// New wires a Dispatcher. hook may be nil.
func New(s *store.Store, cfg config.Settings, executor *probe.Executor, policy *retry.Policy,
	gov *governor.Governor, q *queue.Runner, hm *health.Manager, hook OutcomeHook) *Dispatcher {
	return &Dispatcher{
		store:    s,
		cfg:      cfg,
		executor: executor,
		policy:   policy,
		gov:      gov,
		queue:    q,
		healthMg: hm,
		hook:     hook,
		logger:   log.WithComponent("dispatch"),
		sleep:    sleepCtx,
	}
}

// Run executes one full dispatcher pass. It never panics outward: faults
// are caught, logged, and reported through the Report; the lease is
// released on every exit path.
func (d *Dispatcher) Run(ctx context.Context) (report *Report) {
	start := time.Now()
	report = &Report{StartedAt: start}
	owner := lease.NewOwnerToken()
	runLogger := d.logger.With().Str("owner", owner).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			report.Success = false
			report.Code = CodeInternalErr
			report.Message = fmt.Sprintf("uncaught fault: %v", rec)
			runLogger.Error().Str("fault", report.Message).Msg("dispatcher panicked")
		}
		report.FinishedAt = time.Now()
		metrics.ObserveDispatcherRun(resultLabel(report.Code), report.FinishedAt.Sub(start))
		if err := report.write(d.cfg.Scheduler.ReportPath); err != nil {
			runLogger.Error().Err(err).Msg("writing run report failed")
		}
		d.persistLog(report)
	}()

	// STARTING: take the execution lease.
	lock := lease.NewLock(d.store, ExecutionLease)
	row, acquired, err := lock.Acquire(ctx, owner, d.cfg.Scheduler.LockTimeout, map[string]string{
		"started_at": start.UTC().Format(time.RFC3339),
	})
	if err != nil {
		metrics.LeaseAcquisitions.WithLabelValues("error").Inc()
		return d.fail(report, CodeInternalErr, fmt.Errorf("lease acquisition: %w", err))
	}
	if !acquired {
		metrics.LeaseAcquisitions.WithLabelValues("contended").Inc()
		report.Code = CodeLeaseHeld
		report.HeldBy = row.Owner
		report.Message = fmt.Sprintf("another scheduler holds the lease (owner %s, expires %s)",
			row.Owner, row.ExpiresAt.UTC().Format(time.RFC3339))
		runLogger.Info().Str("held_by", row.Owner).Msg("lease held, exiting")
		return report
	}
	metrics.LeaseAcquisitions.WithLabelValues("acquired").Inc()
	report.LeaseOwner = owner
	defer func() {
		// Release must not inherit a cancelled ctx.
		if err := lock.Release(context.WithoutCancel(ctx), owner); err != nil {
			runLogger.Error().Err(err).Msg("lease release failed")
		}
	}()

	// PRECHECK: refuse to dispatch on an unhealthy host or engaged throttle.
	if d.healthMg != nil {
		if ready := d.healthMg.Ready(ctx); !ready.Ready {
			return d.finish(report, CodeHealthFail, false, "precheck failed: host not ready")
		}
	}
	throttled, err := d.gov.Throttled(ctx)
	if err != nil {
		return d.fail(report, CodeInternalErr, err)
	}
	if !throttled {
		level, err := d.gov.Check(ctx)
		if err != nil {
			return d.fail(report, CodeInternalErr, err)
		}
		metrics.GovernorLevel.Set(float64(level))
		throttled = level >= governor.LevelThrottle
	}
	if throttled {
		return d.finish(report, CodeThrottled, false, "resource throttle engaged, skipping run")
	}

	// FETCH_DUE: over-fetch so in-run failures cannot starve the batch loop.
	due, err := d.store.DueWebsites(ctx, d.cfg.Scheduler.BatchSize*10)
	if err != nil {
		return d.fail(report, CodeInternalErr, err)
	}
	report.DueTargets = len(due)
	if len(due) == 0 {
		report.Success = true
		report.Message = "no websites due"
		d.maintain(ctx, runLogger)
		d.retrySweep(ctx, runLogger, report)
		return report
	}
	runLogger.Info().Int("due", len(due)).Msg("dispatch pass starting")

	// DISPATCH_LOOP.
	stopped, err := d.dispatchLoop(ctx, runLogger, lock, owner, due, start, report)
	if err != nil {
		if errkind.Is(err, errkind.KindContentionLost) {
			// Lease lost mid-run: committed per-target work stands, but no
			// further guarded mutations are allowed.
			runLogger.Error().Err(err).Msg("lease lost mid-run, aborting")
		}
		return d.fail(report, CodeInternalErr, err)
	}

	// MAINTENANCE + RETRY_SWEEP run even after a governed stop; they are
	// cheap and keep the fleet tidy.
	d.maintain(ctx, runLogger)
	d.retrySweep(ctx, runLogger, report)

	report.Success = true
	if stopped {
		report.Message = "stopped due to resource limits"
	} else {
		report.Message = fmt.Sprintf("processed %d targets (%d ok, %d failed)",
			report.Processed, report.Succeeded, report.Failed)
	}
	return report
}

// dispatchLoop processes due targets in batches. Returns stopped=true
// when the governor cut the pass short.
func (d *Dispatcher) dispatchLoop(ctx context.Context, logger zerolog.Logger, lock *lease.Lock,
	owner string, due []*store.Website, start time.Time, report *Report) (bool, error) {

	batchSize := d.cfg.Scheduler.BatchSize
	deadline := start.Add(d.cfg.Scheduler.MaxExecutionTime)

	for batchStart := 0; batchStart < len(due); batchStart += batchSize {
		if err := lock.Heartbeat(ctx, owner, d.cfg.Scheduler.LockTimeout); err != nil {
			return false, err
		}

		end := batchStart + batchSize
		if end > len(due) {
			end = len(due)
		}
		for i, website := range due[batchStart:end] {
			// The current target always finishes; cancellation and the
			// run deadline are honoured between targets.
			if i > 0 && i%5 == 0 {
				if err := lock.Heartbeat(ctx, owner, d.cfg.Scheduler.LockTimeout); err != nil {
					return false, err
				}
			}

			d.processTarget(ctx, logger, website, report)
			report.Processed++

			// A throttle engaged elsewhere in the fleet must stop this
			// pass too; the lease read is cheap next to a scan.
			throttled, err := d.gov.Throttled(ctx)
			if err != nil {
				return false, err
			}
			if throttled {
				logger.Warn().Msg("fleet throttle engaged, breaking batch loop")
				return true, nil
			}

			if time.Now().After(deadline) {
				logger.Warn().Msg("max execution time reached, finishing run")
				return true, nil
			}
			if ctx.Err() != nil {
				logger.Info().Msg("cancelled, finishing run")
				return true, nil
			}
			if err := d.sleep(ctx, d.cfg.Scheduler.TargetPacing); err != nil {
				return true, nil
			}
		}

		level, err := d.gov.Check(ctx)
		if err != nil {
			return false, err
		}
		metrics.GovernorLevel.Set(float64(level))
		if level >= governor.LevelCritical {
			logger.Warn().Str("level", level.String()).Msg("governor stop, breaking batch loop")
			return true, nil
		}
	}
	return false, nil
}

// processTarget runs one target end to end. Per-target faults never abort
// the pass; they become a failed ScanRun and a log row.
func (d *Dispatcher) processTarget(ctx context.Context, logger zerolog.Logger, website *store.Website, report *Report) {
	targetLogger := logger.With().Int64("website_id", website.ID).Str("url", website.URL).Logger()

	run, err := d.store.CreateScanRun(ctx, website.ID)
	if err != nil {
		// Running-uniqueness refusal or store fault; either way this
		// target is skipped, not failed.
		targetLogger.Warn().Err(err).Msg("could not open scan run")
		report.Errors = append(report.Errors, fmt.Sprintf("website %d: %v", website.ID, err))
		return
	}
	scanStart := time.Now()

	configs, err := d.store.EnabledTestsForWebsite(ctx, website.ID)
	if err != nil || len(configs) == 0 {
		summary := "no probes configured"
		if err != nil {
			summary = err.Error()
		}
		d.completeFailure(ctx, targetLogger, website, run, nil, summary, scanStart, report)
		return
	}

	target := probe.Target{WebsiteID: website.ID, Name: website.Name, URL: website.URL}
	results := d.executor.ExecuteAll(ctx, target, configs)
	if err := d.store.InsertProbeResults(ctx, run.ID, results); err != nil {
		targetLogger.Error().Err(err).Msg("persisting probe results failed")
	}

	passed, failed := tally(results)
	execTime := time.Since(scanStart)

	if failed == 0 {
		outcome := store.ScanOutcome{
			ScanID:        run.ID,
			WebsiteID:     website.ID,
			Status:        store.ScanCompleted,
			TotalProbes:   len(results),
			Passed:        passed,
			ExecutionTime: execTime,
			NextScanIn:    website.ScanFrequency.Interval(),
		}
		if err := d.store.CompleteScan(ctx, outcome); err != nil {
			targetLogger.Error().Err(err).Msg("completing scan failed")
			report.Errors = append(report.Errors, fmt.Sprintf("website %d: %v", website.ID, err))
			return
		}
		metrics.ObserveScan(string(store.ScanCompleted), execTime)
		report.Succeeded++
		targetLogger.Info().Int("probes", len(results)).Dur("took", execTime).Msg("scan completed")
		d.invokeHook(ctx, targetLogger, website, run.ID, results)
		return
	}

	summary := summarize(results)
	d.completeFailureWithResults(ctx, targetLogger, website, run, results, summary, passed, failed, execTime, report)
}

func (d *Dispatcher) completeFailure(ctx context.Context, logger zerolog.Logger, website *store.Website,
	run *store.ScanRun, results []store.ProbeResult, summary string, scanStart time.Time, report *Report) {
	passed, failed := tally(results)
	d.completeFailureWithResults(ctx, logger, website, run, results, summary, passed, failed, time.Since(scanStart), report)
}

func (d *Dispatcher) completeFailureWithResults(ctx context.Context, logger zerolog.Logger,
	website *store.Website, run *store.ScanRun, results []store.ProbeResult,
	summary string, passed, failed int, execTime time.Duration, report *Report) {

	category := retry.Classify(errors.New(summary))
	attempts := website.ConsecutiveFailures + 1
	decision := d.policy.Decide(category, attempts, time.Now())

	outcome := store.ScanOutcome{
		ScanID:        run.ID,
		WebsiteID:     website.ID,
		Status:        store.ScanFailed,
		TotalProbes:   len(results),
		Passed:        passed,
		Failed:        failed,
		ExecutionTime: execTime,
		ErrorSummary:  summary,
		ErrorCategory: string(category),
	}
	if decision.GiveUp {
		outcome.ParkForReview = true
		outcome.ReviewUntil = decision.ReviewUntil
	} else {
		outcome.RetryAt = decision.RetryAt
	}
	if err := d.store.CompleteScan(ctx, outcome); err != nil {
		logger.Error().Err(err).Msg("completing failed scan failed")
		report.Errors = append(report.Errors, fmt.Sprintf("website %d: %v", website.ID, err))
		return
	}
	metrics.ObserveScan(string(store.ScanFailed), execTime)
	report.Failed++

	event := logger.Warn()
	if decision.GiveUp {
		event = logger.Error()
	}
	event.Str("category", string(category)).
		Int("consecutive_failures", attempts).
		Bool("parked_for_review", decision.GiveUp).
		Str("summary", summary).
		Msg("scan failed")

	d.invokeHook(ctx, logger, website, run.ID, results)
}

// invokeHook re-reads the terminal run and website so the hook sees
// committed state, then hands the outcome to the escalation layer.
func (d *Dispatcher) invokeHook(ctx context.Context, logger zerolog.Logger, website *store.Website,
	runID string, results []store.ProbeResult) {
	if d.hook == nil {
		return
	}
	fresh, err := d.store.GetWebsite(ctx, website.ID)
	if err != nil || fresh == nil {
		return
	}
	run, err := d.store.GetScanRun(ctx, runID)
	if err != nil || run == nil {
		return
	}
	if err := d.hook(ctx, fresh, run, results); err != nil {
		logger.Error().Err(err).Msg("outcome hook failed")
	}
}

// maintain performs periodic cleanup at most once per cleanup_interval,
// coordinated fleet-wide through a marker lease.
func (d *Dispatcher) maintain(ctx context.Context, logger zerolog.Logger) {
	marker := lease.NewLock(d.store, cleanupLease)
	_, acquired, err := marker.Acquire(ctx, lease.NewOwnerToken(), d.cfg.Scheduler.CleanupInterval, nil)
	if err != nil {
		logger.Error().Err(err).Msg("maintenance marker failed")
		return
	}
	if !acquired {
		return
	}

	if n, err := d.store.PruneLogs(ctx, d.cfg.Scheduler.LogRetention); err != nil {
		logger.Error().Err(err).Msg("log pruning failed")
	} else if n > 0 {
		logger.Info().Int64("pruned_logs", n).Msg("maintenance")
	}
	if n, err := d.store.DeleteOrphanProbeResults(ctx); err != nil {
		logger.Error().Err(err).Msg("orphan cleanup failed")
	} else if n > 0 {
		logger.Info().Int64("orphan_probe_results", n).Msg("maintenance")
	}
	if n, err := d.store.ResetStaleFailureCounters(ctx, time.Now().Add(-7*24*time.Hour)); err != nil {
		logger.Error().Err(err).Msg("failure counter reset failed")
	} else if n > 0 {
		logger.Info().Int64("reset_counters", n).Msg("maintenance")
	}
	if _, err := d.gov.Prune(ctx); err != nil {
		logger.Error().Err(err).Msg("sample pruning failed")
	}
	if d.queue != nil {
		if err := d.queue.Maintain(ctx); err != nil {
			logger.Error().Err(err).Msg("queue maintenance failed")
		}
	}
}

// retrySweep re-attempts recently failed runs still under their retry
// budget by re-executing the target's probes once.
func (d *Dispatcher) retrySweep(ctx context.Context, logger zerolog.Logger, report *Report) {
	runs, err := d.store.FailedScansForRetry(ctx, d.cfg.Scheduler.MaxRetries, 24*time.Hour, d.cfg.Scheduler.BatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("retry sweep selection failed")
		return
	}
	for _, run := range runs {
		website, err := d.store.GetWebsite(ctx, run.WebsiteID)
		if err != nil || website == nil || website.Status != store.WebsiteActive {
			continue
		}
		configs, err := d.store.EnabledTestsForWebsite(ctx, website.ID)
		if err != nil || len(configs) == 0 {
			continue
		}
		target := probe.Target{WebsiteID: website.ID, Name: website.Name, URL: website.URL}
		results := d.executor.ExecuteAll(ctx, target, configs)
		_, failed := tally(results)

		success := failed == 0
		nextRetry := time.Now().Add(d.cfg.Scheduler.RetryFailedAfter << run.RetryCount)
		if err := d.store.MarkScanRetryOutcome(ctx, run.ID, success, nextRetry); err != nil {
			logger.Error().Err(err).Str("scan_id", run.ID).Msg("recording retry outcome failed")
			continue
		}
		report.Retried++
		logger.Info().Str("scan_id", run.ID).Bool("success", success).Msg("retry sweep attempt")
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) finish(report *Report, code int, success bool, msg string) *Report {
	report.Code = code
	report.Success = success
	report.Message = msg
	d.logger.Info().Int("code", code).Msg(msg)
	return report
}

func (d *Dispatcher) fail(report *Report, code int, err error) *Report {
	report.Code = code
	report.Success = false
	report.Message = err.Error()
	report.Errors = append(report.Errors, err.Error())
	d.logger.Error().Err(err).Msg("dispatcher run failed")
	return report
}

// persistLog mirrors the run result into scheduler_log for the status CLI.
func (d *Dispatcher) persistLog(report *Report) {
	level := "info"
	if !report.Success && report.Code != CodeLeaseHeld {
		level = "error"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.store.AppendLog(ctx, level, "dispatcher run finished", map[string]any{
		"code":      report.Code,
		"message":   report.Message,
		"processed": report.Processed,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"duration":  report.FinishedAt.Sub(report.StartedAt).String(),
	})
}

func tally(results []store.ProbeResult) (passed, failed int) {
	for _, r := range results {
		switch r.Status {
		case store.ProbePassed, store.ProbeSkipped:
			passed++
		default:
			failed++
		}
	}
	return passed, failed
}

func summarize(results []store.ProbeResult) string {
	var parts []string
	for _, r := range results {
		if r.Status == store.ProbePassed || r.Status == store.ProbeSkipped {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.ProbeName, r.Message))
	}
	if len(parts) == 0 {
		return "scan failed"
	}
	return strings.Join(parts, "; ")
}

func resultLabel(code int) string {
	switch code {
	case CodeSuccess:
		return "success"
	case CodeLeaseHeld:
		return "lease_held"
	case CodeThrottled:
		return "throttled"
	case CodeHealthFail:
		return "health_fail"
	default:
		return "error"
	}
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
