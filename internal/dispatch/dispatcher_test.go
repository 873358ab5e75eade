// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/governor"
	"github.com/sitewarden/sitewarden/internal/lease"
	"github.com/sitewarden/sitewarden/internal/probe"
	"github.com/sitewarden/sitewarden/internal/queue"
	"github.com/sitewarden/sitewarden/internal/retry"
	"github.com/sitewarden/sitewarden/internal/store"
)

// staticProbe always reports the same finding.
type staticProbe struct {
	name   string
	passed bool
	msg    string
}

func (p *staticProbe) Name() string { return p.name }

func (p *staticProbe) Run(context.Context, probe.Target, map[string]any) (probe.Finding, error) {
	return probe.Finding{Passed: p.passed, Message: p.msg}, nil
}

// idleSampler reports an unloaded host.
type idleSampler struct{}

func (idleSampler) Sample(context.Context) (store.ResourceSample, error) {
	return store.ResourceSample{CPUPercent: 5, MemoryPercent: 10}, nil
}

func testSettings(t *testing.T) config.Settings {
	return config.Settings{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Scheduler: config.SchedulerSettings{
			LockTimeout:      time.Hour,
			BatchSize:        10,
			MaxExecutionTime: time.Minute,
			CleanupInterval:  time.Hour,
			LogRetention:     24 * time.Hour,
			TargetPacing:     0,
			RetryFailedAfter: time.Hour,
			MaxRetries:       3,
		},
		Governor: config.GovernorSettings{
			ThrottleDuration: 10 * time.Minute,
			AlertCooldown:    time.Hour,
			SampleRetention:  time.Hour,
			CPU:              config.Thresholds{Warning: 70, Critical: 85, Throttle: 95},
		},
		Retry: config.RetrySettings{
			BaseDelay:        time.Minute,
			MinDelay:         30 * time.Second,
			MaxDelay:         time.Hour,
			MaxRetriesPerDay: 5,
			ReviewBackoff:    24 * time.Hour,
		},
		Queue: config.QueueSettings{
			MaxWorkers:   1,
			PollInterval: 10 * time.Millisecond,
			JobTimeout:   time.Second,
			MaxRetries:   1,
			CleanupAfter: time.Hour,
			ClaimBackoff: 10 * time.Millisecond,
		},
		Probe: config.ProbeSettings{DefaultTimeout: time.Second},
	}
}

type harness struct {
	store      *store.Store
	dispatcher *Dispatcher
	cfg        config.Settings
}

func newHarness(t *testing.T, hook OutcomeHook, probes ...probe.Probe) *harness {
	t.Helper()
	cfg := testSettings(t)
	s, err := store.New(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	registry := probe.NewRegistry()
	for _, p := range probes {
		registry.Register(p)
	}
	executor := probe.NewExecutor(registry, cfg.Probe)
	policy := retry.New(cfg.Retry)
	gov := governor.New(s, cfg.Governor, idleSampler{}, "test-gov", nil)
	q := queue.NewRunner(s, cfg.Queue)

	return &harness{
		store:      s,
		dispatcher: New(s, cfg, executor, policy, gov, q, nil, hook),
		cfg:        cfg,
	}
}

func (h *harness) addDueWebsite(t *testing.T, probeNames ...string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.CreateWebsite(ctx, &store.Website{
		Name: "shop", URL: "https://shop.example", Active: true, ScanFrequency: store.FreqDaily,
	})
	require.NoError(t, err)
	for _, name := range probeNames {
		require.NoError(t, h.store.ConfigureWebsiteTest(ctx, id, store.TestConfig{
			ProbeName: name, Enabled: true,
		}))
	}
	return id
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, nil,
		&staticProbe{name: "http_status", passed: true, msg: "status 200"},
		&staticProbe{name: "security_headers", passed: true, msg: "all present"},
	)
	id := h.addDueWebsite(t, "http_status", "security_headers")

	report := h.dispatcher.Run(context.Background())
	require.True(t, report.Success, "message: %s", report.Message)
	assert.Equal(t, CodeSuccess, report.Code)
	assert.Equal(t, 1, report.DueTargets)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.LeaseOwner)

	ctx := context.Background()
	w, err := h.store.GetWebsite(ctx, id)
	require.NoError(t, err)
	assert.False(t, w.LastScanAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), w.NextScanAt, time.Minute)
	assert.True(t, w.NextScanAt.Equal(w.LastScanAt.Add(24*time.Hour)),
		"next slot anchors on the recorded last scan instant")

	run, err := h.store.LatestScanForWebsite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ScanCompleted, run.Status)
	assert.Equal(t, 2, run.Passed)

	results, err := h.store.ProbeResultsForScan(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// The execution lease is free again.
	info, err := h.store.LeaseInfo(ctx, ExecutionLease)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRunRecordsFailureAndSchedulesRetry(t *testing.T) {
	var hookRuns []*store.ScanRun
	hook := func(_ context.Context, _ *store.Website, run *store.ScanRun, _ []store.ProbeResult) error {
		hookRuns = append(hookRuns, run)
		return nil
	}
	h := newHarness(t, hook,
		&staticProbe{name: "http_status", passed: false, msg: "status 503 server error"},
	)
	id := h.addDueWebsite(t, "http_status")

	report := h.dispatcher.Run(context.Background())
	require.True(t, report.Success)
	assert.Equal(t, 1, report.Failed)

	ctx := context.Background()
	w, err := h.store.GetWebsite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, w.ConsecutiveFailures)
	assert.Equal(t, store.WebsiteActive, w.Status)
	assert.Equal(t, "server_error", w.LastErrorCategory)
	assert.False(t, w.NextScanAt.IsZero(), "failed targets get a retry slot")

	run, err := h.store.LatestScanForWebsite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ScanFailed, run.Status)
	assert.Contains(t, run.ErrorSummary, "http_status")

	// The hook observed the committed terminal run.
	require.Len(t, hookRuns, 1)
	assert.Equal(t, store.ScanFailed, hookRuns[0].Status)
}

func TestRunParksNonRetryableFailure(t *testing.T) {
	h := newHarness(t, nil,
		&staticProbe{name: "http_status", passed: false, msg: "status 404 not found"},
	)
	id := h.addDueWebsite(t, "http_status")

	report := h.dispatcher.Run(context.Background())
	require.True(t, report.Success)

	w, err := h.store.GetWebsite(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.WebsiteFailedReview, w.Status)
	assert.False(t, w.RetryAfter.IsZero())
}

func TestRunLeaseContention(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	lock := lease.NewLock(h.store, ExecutionLease)
	_, acquired, err := lock.Acquire(ctx, "other-scheduler", time.Hour, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	report := h.dispatcher.Run(ctx)
	assert.False(t, report.Success)
	assert.Equal(t, CodeLeaseHeld, report.Code)
	assert.Equal(t, "other-scheduler", report.HeldBy)
	assert.Zero(t, report.Processed)

	// The holder's lease is untouched.
	info, err := h.store.LeaseInfo(ctx, ExecutionLease)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "other-scheduler", info.Owner)
}

func TestRunThrottled(t *testing.T) {
	h := newHarness(t, nil)
	h.addDueWebsite(t, "http_status")
	ctx := context.Background()

	throttle := lease.NewLock(h.store, governor.ThrottleLease)
	_, acquired, err := throttle.Acquire(ctx, "governor", time.Hour, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	report := h.dispatcher.Run(ctx)
	assert.Equal(t, CodeThrottled, report.Code)
	assert.False(t, report.Success)
	assert.Zero(t, report.Processed)
}

func TestRunStopsWhenFleetThrottleEngages(t *testing.T) {
	// A throttle engaged by another process mid-pass stops dispatch after
	// the in-flight target.
	var st *store.Store
	hook := func(ctx context.Context, _ *store.Website, _ *store.ScanRun, _ []store.ProbeResult) error {
		throttle := lease.NewLock(st, governor.ThrottleLease)
		_, _, err := throttle.Acquire(ctx, "other-governor", time.Hour, nil)
		return err
	}
	h := newHarness(t, hook, &staticProbe{name: "http_status", passed: true, msg: "status 200"})
	st = h.store

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		id, err := h.store.CreateWebsite(ctx, &store.Website{
			Name: name, URL: "https://" + name + ".example", Active: true, ScanFrequency: store.FreqDaily,
		})
		require.NoError(t, err)
		require.NoError(t, h.store.ConfigureWebsiteTest(ctx, id, store.TestConfig{
			ProbeName: "http_status", Enabled: true,
		}))
	}

	report := h.dispatcher.Run(ctx)
	require.True(t, report.Success)
	assert.Equal(t, 3, report.DueTargets)
	assert.Equal(t, 1, report.Processed, "the in-flight target finishes, the rest wait")
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, "stopped due to resource limits", report.Message)
}

func TestRetrySweepSpacingDoubles(t *testing.T) {
	h := newHarness(t, nil,
		&staticProbe{name: "http_status", passed: false, msg: "status 503 server error"},
	)
	id := h.addDueWebsite(t, "http_status")
	ctx := context.Background()

	// First pass: the scan fails and the sweep re-attempts it once.
	report := h.dispatcher.Run(ctx)
	require.True(t, report.Success)
	require.Equal(t, 1, report.Retried)

	run, err := h.store.LatestScanForWebsite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RetryCount)
	assert.WithinDuration(t, time.Now().Add(time.Hour), run.NextRetryAt, time.Minute)

	// With two retries spent the next slot sits four windows out.
	_, err = h.store.DB.ExecContext(ctx,
		`UPDATE scan_results SET retry_count = 2, next_retry_at_ms = NULL WHERE id = ?`, run.ID)
	require.NoError(t, err)

	report = h.dispatcher.Run(ctx)
	require.True(t, report.Success)
	require.Equal(t, 1, report.Retried)

	run, err = h.store.GetScanRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.RetryCount)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), run.NextRetryAt, time.Minute)
}

func TestRunNothingDue(t *testing.T) {
	h := newHarness(t, nil)

	report := h.dispatcher.Run(context.Background())
	assert.True(t, report.Success)
	assert.Equal(t, CodeSuccess, report.Code)
	assert.Zero(t, report.DueTargets)
	assert.Equal(t, "no websites due", report.Message)
}

func TestRunWritesReportFile(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Scheduler.ReportPath = filepath.Join(t.TempDir(), "report.json")
	h.dispatcher.cfg = h.cfg

	h.dispatcher.Run(context.Background())

	raw, err := os.ReadFile(h.cfg.Scheduler.ReportPath)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, CodeSuccess, got.Code)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRunSkipsTargetWithRunningScan(t *testing.T) {
	h := newHarness(t, nil, &staticProbe{name: "http_status", passed: true})
	h.addDueWebsite(t, "http_status")

	// A second due target with an already-running scan is excluded from
	// selection entirely.
	ctx := context.Background()
	other, err := h.store.CreateWebsite(ctx, &store.Website{
		Name: "blog", URL: "https://blog.example", Active: true, ScanFrequency: store.FreqDaily,
	})
	require.NoError(t, err)
	_, err = h.store.CreateScanRun(ctx, other)
	require.NoError(t, err)

	report := h.dispatcher.Run(ctx)
	require.True(t, report.Success)
	assert.Equal(t, 1, report.DueTargets)
	assert.Equal(t, 1, report.Processed)
}

func TestTallyCountsSkippedAsPassed(t *testing.T) {
	passed, failed := tally([]store.ProbeResult{
		{Status: store.ProbePassed},
		{Status: store.ProbeSkipped},
		{Status: store.ProbeFailed},
		{Status: store.ProbeTimeout},
		{Status: store.ProbeError},
	})
	assert.Equal(t, 2, passed)
	assert.Equal(t, 3, failed)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "scan failed", summarize(nil))
	assert.Equal(t, "scan failed", summarize([]store.ProbeResult{{Status: store.ProbePassed}}))
	got := summarize([]store.ProbeResult{
		{ProbeName: "http_status", Status: store.ProbeFailed, Message: "status 503"},
		{ProbeName: "ssl_certificate", Status: store.ProbeTimeout, Message: "handshake timeout"},
	})
	assert.Equal(t, "http_status: status 503; ssl_certificate: handshake timeout", got)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "success", resultLabel(CodeSuccess))
	assert.Equal(t, "lease_held", resultLabel(CodeLeaseHeld))
	assert.Equal(t, "throttled", resultLabel(CodeThrottled))
	assert.Equal(t, "health_fail", resultLabel(CodeHealthFail))
	assert.Equal(t, "error", resultLabel(CodeInternalErr))
}
