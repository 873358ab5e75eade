// SPDX-License-Identifier: MIT

// Command scheduler is the Site Warden CLI: single-shot dispatch runs for
// cron, a status inspector and a resident daemon mode.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/dispatch"
	"github.com/sitewarden/sitewarden/internal/escalate"
	"github.com/sitewarden/sitewarden/internal/governor"
	"github.com/sitewarden/sitewarden/internal/health"
	swlog "github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/notify"
	"github.com/sitewarden/sitewarden/internal/probe"
	"github.com/sitewarden/sitewarden/internal/queue"
	"github.com/sitewarden/sitewarden/internal/retry"
	"github.com/sitewarden/sitewarden/internal/store"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: scheduler [flags] <command>

Commands:
  run      execute one dispatch pass and exit (cron entry point)
  status   print lease, governor and recent-run state as JSON
  serve    resident mode: periodic runs, queue workers, health/metrics HTTP

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(dispatch.CodeInternalErr)
	}

	swlog.Configure(swlog.Config{
		Level:   cfg.LogLevel,
		Service: "sitewarden",
		Version: version,
	})
	logger := swlog.WithComponent("cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		os.Exit(runOnce(ctx, cfg))
	case "status":
		os.Exit(runStatus(ctx, cfg))
	case "serve":
		os.Exit(runServe(ctx, cfg, *configPath))
	default:
		logger.Error().Str("command", cmd).Msg("unknown command")
		usage()
		os.Exit(dispatch.CodeInternalErr)
	}
}

// components bundles everything a dispatcher pass needs. The executor,
// policy and hook are kept so serve mode can rebuild the dispatcher from
// a reloaded settings snapshot.
type components struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	queue      *queue.Runner
	gov        *governor.Governor
	health     *health.Manager
	executor   *probe.Executor
	policy     *retry.Policy
	hook       dispatch.OutcomeHook
}

func build(cfg config.Settings, owner string) (*components, error) {
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry := probe.NewRegistry()
	probe.RegisterBuiltins(registry, &http.Client{Timeout: cfg.Probe.DefaultTimeout})
	executor := probe.NewExecutor(registry, cfg.Probe)
	policy := retry.New(cfg.Retry)

	orch := notify.NewOrchestrator(s, cfg.Notify,
		notify.NewEmailProvider(cfg.Notify),
		notify.NewSMSProvider(cfg.Notify),
		notify.NewWebhookProvider(cfg.Notify))

	q := queue.NewRunner(s, cfg.Queue)
	q.Register(escalate.JobTypeNotification, escalate.NotificationJobHandler(s, orch))

	engine := escalate.New(s, cfg.Escalation, q)
	hook := func(ctx context.Context, w *store.Website, run *store.ScanRun, probes []store.ProbeResult) error {
		_, err := engine.Evaluate(ctx, w, run, probes)
		return err
	}

	sampler := governor.NewHostSampler(s, cfg.DBPath)
	gov := governor.New(s, cfg.Governor, sampler, owner, orch)

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewStoreChecker(s))
	hm.RegisterChecker(health.NewMemoryChecker(cfg.Scheduler.MemoryLimitBytes))
	hm.RegisterChecker(health.NewDiskChecker("."))
	hm.RegisterChecker(health.NewRunningScansChecker(s, cfg.Scheduler.MaxConcurrentExecutions))

	return &components{
		store:      s,
		dispatcher: dispatch.New(s, cfg, executor, policy, gov, q, hm, hook),
		queue:      q,
		gov:        gov,
		health:     hm,
		executor:   executor,
		policy:     policy,
		hook:       hook,
	}, nil
}

// runOnce is the cron entry point: one dispatch pass, exit code from the
// report (0 ok, 1 lease held, 2 throttled, 3 health, 4 fault).
func runOnce(ctx context.Context, cfg config.Settings) int {
	c, err := build(cfg, "")
	if err != nil {
		logger := swlog.WithComponent("cli")
		logger.Error().Err(err).Msg("startup failed")
		return dispatch.CodeInternalErr
	}
	defer func() { _ = c.store.Close() }()

	report := c.dispatcher.Run(ctx)
	fmt.Println(report.Message)
	return report.Code
}

// statusView is the JSON the status command prints.
type statusView struct {
	ExecutionLease *store.LeaseRow       `json:"execution_lease"`
	ThrottleLease  *store.LeaseRow       `json:"throttle_lease"`
	LatestSample   *store.ResourceSample `json:"latest_sample"`
	PendingJobs    int                   `json:"pending_jobs"`
	RunningScans   int                   `json:"running_scans"`
	RecentLogs     []store.LogEntry      `json:"recent_logs"`
}

func runStatus(ctx context.Context, cfg config.Settings) int {
	logger := swlog.WithComponent("cli")
	s, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return dispatch.CodeInternalErr
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var view statusView
	if view.ExecutionLease, err = s.LeaseInfo(ctx, dispatch.ExecutionLease); err != nil {
		logger.Error().Err(err).Msg("reading lease failed")
		return dispatch.CodeInternalErr
	}
	if view.ThrottleLease, err = s.LeaseInfo(ctx, governor.ThrottleLease); err != nil {
		logger.Error().Err(err).Msg("reading throttle failed")
		return dispatch.CodeInternalErr
	}
	view.LatestSample, _ = s.LatestResourceSample(ctx)
	view.PendingJobs, _ = s.PendingJobCount(ctx)
	view.RunningScans, _ = s.RunningScanCount(ctx)
	view.RecentLogs, _ = s.RecentLogs(ctx, 20)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return dispatch.CodeInternalErr
	}
	return dispatch.CodeSuccess
}
