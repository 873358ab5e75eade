// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts terminal scan runs by outcome.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewarden_scans_total",
		Help: "Total number of terminal scan runs by status",
	}, []string{"status"})

	// ScanDuration tracks wall-clock time of one target's scan.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitewarden_scan_duration_seconds",
		Help:    "Wall-clock duration of one target scan",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// LeaseAcquisitions counts lease acquisition attempts by result.
	LeaseAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewarden_lease_acquisitions_total",
		Help: "Lease acquisition attempts by result (acquired, contended, error)",
	}, []string{"result"})

	// GovernorLevel is the most recent resource assessment
	// (0=normal, 1=warning, 2=critical, 3=throttle).
	GovernorLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitewarden_governor_level",
		Help: "Current governor pressure level",
	})

	// NotificationAttempts counts delivery attempts by channel and outcome.
	NotificationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewarden_notification_attempts_total",
		Help: "Notification delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	// QueueDepth is the number of pending jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitewarden_queue_depth",
		Help: "Pending jobs in the deferred work queue",
	})

	// DispatcherRuns counts dispatcher invocations by result.
	DispatcherRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitewarden_dispatcher_runs_total",
		Help: "Dispatcher invocations by result (success, lease_held, throttled, error)",
	}, []string{"result"})

	// DispatcherDuration tracks the duration of a full dispatcher run.
	DispatcherDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitewarden_dispatcher_run_duration_seconds",
		Help:    "Duration of a full dispatcher invocation",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

// ObserveScan records one terminal scan run.
func ObserveScan(status string, duration time.Duration) {
	ScansTotal.WithLabelValues(status).Inc()
	ScanDuration.Observe(duration.Seconds())
}

// ObserveDispatcherRun records one dispatcher invocation.
func ObserveDispatcherRun(result string, duration time.Duration) {
	DispatcherRuns.WithLabelValues(result).Inc()
	DispatcherDuration.Observe(duration.Seconds())
}
