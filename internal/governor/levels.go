// SPDX-License-Identifier: MIT

package governor

import (
	"fmt"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Level is the aggregate pressure assessment for one sample.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelThrottle
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelThrottle:
		return "throttle"
	default:
		return "normal"
	}
}

// Breach records one metric exceeding one of its thresholds.
type Breach struct {
	Metric string
	Value  float64
	Limit  float64
	Level  Level
}

func (b Breach) String() string {
	return fmt.Sprintf("%s %.1f over %s limit %.1f", b.Metric, b.Value, b.Level, b.Limit)
}

// Assess grades a sample against the configured thresholds. The overall
// level is the highest tier any single metric breaches; only the latest
// sample counts, there is no history smoothing.
func Assess(sample store.ResourceSample, cfg config.GovernorSettings) (Level, []Breach) {
	metrics := []struct {
		name  string
		value float64
		th    config.Thresholds
	}{
		{"cpu", sample.CPUPercent, cfg.CPU},
		{"memory", sample.MemoryPercent, cfg.Memory},
		{"disk", sample.DiskPercent, cfg.Disk},
		{"load1", sample.Load1, cfg.Load1},
		{"db_connections", float64(sample.ActiveDBConns), cfg.DBConnections},
		{"concurrent_scans", float64(sample.ConcurrentScans), cfg.ConcurrentScans},
	}

	overall := LevelNormal
	var breaches []Breach
	for _, m := range metrics {
		level, limit := grade(m.value, m.th)
		if level == LevelNormal {
			continue
		}
		breaches = append(breaches, Breach{Metric: m.name, Value: m.value, Limit: limit, Level: level})
		if level > overall {
			overall = level
		}
	}
	return overall, breaches
}

// grade places a value into a tier. A value exactly at a threshold is a
// breach of that tier.
func grade(v float64, th config.Thresholds) (Level, float64) {
	switch {
	case th.Throttle > 0 && v >= th.Throttle:
		return LevelThrottle, th.Throttle
	case th.Critical > 0 && v >= th.Critical:
		return LevelCritical, th.Critical
	case th.Warning > 0 && v >= th.Warning:
		return LevelWarning, th.Warning
	default:
		return LevelNormal, 0
	}
}

// Recommendations turns breaches into operator-facing suggestions.
func Recommendations(breaches []Breach) []string {
	var out []string
	for _, b := range breaches {
		switch b.Metric {
		case "cpu", "load1":
			out = append(out, "reduce batch_size or max_concurrent_executions to lower CPU pressure")
		case "memory":
			out = append(out, "lower memory_limit or restart the scheduler to release memory")
		case "disk":
			out = append(out, "prune scan history and logs, or grow the volume holding the database")
		case "db_connections":
			out = append(out, "lower the connection pool ceiling or investigate connection leaks")
		case "concurrent_scans":
			out = append(out, "scans are piling up; check for stuck probes or reduce scan frequency")
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
