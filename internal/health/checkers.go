// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"runtime"
	"syscall"

	"github.com/sitewarden/sitewarden/internal/store"
)

// StoreChecker verifies the database is reachable and migrated.
type StoreChecker struct {
	store *store.Store
}

// NewStoreChecker returns a checker pinging the store schema.
func NewStoreChecker(s *store.Store) *StoreChecker {
	return &StoreChecker{store: s}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.store.HealthPing(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// MemoryChecker compares process heap usage against the configured limit.
type MemoryChecker struct {
	limitBytes int64
}

// NewMemoryChecker returns a checker with the given byte limit; 0 disables it.
func NewMemoryChecker(limitBytes int64) *MemoryChecker {
	return &MemoryChecker{limitBytes: limitBytes}
}

func (c *MemoryChecker) Name() string { return "memory" }

func (c *MemoryChecker) Check(_ context.Context) CheckResult {
	if c.limitBytes <= 0 {
		return CheckResult{Status: StatusHealthy, Message: "no limit configured"}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := int64(ms.HeapAlloc)
	msg := fmt.Sprintf("%d MiB of %d MiB", used>>20, c.limitBytes>>20)
	switch {
	case used >= c.limitBytes:
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: "memory limit exceeded"}
	case used >= c.limitBytes*9/10:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// DiskChecker verifies free space on the volume holding the database.
type DiskChecker struct {
	path string
}

// NewDiskChecker returns a checker for the volume holding path.
func NewDiskChecker(path string) *DiskChecker {
	return &DiskChecker{path: path}
}

func (c *DiskChecker) Name() string { return "disk" }

func (c *DiskChecker) Check(_ context.Context) CheckResult {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(c.path, &fs); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if fs.Blocks == 0 {
		return CheckResult{Status: StatusHealthy}
	}
	freePct := 100 * float64(fs.Bavail) / float64(fs.Blocks)
	msg := fmt.Sprintf("%.1f%% free", freePct)
	switch {
	case freePct < 5:
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: "volume nearly full"}
	case freePct < 15:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// RunningScansChecker gates dispatch on the concurrent-execution cap. At
// the cap the scheduler must not start more work, so a breach reads as
// unhealthy, not merely degraded; stuck probes are the usual culprit.
type RunningScansChecker struct {
	store *store.Store
	limit int
}

// NewRunningScansChecker returns a checker failing at limit running scans;
// 0 disables it.
func NewRunningScansChecker(s *store.Store, limit int) *RunningScansChecker {
	return &RunningScansChecker{store: s, limit: limit}
}

func (c *RunningScansChecker) Name() string { return "running_scans" }

func (c *RunningScansChecker) Check(ctx context.Context) CheckResult {
	n, err := c.store.RunningScanCount(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	msg := fmt.Sprintf("%d running of %d allowed", n, c.limit)
	switch {
	case c.limit <= 0:
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d running", n)}
	case n >= c.limit:
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: "concurrent scan limit reached"}
	case n >= c.limit*3/4:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}
