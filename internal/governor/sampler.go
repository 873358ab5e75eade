// SPDX-License-Identifier: MIT

package governor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Sampler measures host and scheduler resource usage.
type Sampler interface {
	Sample(ctx context.Context) (store.ResourceSample, error)
}

// HostSampler reads /proc and statfs on the database volume, plus live
// counters from the store. CPU percent is computed from the delta between
// consecutive reads; the first read reports 0.
type HostSampler struct {
	store    *store.Store
	diskPath string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewHostSampler returns a sampler measuring the volume holding diskPath.
func NewHostSampler(s *store.Store, diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "."
	}
	return &HostSampler{store: s, diskPath: diskPath}
}

// Sample takes one measurement. A sampling failure is transient: the
// caller logs it and skips the tick.
func (h *HostSampler) Sample(ctx context.Context) (store.ResourceSample, error) {
	sample := store.ResourceSample{Timestamp: time.Now()}

	cpu, err := h.cpuPercent()
	if err != nil {
		return sample, errkind.New(errkind.KindTransientIO, err)
	}
	sample.CPUPercent = cpu

	mem, err := memoryPercent()
	if err != nil {
		return sample, errkind.New(errkind.KindTransientIO, err)
	}
	sample.MemoryPercent = mem

	disk, err := diskPercent(h.diskPath)
	if err != nil {
		return sample, errkind.New(errkind.KindTransientIO, err)
	}
	sample.DiskPercent = disk

	load, err := load1()
	if err != nil {
		return sample, errkind.New(errkind.KindTransientIO, err)
	}
	sample.Load1 = load

	sample.ActiveDBConns = h.store.DB.Stats().OpenConnections
	running, err := h.store.RunningScanCount(ctx)
	if err != nil {
		return sample, err
	}
	sample.ConcurrentScans = running
	return sample, nil
}

func (h *HostSampler) cpuPercent() (float64, error) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, nil
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dTotal := total - h.prevTotal
	dIdle := idle - h.prevIdle
	first := h.prevTotal == 0
	h.prevTotal, h.prevIdle = total, idle
	if first || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal), nil
}

func memoryPercent() (float64, error) {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var total, avail uint64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total == 0 {
		return 0, nil
	}
	return 100 * float64(total-avail) / float64(total), nil
}

func diskPercent(path string) (float64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, err
	}
	if fs.Blocks == 0 {
		return 0, nil
	}
	used := fs.Blocks - fs.Bavail
	return 100 * float64(used) / float64(fs.Blocks), nil
}

func load1() (float64, error) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fields[0], 64)
}
