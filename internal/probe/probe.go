// SPDX-License-Identifier: MIT

// Package probe defines the security check interface, the registry of
// available checks and the executor that runs them against a target.
package probe

import (
	"context"
	"sort"
	"sync"

	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Target is the website a probe runs against.
type Target struct {
	WebsiteID int64
	Name      string
	URL       string
}

// Finding is the raw outcome of one probe run before executor
// post-processing (inversion, status mapping).
type Finding struct {
	Passed   bool
	Message  string
	Severity store.Severity
	Evidence map[string]any
}

// Probe is a single security check. Run must honour ctx cancellation and
// return an error only for execution faults; a check that ran and found a
// problem returns Passed=false with a nil error.
type Probe interface {
	Name() string
	Run(ctx context.Context, target Target, cfg map[string]any) (Finding, error)
}

// Registry holds the probes available to the executor.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe. Re-registering a name replaces the previous probe.
func (r *Registry) Register(p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[p.Name()] = p
}

// Get returns the probe registered under name.
func (r *Registry) Get(name string) (Probe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindUnprocessable, "probe %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered probe names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
