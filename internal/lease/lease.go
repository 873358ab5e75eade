// SPDX-License-Identifier: MIT

// Package lease provides named, heartbeat-refreshed leases over the store.
// At most one logical process holds a lease at any instant; holders must
// treat a refused heartbeat as loss of ownership and abort guarded work.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/store"
)

// tokenCounter disambiguates tokens minted within the same process.
var tokenCounter atomic.Uint64

// NewOwnerToken mints a fencing token encoding host, pid, a monotonic
// counter and a random suffix. Receivers must never trust stale owners.
func NewOwnerToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), tokenCounter.Add(1), hex.EncodeToString(suffix))
}

// Lock manages a single named lease.
type Lock struct {
	store *store.Store
	name  string
}

// NewLock returns a Lock for the given lease name.
func NewLock(s *store.Store, name string) *Lock {
	return &Lock{store: s, name: name}
}

// Name returns the lease name.
func (l *Lock) Name() string { return l.name }

// Acquire attempts to take the lease. Re-acquisition by the same owner
// within TTL refreshes expiry (idempotent). When the lease is held by
// someone else the returned holder row describes them and ok is false.
func (l *Lock) Acquire(ctx context.Context, owner string, ttl time.Duration, metadata map[string]string) (*store.LeaseRow, bool, error) {
	if owner == "" {
		return nil, false, errkind.Newf(errkind.KindUnprocessable, "lease %s: empty owner token", l.name)
	}
	if ttl <= 0 {
		return nil, false, errkind.Newf(errkind.KindUnprocessable, "lease %s: non-positive ttl", l.name)
	}
	return l.store.TryAcquireLease(ctx, l.name, owner, ttl, metadata)
}

// Heartbeat refreshes the lease. A ContentionLost error means another
// owner took over; the caller must stop mutating guarded state.
func (l *Lock) Heartbeat(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := l.store.HeartbeatLease(ctx, l.name, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Newf(errkind.KindContentionLost, "lease %s: heartbeat refused for %s", l.name, owner)
	}
	return nil
}

// Extend adds time on top of the current expiry, owner-fenced.
func (l *Lock) Extend(ctx context.Context, owner string, additional time.Duration) error {
	ok, err := l.store.ExtendLease(ctx, l.name, owner, additional)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Newf(errkind.KindContentionLost, "lease %s: extend refused for %s", l.name, owner)
	}
	return nil
}

// Release drops the lease if owner still holds it. Releasing a lease you
// no longer own is a no-op.
func (l *Lock) Release(ctx context.Context, owner string) error {
	return l.store.ReleaseLease(ctx, l.name, owner)
}

// Info returns the current lease row, or nil when free.
func (l *Lock) Info(ctx context.Context) (*store.LeaseRow, error) {
	return l.store.LeaseInfo(ctx, l.name)
}

// ForceRelease drops the lease regardless of owner. Operator use only.
func (l *Lock) ForceRelease(ctx context.Context) error {
	return l.store.ForceReleaseLease(ctx, l.name)
}
