// SPDX-License-Identifier: MIT

// Package governor watches host and scheduler resource usage and throttles
// dispatch when the machine is under pressure. Throttle state is persisted
// as a lease so every process observes the same decision.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/lease"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/store"
)

// ThrottleLease is the lease name holding durable throttle state.
const ThrottleLease = "governor_throttle"

// Alerter receives debounced resource alerts. Implemented by the
// notification orchestrator; nil disables alerting.
type Alerter interface {
	ResourceAlert(ctx context.Context, level string, breaches []string, recommendations []string) error
}

// Governor is the resource admission controller.
type Governor struct {
	store    *store.Store
	cfg      config.GovernorSettings
	sampler  Sampler
	throttle *lease.Lock
	owner    string
	alerter  Alerter
	logger   zerolog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// New builds a Governor. owner is this process's lease token; an empty
// owner gets a minted one, since the throttle lease rejects blank owners.
func New(s *store.Store, cfg config.GovernorSettings, sampler Sampler, owner string, alerter Alerter) *Governor {
	if owner == "" {
		owner = lease.NewOwnerToken()
	}
	return &Governor{
		store:     s,
		cfg:       cfg,
		sampler:   sampler,
		throttle:  lease.NewLock(s, ThrottleLease),
		owner:     owner,
		alerter:   alerter,
		logger:    log.WithComponent("governor"),
		lastAlert: make(map[string]time.Time),
	}
}

// Check takes one sample, persists it, grades it and acts on the result.
// Returns the assessed level. A sampling failure is logged and reported as
// LevelNormal so a broken /proc never blocks dispatch.
func (g *Governor) Check(ctx context.Context) (Level, error) {
	sample, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("resource sampling failed, skipping tick")
		return LevelNormal, nil
	}
	if err := g.store.InsertResourceSample(ctx, sample); err != nil {
		return LevelNormal, err
	}

	level, breaches := Assess(sample, g.cfg)
	switch level {
	case LevelNormal:
		if err := g.maybeResume(ctx); err != nil {
			return level, err
		}
	case LevelThrottle:
		if err := g.engageThrottle(ctx, breaches); err != nil {
			return level, err
		}
	}
	if level >= LevelWarning {
		g.alert(ctx, level, breaches)
	}
	return level, nil
}

// Throttled reports whether the shared throttle is currently engaged.
func (g *Governor) Throttled(ctx context.Context) (bool, error) {
	row, err := g.throttle.Info(ctx)
	if err != nil {
		return false, err
	}
	return row != nil && row.Held(time.Now()), nil
}

// engageThrottle activates (or refreshes) the shared throttle and pauses
// queued scans. Acquisition is idempotent for this owner; a throttle held
// by another process is already doing the job.
func (g *Governor) engageThrottle(ctx context.Context, breaches []Breach) error {
	_, acquired, err := g.throttle.Acquire(ctx, g.owner, g.cfg.ThrottleDuration, map[string]string{
		"reason": breachSummary(breaches),
	})
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	paused, err := g.store.PauseQueuedScans(ctx)
	if err != nil {
		return err
	}
	g.logger.Warn().
		Str("reason", breachSummary(breaches)).
		Dur("duration", g.cfg.ThrottleDuration).
		Int64("paused_scans", paused).
		Msg("resource throttle engaged")
	return nil
}

// maybeResume releases our expired throttle and un-pauses scans once the
// pressure is gone.
func (g *Governor) maybeResume(ctx context.Context) error {
	row, err := g.throttle.Info(ctx)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	if row.Held(time.Now()) {
		// Pressure cleared locally but the throttle window has not elapsed.
		return nil
	}
	if err := g.throttle.ForceRelease(ctx); err != nil {
		return err
	}
	resumed, err := g.store.ResumePausedScans(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		g.logger.Info().Int64("resumed_scans", resumed).Msg("resource throttle lifted")
	}
	return nil
}

// alert notifies about breaches, debounced per metric by the cooldown.
func (g *Governor) alert(ctx context.Context, level Level, breaches []Breach) {
	now := time.Now()
	var due []string
	g.mu.Lock()
	for _, b := range breaches {
		if last, ok := g.lastAlert[b.Metric]; ok && now.Sub(last) < g.cfg.AlertCooldown {
			continue
		}
		g.lastAlert[b.Metric] = now
		due = append(due, b.String())
	}
	g.mu.Unlock()
	if len(due) == 0 {
		return
	}

	recs := Recommendations(breaches)
	g.logger.Warn().
		Str("level", level.String()).
		Strs("breaches", due).
		Strs("recommendations", recs).
		Msg("resource pressure")
	if g.alerter == nil {
		return
	}
	if err := g.alerter.ResourceAlert(ctx, level.String(), due, recs); err != nil {
		g.logger.Error().Err(err).Msg("resource alert delivery failed")
	}
}

// Prune drops samples past the retention window.
func (g *Governor) Prune(ctx context.Context) (int64, error) {
	return g.store.PruneResourceSamples(ctx, g.cfg.SampleRetention)
}

func breachSummary(breaches []Breach) string {
	if len(breaches) == 0 {
		return "unknown"
	}
	s := breaches[0].String()
	for _, b := range breaches[1:] {
		s += "; " + b.String()
	}
	return s
}
