// SPDX-License-Identifier: MIT

// Package escalate implements the alert escalation state machine: failure
// history is graded into levels 1-3, each level fans out to a wider set of
// notification channels, and a cooldown suppresses re-evaluation noise
// unless severity strictly increases.
package escalate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/notify"
	"github.com/sitewarden/sitewarden/internal/store"
)

// criticalProbes always escalate straight to level 3 when they fail.
var criticalProbes = map[string]bool{
	"ssl_certificate":  true,
	"security_headers": true,
	"csrf_protection":  true,
	"sql_injection":    true,
	"xss_protection":   true,
}

// channelsForLevel returns the cumulative channel set per level.
func channelsForLevel(level int) []string {
	switch {
	case level >= 3:
		return []string{notify.ChannelEmail, notify.ChannelSMS, notify.ChannelWebhook}
	case level == 2:
		return []string{notify.ChannelEmail, notify.ChannelSMS}
	case level == 1:
		return []string{notify.ChannelEmail}
	default:
		return nil
	}
}

// JobTypeNotification is the queue job type for deferred alert delivery.
const JobTypeNotification = "escalation_notification"

// NotificationJob is the payload of a deferred alert delivery.
type NotificationJob struct {
	EscalationID int64  `json:"escalation_id"`
	WebsiteID    int64  `json:"website_id"`
	Channel      string `json:"channel"`
	Template     string `json:"template"`
	Level        int    `json:"level"`
	Reason       string `json:"reason"`
}

// Enqueuer defers work onto the job queue. Satisfied by queue.Runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, priority int, delay time.Duration) (string, error)
}

// Result describes what an evaluation did.
type Result string

const (
	ResultNone       Result = "none"
	ResultCreated    Result = "created"
	ResultUpgraded   Result = "upgraded"
	ResultInCooldown Result = "in_cooldown"
	ResultResolved   Result = "resolved"
)

// Engine evaluates failure history and drives escalation transitions.
type Engine struct {
	store  *store.Store
	cfg    config.EscalationSettings
	queue  Enqueuer
	logger zerolog.Logger
}

// New builds an Engine deferring deliveries onto queue.
func New(s *store.Store, cfg config.EscalationSettings, queue Enqueuer) *Engine {
	return &Engine{store: s, cfg: cfg, queue: queue, logger: log.WithComponent("escalate")}
}

// Evaluate is the post-outcome hook the dispatcher calls after every
// terminal scan. A clean scan resolves any active escalation; a failed one
// may create or upgrade an escalation and schedule channel deliveries.
func (e *Engine) Evaluate(ctx context.Context, website *store.Website, run *store.ScanRun, probes []store.ProbeResult) (Result, error) {
	if run.Status == store.ScanCompleted {
		return e.resolve(ctx, website)
	}

	level, reason := e.deriveLevel(ctx, website, probes)
	if level == 0 {
		return ResultNone, nil
	}

	active, err := e.store.ActiveEscalation(ctx, website.ID)
	if err != nil {
		return ResultNone, err
	}
	now := time.Now()

	if active != nil {
		inCooldown := active.CooldownUntil.After(now)
		if inCooldown && level <= active.Level {
			e.logger.Debug().Int64("website_id", website.ID).
				Int("level", active.Level).Time("cooldown_until", active.CooldownUntil).
				Msg("escalation in cooldown")
			return ResultInCooldown, nil
		}
		if level <= active.Level {
			// Cooldown elapsed but severity did not grow; the active
			// escalation already covers this.
			return ResultNone, nil
		}
		cooldownUntil := now.Add(e.cfg.Cooldown)
		if err := e.store.UpgradeEscalation(ctx, active.ID, level, reason, cooldownUntil); err != nil {
			return ResultNone, err
		}
		added := diffChannels(channelsForLevel(level), channelsForLevel(active.Level))
		if err := e.scheduleDeliveries(ctx, active.ID, website.ID, level, reason, added); err != nil {
			return ResultUpgraded, err
		}
		e.logger.Warn().Int64("website_id", website.ID).
			Int("from_level", active.Level).Int("to_level", level).
			Str("reason", reason).Msg("escalation upgraded")
		return ResultUpgraded, nil
	}

	esc, err := e.store.CreateEscalation(ctx, website.ID, level, reason, now.Add(e.cfg.Cooldown))
	if err != nil {
		return ResultNone, err
	}
	if err := e.scheduleDeliveries(ctx, esc.ID, website.ID, level, reason, channelsForLevel(level)); err != nil {
		return ResultCreated, err
	}
	e.logger.Warn().Int64("website_id", website.ID).Int("level", level).
		Str("reason", reason).Msg("escalation created")
	return ResultCreated, nil
}

// deriveLevel grades the latest failure. Critical probe failures dominate,
// then sustained failure streaks, then failure density over the window.
func (e *Engine) deriveLevel(ctx context.Context, website *store.Website, probes []store.ProbeResult) (int, string) {
	for _, p := range probes {
		failed := p.Status == store.ProbeFailed || p.Status == store.ProbeError || p.Status == store.ProbeTimeout
		if failed && (p.Severity == store.SeverityCritical || criticalProbes[p.ProbeName]) {
			return 3, "critical probe failed: " + p.ProbeName
		}
	}
	if website.ConsecutiveFailures >= 3 {
		return 2, "3 or more consecutive failures"
	}
	if inWindow, err := e.store.FailuresInPeriod(ctx, website.ID, time.Now().Add(-e.cfg.FailureWindow)); err == nil && inWindow >= e.cfg.FailureCeiling {
		return 2, "repeated failures within window"
	}
	return 1, "scan failed"
}

func (e *Engine) resolve(ctx context.Context, website *store.Website) (Result, error) {
	resolved, err := e.store.ResolveEscalation(ctx, website.ID, "tests_passing")
	if err != nil {
		return ResultNone, err
	}
	if !resolved {
		return ResultNone, nil
	}
	e.logger.Info().Int64("website_id", website.ID).Msg("escalation resolved")
	_, err = e.queue.Enqueue(ctx, JobTypeNotification, NotificationJob{
		WebsiteID: website.ID,
		Channel:   notify.ChannelEmail,
		Template:  "escalation_resolved",
		Reason:    "tests_passing",
	}, 1, 0)
	return ResultResolved, err
}

// scheduleDeliveries enqueues one deferred job per channel. Level delays:
// L1 immediate, L2 30 minutes, L3 120 minutes.
func (e *Engine) scheduleDeliveries(ctx context.Context, escalationID, websiteID int64, level int, reason string, channels []string) error {
	delay := e.deliveryDelay(level)
	for _, channel := range channels {
		_, err := e.queue.Enqueue(ctx, JobTypeNotification, NotificationJob{
			EscalationID: escalationID,
			WebsiteID:    websiteID,
			Channel:      channel,
			Template:     "escalation",
			Level:        level,
			Reason:       reason,
		}, level, delay)
		if err != nil {
			return err
		}
		if err := e.store.RecordEscalationNotification(ctx, escalationID, channel); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deliveryDelay(level int) time.Duration {
	switch {
	case level >= 3:
		return e.cfg.Level3Delay
	case level == 2:
		return e.cfg.Level2Delay
	default:
		return 0
	}
}

func diffChannels(newSet, oldSet []string) []string {
	old := make(map[string]bool, len(oldSet))
	for _, c := range oldSet {
		old[c] = true
	}
	var out []string
	for _, c := range newSet {
		if !old[c] {
			out = append(out, c)
		}
	}
	return out
}

// NotificationJobHandler returns the queue handler delivering deferred
// escalation notifications. Deliveries for escalations that resolved while
// the job sat in the queue are dropped.
func NotificationJobHandler(s *store.Store, orch *notify.Orchestrator) func(ctx context.Context, job *store.Job) error {
	logger := log.WithComponent("escalate")
	return func(ctx context.Context, job *store.Job) error {
		var payload NotificationJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}

		if payload.EscalationID != 0 {
			active, err := s.ActiveEscalation(ctx, payload.WebsiteID)
			if err != nil {
				return err
			}
			if active == nil || active.ID != payload.EscalationID {
				logger.Info().Int64("escalation_id", payload.EscalationID).
					Str("channel", payload.Channel).
					Msg("escalation no longer active, dropping delivery")
				return nil
			}
		}

		website, err := s.GetWebsite(ctx, payload.WebsiteID)
		if err != nil || website == nil {
			return err
		}
		prefs, err := s.PreferencesForWebsite(ctx, payload.WebsiteID)
		if err != nil {
			return err
		}
		recipient, ok := prefs[payload.Channel]
		if !ok || recipient == "" {
			logger.Debug().Int64("website_id", payload.WebsiteID).
				Str("channel", payload.Channel).Msg("no recipient configured, skipping")
			return nil
		}

		_, err = orch.Deliver(ctx, notify.Request{
			Channel:   payload.Channel,
			Recipient: recipient,
			Template:  payload.Template,
			Vars: map[string]any{
				"website_name": website.Name,
				"website_url":  website.URL,
				"level":        payload.Level,
				"reason":       payload.Reason,
			},
			Metadata: map[string]any{
				"website_id":    payload.WebsiteID,
				"escalation_id": payload.EscalationID,
			},
		})
		return err
	}
}
