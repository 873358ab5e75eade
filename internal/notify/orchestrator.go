// SPDX-License-Identifier: MIT

// Package notify delivers alerts over email, SMS and webhook channels.
// Every delivery is recorded in the store before the first send attempt,
// so crashes never lose a message, only delay it.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sitewarden/sitewarden/internal/config"
	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/log"
	"github.com/sitewarden/sitewarden/internal/metrics"
	"github.com/sitewarden/sitewarden/internal/store"
)

// Request describes one message to deliver.
type Request struct {
	Channel   string
	Recipient string
	Template  string
	Vars      map[string]any
	Metadata  map[string]any
}

// Orchestrator renders, records and delivers notifications with retries
// and a durable per-recipient rate limit.
type Orchestrator struct {
	store     *store.Store
	cfg       config.NotifySettings
	providers map[string]Provider
	pacer     *rate.Limiter
	logger    zerolog.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewOrchestrator wires the given providers. Unknown channels fail
// deliveries with Unprocessable.
func NewOrchestrator(s *store.Store, cfg config.NotifySettings, providers ...Provider) *Orchestrator {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Channel()] = p
	}
	return &Orchestrator{
		store:     s,
		cfg:       cfg,
		providers: m,
		// Smooths bursts across the process; the durable per-recipient
		// cap is enforced separately from notification_log.
		pacer:  rate.NewLimiter(rate.Every(time.Second), 5),
		logger: log.WithComponent("notify"),
		sleep:  sleepCtx,
	}
}

// Deliver renders the template, persists the notification and attempts
// delivery. Transient provider failures are retried with exponential
// backoff up to max_retries; the returned row carries the final state.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (*store.Notification, error) {
	subject, body := o.render(ctx, req)
	n := &store.Notification{
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Subject:   subject,
		Body:      body,
		Metadata:  req.Metadata,
	}
	if _, err := o.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	masked := MaskRecipient(req.Channel, req.Recipient)
	sent, err := o.store.SentToRecipientSince(ctx, req.Recipient, time.Hour)
	if err != nil {
		return nil, err
	}
	if o.cfg.RateLimitPerHour > 0 && sent >= o.cfg.RateLimitPerHour {
		o.logger.Warn().Str("channel", req.Channel).Str("recipient", masked).
			Int("sent_last_hour", sent).Msg("recipient rate limit hit, cancelling")
		if err := o.store.RecordSendAttempt(ctx, n.ID, store.NotificationCancelled, "recipient hourly rate limit", time.Time{}); err != nil {
			return nil, err
		}
		_ = o.store.AppendNotificationLog(ctx, n.ID, req.Channel, req.Recipient, "cancelled", "rate limited")
		return o.store.GetNotification(ctx, n.ID)
	}

	provider, ok := o.providers[req.Channel]
	if !ok {
		if err := o.store.RecordSendAttempt(ctx, n.ID, store.NotificationFailed, "no provider for channel "+req.Channel, time.Time{}); err != nil {
			return nil, err
		}
		return o.store.GetNotification(ctx, n.ID)
	}

	maxAttempts := o.cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.pacer.Wait(ctx); err != nil {
			return nil, errkind.New(errkind.KindTransientIO, err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		sendErr := provider.Send(sendCtx, n)
		cancel()

		outcome := "success"
		if sendErr != nil {
			outcome = "error"
		}
		metrics.NotificationAttempts.WithLabelValues(req.Channel, outcome).Inc()

		if sendErr == nil {
			if err := o.store.RecordSendAttempt(ctx, n.ID, store.NotificationSent, "", time.Time{}); err != nil {
				return nil, err
			}
			_ = o.store.AppendNotificationLog(ctx, n.ID, req.Channel, req.Recipient, "sent", "")
			o.logger.Info().Str("channel", req.Channel).Str("recipient", masked).
				Int("attempt", attempt).Msg("notification delivered")
			return o.store.GetNotification(ctx, n.ID)
		}

		_ = o.store.AppendNotificationLog(ctx, n.ID, req.Channel, req.Recipient, "failed", sendErr.Error())
		retryable := errkind.Retryable(sendErr) && attempt < maxAttempts
		if !retryable {
			if err := o.store.RecordSendAttempt(ctx, n.ID, store.NotificationFailed, sendErr.Error(), time.Time{}); err != nil {
				return nil, err
			}
			o.logger.Error().Err(sendErr).Str("channel", req.Channel).
				Str("recipient", masked).Int("attempts", attempt).
				Msg("notification delivery failed")
			return o.store.GetNotification(ctx, n.ID)
		}

		backoff := o.cfg.RetryDelay << (attempt - 1)
		if err := o.store.RecordSendAttempt(ctx, n.ID, store.NotificationPending, sendErr.Error(), time.Now().Add(backoff)); err != nil {
			return nil, err
		}
		o.logger.Warn().Err(sendErr).Str("channel", req.Channel).
			Str("recipient", masked).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("notification attempt failed, retrying")
		if err := o.sleep(ctx, backoff); err != nil {
			return nil, errkind.New(errkind.KindTransientIO, err)
		}
	}
	return o.store.GetNotification(ctx, n.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// render resolves the template from the store, falling back to the
// built-in defaults, and substitutes variables.
func (o *Orchestrator) render(ctx context.Context, req Request) (subject, body string) {
	if t, err := o.store.GetTemplate(ctx, req.Template, req.Channel); err == nil && t != nil {
		return Render(t.Subject, req.Vars), Render(t.Body, req.Vars)
	}
	if d, ok := defaultTemplates[req.Template]; ok {
		return Render(d.subject, req.Vars), Render(d.body, req.Vars)
	}
	// Last resort: deliver the raw template name so the operator sees
	// something rather than nothing.
	return req.Template, Render(req.Template, req.Vars)
}

// ResourceAlert delivers governor pressure alerts to the admin address.
// With no admin configured the alert stays log-only.
func (o *Orchestrator) ResourceAlert(ctx context.Context, level string, breaches, recommendations []string) error {
	if o.cfg.AdminEmail == "" {
		return nil
	}
	_, err := o.Deliver(ctx, Request{
		Channel:   ChannelEmail,
		Recipient: o.cfg.AdminEmail,
		Template:  "resource_alert",
		Vars: map[string]any{
			"level":           level,
			"breaches":        strings.Join(breaches, "; "),
			"recommendations": strings.Join(recommendations, "; "),
		},
	})
	return err
}
