// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
)

const escalationColumns = `id, website_id, level, trigger_reason, status, created_at_ms,
	cooldown_until_ms, resolved_at_ms, resolution_reason, notifications_record`

// ActiveEscalation returns the single active escalation for the website,
// or nil. The partial unique index guarantees at most one exists.
func (s *Store) ActiveEscalation(ctx context.Context, websiteID int64) (*Escalation, error) {
	esc, err := scanEscalation(s.DB.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM alert_escalations
		 WHERE website_id = ? AND status = 'active'`, websiteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return esc, nil
}

// CreateEscalation opens a new active escalation. Fails with Unprocessable
// if one is already active for the website.
func (s *Store) CreateEscalation(ctx context.Context, websiteID int64, level int, reason string, cooldownUntil time.Time) (*Escalation, error) {
	var id int64
	err := s.WithImmediateTx(ctx, func(q Querier) error {
		var active int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alert_escalations WHERE website_id = ? AND status = 'active'`,
			websiteID).Scan(&active); err != nil {
			return classify(err)
		}
		if active > 0 {
			return errkind.Newf(errkind.KindUnprocessable, "website %d already has an active escalation", websiteID)
		}
		res, err := q.ExecContext(ctx,
			`INSERT INTO alert_escalations
				(website_id, level, trigger_reason, status, created_at_ms, cooldown_until_ms)
			 VALUES (?, ?, ?, 'active', `+nowExpr+`, ?)`,
			websiteID, level, reason, toMS(cooldownUntil))
		if err != nil {
			return classify(err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.getEscalation(ctx, id)
}

// UpgradeEscalation raises the level of an active escalation and resets its
// cooldown. Only upgrades are permitted; downgrades are rejected.
func (s *Store) UpgradeEscalation(ctx context.Context, id int64, level int, reason string, cooldownUntil time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alert_escalations SET level = ?, trigger_reason = ?, cooldown_until_ms = ?
		 WHERE id = ? AND status = 'active' AND level < ?`,
		level, reason, toMS(cooldownUntil), id, level)
	if err != nil {
		return classify(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.Newf(errkind.KindUnprocessable, "escalation %d cannot be upgraded to level %d", id, level)
	}
	return nil
}

// ResolveEscalation closes the active escalation for the website, if any.
// Returns true when a row was resolved.
func (s *Store) ResolveEscalation(ctx context.Context, websiteID int64, reason string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alert_escalations SET
			status = 'resolved', resolved_at_ms = `+nowExpr+`, resolution_reason = ?
		 WHERE website_id = ? AND status = 'active'`, reason, websiteID)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordEscalationNotification bumps the per-channel counter on the row.
func (s *Store) RecordEscalationNotification(ctx context.Context, id int64, channel string) error {
	return s.WithImmediateTx(ctx, func(q Querier) error {
		var raw []byte
		if err := q.QueryRowContext(ctx,
			`SELECT notifications_record FROM alert_escalations WHERE id = ?`, id).Scan(&raw); err != nil {
			return classify(err)
		}
		record := unmarshalIntMap(raw)
		record[channel]++
		_, err := q.ExecContext(ctx,
			`UPDATE alert_escalations SET notifications_record = ? WHERE id = ?`,
			marshalJSON(record), id)
		return classify(err)
	})
}

// FailuresInPeriod counts terminal failed runs for the website since the cutoff.
func (s *Store) FailuresInPeriod(ctx context.Context, websiteID int64, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_results
		 WHERE website_id = ? AND status IN ('failed','timeout') AND created_at_ms >= ?`,
		websiteID, toMS(since)).Scan(&n)
	if err != nil {
		return 0, errkind.New(errkind.KindTransientIO, err)
	}
	return n, nil
}

func (s *Store) getEscalation(ctx context.Context, id int64) (*Escalation, error) {
	esc, err := scanEscalation(s.DB.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM alert_escalations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return esc, nil
}

func scanEscalation(sc rowScanner) (*Escalation, error) {
	var (
		e                        Escalation
		status                   string
		createdMS                int64
		cooldownMS, resolvedMS   sql.NullInt64
		record                   []byte
	)
	err := sc.Scan(&e.ID, &e.WebsiteID, &e.Level, &e.TriggerReason, &status,
		&createdMS, &cooldownMS, &resolvedMS, &e.ResolutionReason, &record)
	if err != nil {
		return nil, err
	}
	e.Status = EscalationStatus(status)
	e.CreatedAt = fromMS(createdMS)
	e.CooldownUntil = fromNullMS(cooldownMS)
	e.ResolvedAt = fromNullMS(resolvedMS)
	e.NotificationsRecord = unmarshalIntMap(record)
	return &e, nil
}
