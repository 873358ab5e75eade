// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sitewarden/sitewarden/internal/errkind"
)

const notificationColumns = `id, channel, recipient, subject, body, status, attempts,
	next_retry_at_ms, sent_at_ms, last_error, metadata, created_at_ms`

// CreateNotification inserts a pending notification row. The row exists
// before any send attempt, so at-least-once delivery survives crashes.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = NotificationPending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO notifications
			(id, channel, recipient, subject, body, status, attempts, metadata, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, `+nowExpr+`)`,
		n.ID, n.Channel, n.Recipient, n.Subject, n.Body, string(n.Status),
		marshalJSON(n.Metadata))
	if err != nil {
		return "", classify(err)
	}
	return n.ID, nil
}

// GetNotification fetches a row by ID, or nil.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(s.DB.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return n, nil
}

// RecordSendAttempt bumps the attempt counter and stores the outcome.
// Terminal outcomes (sent, failed, cancelled) freeze the row.
func (s *Store) RecordSendAttempt(ctx context.Context, id string, outcome NotificationStatus, sendErr string, nextRetryAt time.Time) error {
	var err error
	switch outcome {
	case NotificationSent:
		_, err = s.DB.ExecContext(ctx,
			`UPDATE notifications SET attempts = attempts + 1, status = 'sent',
				sent_at_ms = `+nowExpr+`, last_error = '' WHERE id = ?`, id)
	case NotificationFailed, NotificationCancelled:
		_, err = s.DB.ExecContext(ctx,
			`UPDATE notifications SET attempts = attempts + 1, status = ?,
				last_error = ? WHERE id = ?`, string(outcome), sendErr, id)
	case NotificationPending:
		// retryable failure, stays pending with a scheduled retry
		_, err = s.DB.ExecContext(ctx,
			`UPDATE notifications SET attempts = attempts + 1, last_error = ?,
				next_retry_at_ms = ? WHERE id = ?`, sendErr, toMS(nextRetryAt), id)
	default:
		return errkind.Newf(errkind.KindUnprocessable, "invalid send outcome %q", outcome)
	}
	return classify(err)
}

// AppendNotificationLog records one delivery attempt for auditing and
// rate-limit accounting.
func (s *Store) AppendNotificationLog(ctx context.Context, notificationID, channel, recipient, outcome, detail string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO notification_log (notification_id, channel, recipient, outcome, detail, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, `+nowExpr+`)`,
		notificationID, channel, recipient, outcome, detail)
	return classify(err)
}

// SentToRecipientSince counts successful deliveries to the recipient within
// the window. Drives the per-recipient hourly rate limit.
func (s *Store) SentToRecipientSince(ctx context.Context, recipient string, window time.Duration) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log
		 WHERE recipient = ? AND outcome = 'sent' AND created_at_ms > `+nowExpr+` - ?`,
		recipient, window.Milliseconds()).Scan(&n)
	if err != nil {
		return 0, errkind.New(errkind.KindTransientIO, err)
	}
	return n, nil
}

// GetTemplate returns the stored template for (name, channel), or nil.
func (s *Store) GetTemplate(ctx context.Context, name, channel string) (*Template, error) {
	var t Template
	err := s.DB.QueryRowContext(ctx,
		`SELECT name, channel, subject, body FROM notification_templates
		 WHERE name = ? AND channel = ?`, name, channel).
		Scan(&t.Name, &t.Channel, &t.Subject, &t.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &t, nil
}

// UpsertPreference stores a per-website channel recipient.
func (s *Store) UpsertPreference(ctx context.Context, websiteID int64, channel, recipient string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO notification_preferences (website_id, channel, recipient, enabled)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(website_id, channel) DO UPDATE SET
			recipient = excluded.recipient, enabled = excluded.enabled`,
		websiteID, channel, recipient, boolInt(enabled))
	return classify(err)
}

// PreferencesForWebsite returns channel → recipient for enabled preferences,
// falling back to the website's embedded channel map when no preference
// rows exist.
func (s *Store) PreferencesForWebsite(ctx context.Context, websiteID int64) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT channel, recipient FROM notification_preferences
		 WHERE website_id = ? AND enabled = 1`, websiteID)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var channel, recipient string
		if err := rows.Scan(&channel, &recipient); err != nil {
			return nil, err
		}
		out[channel] = recipient
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	w, err := s.GetWebsite(ctx, websiteID)
	if err != nil || w == nil {
		return out, err
	}
	return w.NotificationChannels, nil
}

func scanNotification(sc rowScanner) (*Notification, error) {
	var (
		n                 Notification
		status            string
		nextRetry, sentAt sql.NullInt64
		meta              []byte
		createdMS         int64
	)
	err := sc.Scan(&n.ID, &n.Channel, &n.Recipient, &n.Subject, &n.Body, &status,
		&n.Attempts, &nextRetry, &sentAt, &n.LastError, &meta, &createdMS)
	if err != nil {
		return nil, err
	}
	n.Status = NotificationStatus(status)
	n.NextRetryAt = fromNullMS(nextRetry)
	n.SentAt = fromNullMS(sentAt)
	n.Metadata = unmarshalAnyMap(meta)
	n.CreatedAt = fromMS(createdMS)
	return &n, nil
}
