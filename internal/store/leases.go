// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TryAcquireLease implements the lease acquisition transaction: read the row
// under the write lock, take over if absent or expired, refresh if we
// already own it, otherwise report the current holder.
//
// Returns (lease, acquired). When acquired is false the returned lease
// describes the competing holder.
func (s *Store) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration, metadata map[string]string) (*LeaseRow, bool, error) {
	var (
		acquired bool
		holder   LeaseRow
	)
	err := s.WithImmediateTx(ctx, func(q Querier) error {
		now, err := queryNow(ctx, q)
		if err != nil {
			return err
		}

		var (
			curOwner            string
			acquiredMS, expires int64
			hbMS                sql.NullInt64
			meta                []byte
		)
		err = q.QueryRowContext(ctx,
			`SELECT owner, acquired_at_ms, expires_at_ms, last_heartbeat_at_ms, metadata
			 FROM scheduler_lock WHERE name = ?`, name).
			Scan(&curOwner, &acquiredMS, &expires, &hbMS, &meta)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// free
		case err != nil:
			return classify(err)
		default:
			held := fromMS(expires).After(now)
			if held && curOwner != owner {
				holder = LeaseRow{
					Name:            name,
					Owner:           curOwner,
					AcquiredAt:      fromMS(acquiredMS),
					ExpiresAt:       fromMS(expires),
					LastHeartbeatAt: fromNullMS(hbMS),
					Metadata:        unmarshalStringMap(meta),
				}
				return nil
			}
		}

		expiresAt := now.Add(ttl)
		_, err = q.ExecContext(ctx,
			`INSERT INTO scheduler_lock (name, owner, acquired_at_ms, expires_at_ms, last_heartbeat_at_ms, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
				owner = excluded.owner,
				acquired_at_ms = excluded.acquired_at_ms,
				expires_at_ms = excluded.expires_at_ms,
				last_heartbeat_at_ms = excluded.last_heartbeat_at_ms,
				metadata = excluded.metadata`,
			name, owner, toMS(now), toMS(expiresAt), toMS(now), marshalJSON(metadata))
		if err != nil {
			return classify(err)
		}
		acquired = true
		holder = LeaseRow{
			Name:            name,
			Owner:           owner,
			AcquiredAt:      now,
			ExpiresAt:       expiresAt,
			LastHeartbeatAt: now,
			Metadata:        metadata,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &holder, acquired, nil
}

// HeartbeatLease refreshes expiry only while owner still holds the lease.
// A false return means a concurrent takeover happened and the caller no
// longer owns the lease.
func (s *Store) HeartbeatLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scheduler_lock SET
			last_heartbeat_at_ms = `+nowExpr+`,
			expires_at_ms = `+nowExpr+` + ?
		 WHERE name = ? AND owner = ? AND expires_at_ms > `+nowExpr,
		ttl.Milliseconds(), name, owner)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExtendLease adds time on top of the current expiry, owner-fenced.
func (s *Store) ExtendLease(ctx context.Context, name, owner string, additional time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scheduler_lock SET expires_at_ms = expires_at_ms + ?
		 WHERE name = ? AND owner = ? AND expires_at_ms > `+nowExpr,
		additional.Milliseconds(), name, owner)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease deletes the row only when owner matches.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM scheduler_lock WHERE name = ? AND owner = ?`, name, owner)
	return classify(err)
}

// ForceReleaseLease deletes the row regardless of owner. Operator escape
// hatch; normal code paths must use ReleaseLease.
func (s *Store) ForceReleaseLease(ctx context.Context, name string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM scheduler_lock WHERE name = ?`, name)
	return classify(err)
}

// LeaseInfo returns the current row for name, or nil when absent.
func (s *Store) LeaseInfo(ctx context.Context, name string) (*LeaseRow, error) {
	var (
		l                   LeaseRow
		acquiredMS, expires int64
		hbMS                sql.NullInt64
		meta                []byte
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT name, owner, acquired_at_ms, expires_at_ms, last_heartbeat_at_ms, metadata
		 FROM scheduler_lock WHERE name = ?`, name).
		Scan(&l.Name, &l.Owner, &acquiredMS, &expires, &hbMS, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	l.AcquiredAt = fromMS(acquiredMS)
	l.ExpiresAt = fromMS(expires)
	l.LastHeartbeatAt = fromNullMS(hbMS)
	l.Metadata = unmarshalStringMap(meta)
	return &l, nil
}

func queryNow(ctx context.Context, q Querier) (time.Time, error) {
	var ms int64
	if err := q.QueryRowContext(ctx, "SELECT "+nowExpr).Scan(&ms); err != nil {
		return time.Time{}, classify(err)
	}
	return time.UnixMilli(ms), nil
}
