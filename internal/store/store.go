// SPDX-License-Identifier: MIT

// Package store is the transactional row store shared by every scheduler
// component. All time predicates are evaluated against the store clock so
// multiple processes never disagree about "now".
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
	"github.com/sitewarden/sitewarden/internal/persistence/sqlite"
)

// nowExpr is the store-clock expression used inside SQL predicates.
const nowExpr = "(CAST(strftime('%s','now') AS INTEGER)*1000)"

// Querier is the subset of database/sql shared by *sql.DB, *sql.Tx and
// *sql.Conn. Store accessors run against it so the same query code serves
// autonomous statements and explicit transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite pool with typed accessors for every table.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, errkind.New(errkind.KindFatal, err)
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errkind.Newf(errkind.KindFatal, "store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping reports store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return errkind.New(errkind.KindTransientIO, err)
	}
	return nil
}

// Now returns the store clock.
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := s.DB.QueryRowContext(ctx, "SELECT "+nowExpr).Scan(&ms); err != nil {
		return time.Time{}, errkind.New(errkind.KindTransientIO, err)
	}
	return time.UnixMilli(ms), nil
}

// WithTx runs fn inside a deferred transaction, rolled back on error.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	return nil
}

// WithImmediateTx runs fn inside a write transaction that takes the database
// write lock up front. This is the SQLite rendering of
// `select ... for update`: concurrent claimers serialize on the lock, so a
// read-check-write sequence inside fn is atomic fleet-wide.
func (s *Store) WithImmediateTx(ctx context.Context, fn func(q Querier) error) error {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return errkind.New(errkind.KindTransientIO, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return classify(err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return classify(err)
	}
	return nil
}

// classify maps driver errors onto scheduler error kinds. SQLite surfaces
// contention as SQLITE_BUSY / SQLITE_LOCKED; both are retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "deadlock") {
		return errkind.New(errkind.KindTransientIO, err)
	}
	return err
}

// --- JSON column helpers ---

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func unmarshalStringMap(raw []byte) map[string]string {
	out := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func unmarshalAnyMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func unmarshalIntMap(raw []byte) map[string]int {
	out := map[string]int{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

// --- time column helpers (INTEGER ms since epoch; 0 = zero time) ---

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func fromNullMS(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMS(ms.Int64)
}
