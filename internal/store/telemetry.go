// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
)

// InsertResourceSample records one governor measurement tick.
func (s *Store) InsertResourceSample(ctx context.Context, sample ResourceSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO resource_metrics
			(ts_ms, cpu_percent, memory_percent, disk_percent, load1, active_db_conns, concurrent_scans)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toMS(ts), sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent,
		sample.Load1, sample.ActiveDBConns, sample.ConcurrentScans)
	return classify(err)
}

// LatestResourceSample returns the most recent sample, or nil.
// Only the latest sample drives governor decisions.
func (s *Store) LatestResourceSample(ctx context.Context) (*ResourceSample, error) {
	var (
		sample ResourceSample
		tsMS   int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT ts_ms, cpu_percent, memory_percent, disk_percent, load1, active_db_conns, concurrent_scans
		 FROM resource_metrics ORDER BY ts_ms DESC, id DESC LIMIT 1`).
		Scan(&tsMS, &sample.CPUPercent, &sample.MemoryPercent, &sample.DiskPercent,
			&sample.Load1, &sample.ActiveDBConns, &sample.ConcurrentScans)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	sample.Timestamp = fromMS(tsMS)
	return &sample, nil
}

// PruneResourceSamples drops samples older than the retention window.
func (s *Store) PruneResourceSamples(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM resource_metrics WHERE ts_ms < `+nowExpr+` - ?`,
		retention.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// AppendLog writes a structured scheduler_log row.
func (s *Store) AppendLog(ctx context.Context, level, message string, logCtx map[string]any) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO scheduler_log (level, message, context, created_at_ms)
		 VALUES (?, ?, ?, `+nowExpr+`)`,
		level, message, marshalJSON(logCtx))
	return classify(err)
}

// RecentLogs returns the newest n log rows, newest first.
func (s *Store) RecentLogs(ctx context.Context, n int) ([]LogEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, level, message, context, created_at_ms
		 FROM scheduler_log ORDER BY created_at_ms DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			rawCtx    []byte
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &rawCtx, &createdMS); err != nil {
			return nil, err
		}
		e.Context = unmarshalAnyMap(rawCtx)
		e.CreatedAt = fromMS(createdMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogs deletes log rows older than the retention window.
func (s *Store) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM scheduler_log WHERE created_at_ms < `+nowExpr+` - ?`,
		retention.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// HealthPing verifies the schema is present, not just the file.
func (s *Store) HealthPing(ctx context.Context) error {
	var one int
	if err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM websites LIMIT 1`).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return errkind.New(errkind.KindTransientIO, err)
	}
	return nil
}
