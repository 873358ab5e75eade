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

const scanColumns = `id, website_id, status, started_at_ms, ended_at_ms, total_probes,
	passed, failed, execution_time_ms, retry_count, next_retry_at_ms, error_summary, created_at_ms`

// CreateScanRun inserts a running ScanRun for the website and returns it.
// The running-uniqueness invariant is enforced here: the insert is refused
// if another run for the same website is still running.
func (s *Store) CreateScanRun(ctx context.Context, websiteID int64) (*ScanRun, error) {
	id := uuid.NewString()
	err := s.WithImmediateTx(ctx, func(q Querier) error {
		var running int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scan_results WHERE website_id = ? AND status = 'running'`,
			websiteID).Scan(&running); err != nil {
			return classify(err)
		}
		if running > 0 {
			return errkind.Newf(errkind.KindUnprocessable, "website %d already has a running scan", websiteID)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO scan_results (id, website_id, status, started_at_ms, created_at_ms)
			 VALUES (?, ?, 'running', `+nowExpr+`, `+nowExpr+`)`, id, websiteID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetScanRun(ctx, id)
}

// GetScanRun fetches a run by ID. Returns (nil, nil) if absent.
func (s *Store) GetScanRun(ctx context.Context, id string) (*ScanRun, error) {
	run, err := scanScanRun(s.DB.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scan_results WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return run, nil
}

// LatestScanForWebsite returns the most recent run for the website, or nil.
func (s *Store) LatestScanForWebsite(ctx context.Context, websiteID int64) (*ScanRun, error) {
	run, err := scanScanRun(s.DB.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scan_results
		 WHERE website_id = ? ORDER BY created_at_ms DESC, id DESC LIMIT 1`, websiteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return run, nil
}

// ScanOutcome carries everything a terminal transition writes atomically.
type ScanOutcome struct {
	ScanID        string
	WebsiteID     int64
	Status        ScanStatus // completed | failed | timeout | cancelled
	TotalProbes   int
	Passed        int
	Failed        int
	ExecutionTime time.Duration
	ErrorSummary  string

	// Success path: the schedule interval. The next slot is derived from
	// the same instant written to last_scan_at, so next is never earlier
	// than last plus the interval. Zero means manual (no next slot).
	NextScanIn time.Duration

	// Failure path
	ErrorCategory string
	RetryAt       time.Time // zero when parking for review
	ParkForReview bool
	ReviewUntil   time.Time
}

// CompleteScan terminates a run. The ScanRun terminal state and the website
// failure counters commit in the same transaction to prevent counter skew.
func (s *Store) CompleteScan(ctx context.Context, out ScanOutcome) error {
	if !out.Status.Terminal() {
		return errkind.Newf(errkind.KindUnprocessable, "status %q is not terminal", out.Status)
	}
	return s.WithTx(ctx, func(q Querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE scan_results SET
				status = ?, ended_at_ms = `+nowExpr+`, total_probes = ?, passed = ?,
				failed = ?, execution_time_ms = ?, error_summary = ?
			 WHERE id = ? AND status = 'running'`,
			string(out.Status), out.TotalProbes, out.Passed, out.Failed,
			out.ExecutionTime.Milliseconds(), out.ErrorSummary, out.ScanID)
		if err != nil {
			return classify(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errkind.Newf(errkind.KindUnprocessable, "scan %s is not running", out.ScanID)
		}

		now := time.Now()
		if out.Status == ScanCompleted {
			var next time.Time
			if out.NextScanIn > 0 {
				next = now.Add(out.NextScanIn)
			}
			return markWebsiteSuccess(ctx, q, out.WebsiteID, now, next)
		}
		if err := markWebsiteFailure(ctx, q, out.WebsiteID, now, out.ErrorCategory); err != nil {
			return err
		}
		if out.ParkForReview {
			return parkWebsiteForReview(ctx, q, out.WebsiteID, out.ReviewUntil)
		}
		if !out.RetryAt.IsZero() {
			return scheduleWebsiteRetry(ctx, q, out.WebsiteID, out.RetryAt)
		}
		return nil
	})
}

// InsertProbeResults appends the per-probe children of a run. Rows are
// immutable after insert.
func (s *Store) InsertProbeResults(ctx context.Context, scanID string, results []ProbeResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(q Querier) error {
		for _, r := range results {
			_, err := q.ExecContext(ctx,
				`INSERT INTO test_results
					(scan_id, probe_name, status, severity, message, evidence,
					 execution_time_ms, started_at_ms, ended_at_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				scanID, r.ProbeName, string(r.Status), string(r.Severity), r.Message,
				marshalJSON(r.Evidence), r.ExecutionTime.Milliseconds(),
				nullMS(r.StartedAt), nullMS(r.EndedAt))
			if err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

// ProbeResultsForScan returns the ordered children of a run.
func (s *Store) ProbeResultsForScan(ctx context.Context, scanID string) ([]ProbeResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, scan_id, probe_name, status, severity, message, evidence,
			execution_time_ms, started_at_ms, ended_at_ms
		 FROM test_results WHERE scan_id = ? ORDER BY id ASC`, scanID)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProbeResult
	for rows.Next() {
		var (
			r                  ProbeResult
			status, severity   string
			evidence           []byte
			execMS             int64
			startedMS, endedMS sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.ProbeName, &status, &severity,
			&r.Message, &evidence, &execMS, &startedMS, &endedMS); err != nil {
			return nil, err
		}
		r.Status = ProbeStatus(status)
		r.Severity = Severity(severity)
		r.Evidence = unmarshalAnyMap(evidence)
		r.ExecutionTime = time.Duration(execMS) * time.Millisecond
		r.StartedAt = fromNullMS(startedMS)
		r.EndedAt = fromNullMS(endedMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunningScanCount reports how many runs are currently running fleet-wide.
func (s *Store) RunningScanCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_results WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, errkind.New(errkind.KindTransientIO, err)
	}
	return n, nil
}

// PauseQueuedScans transitions queued runs to paused (governor throttle).
func (s *Store) PauseQueuedScans(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scan_results SET status = 'paused' WHERE status = 'queued'`)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// ResumePausedScans returns paused runs to queued after throttle expiry.
func (s *Store) ResumePausedScans(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scan_results SET status = 'queued' WHERE status = 'paused'`)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// FailedScansForRetry selects failed runs eligible for the retry sweep:
// under the retry budget, created within the window, and due.
func (s *Store) FailedScansForRetry(ctx context.Context, maxRetries int, window time.Duration, limit int) ([]*ScanRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scan_results
		 WHERE status = 'failed'
		   AND retry_count < ?
		   AND created_at_ms > `+nowExpr+` - ?
		   AND (next_retry_at_ms IS NULL OR next_retry_at_ms <= `+nowExpr+`)
		 ORDER BY created_at_ms ASC
		 LIMIT ?`, maxRetries, window.Milliseconds(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// MarkScanRetryOutcome records one retry-sweep attempt on the original row.
// Success flips the row to completed; failure schedules the next attempt.
func (s *Store) MarkScanRetryOutcome(ctx context.Context, id string, success bool, nextRetryAt time.Time) error {
	var err error
	if success {
		_, err = s.DB.ExecContext(ctx,
			`UPDATE scan_results SET status = 'completed',
				retry_count = retry_count + 1, ended_at_ms = `+nowExpr+`
			 WHERE id = ?`, id)
	} else {
		_, err = s.DB.ExecContext(ctx,
			`UPDATE scan_results SET retry_count = retry_count + 1, next_retry_at_ms = ?
			 WHERE id = ?`, toMS(nextRetryAt), id)
	}
	return classify(err)
}

// DeleteOrphanProbeResults removes probe rows whose parent run is gone.
func (s *Store) DeleteOrphanProbeResults(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM test_results WHERE scan_id NOT IN (SELECT id FROM scan_results)`)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func scanScanRun(sc rowScanner) (*ScanRun, error) {
	var (
		run                            ScanRun
		status                         string
		startedMS, endedMS, nextRetryMS sql.NullInt64
		execMS, createdMS              int64
	)
	err := sc.Scan(&run.ID, &run.WebsiteID, &status, &startedMS, &endedMS,
		&run.TotalProbes, &run.Passed, &run.Failed, &execMS, &run.RetryCount,
		&nextRetryMS, &run.ErrorSummary, &createdMS)
	if err != nil {
		return nil, err
	}
	run.Status = ScanStatus(status)
	run.StartedAt = fromNullMS(startedMS)
	run.EndedAt = fromNullMS(endedMS)
	run.ExecutionTime = time.Duration(execMS) * time.Millisecond
	run.NextRetryAt = fromNullMS(nextRetryMS)
	run.CreatedAt = fromMS(createdMS)
	return &run, nil
}
