// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sitewarden/sitewarden/internal/errkind"
)

const websiteColumns = `id, name, url, active, scan_frequency, next_scan_at_ms, last_scan_at_ms,
	consecutive_failures, total_failures, last_failure_at_ms, last_error_category,
	status, retry_after_ms, notification_channels, created_at_ms`

// CreateWebsite inserts a new target and returns its ID.
func (s *Store) CreateWebsite(ctx context.Context, w *Website) (int64, error) {
	if w.ScanFrequency == "" {
		w.ScanFrequency = FreqDaily
	}
	if w.Status == "" {
		w.Status = WebsiteActive
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO websites (name, url, active, scan_frequency, next_scan_at_ms,
			consecutive_failures, total_failures, last_error_category, status,
			notification_channels, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, 0, 0, '', ?, ?, `+nowExpr+`)`,
		w.Name, w.URL, boolInt(w.Active), string(w.ScanFrequency),
		nullMS(w.NextScanAt), string(w.Status), marshalJSON(w.NotificationChannels))
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// GetWebsite fetches a target by ID. Returns (nil, nil) if absent.
func (s *Store) GetWebsite(ctx context.Context, id int64) (*Website, error) {
	return scanWebsite(s.DB.QueryRowContext(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE id = ?`, id))
}

// ListWebsites returns all targets ordered by creation.
func (s *Store) ListWebsites(ctx context.Context) ([]*Website, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+websiteColumns+` FROM websites ORDER BY created_at_ms ASC, id ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Website
	for rows.Next() {
		w, err := scanWebsiteRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DueWebsites runs the prioritized due-target selection:
// active targets whose next scan instant has passed (or was never set),
// excluding manual-frequency targets and anything with a running scan
// started within the last hour. Never-scheduled targets sort first, then
// oldest next_scan_at, then oldest created_at.
func (s *Store) DueWebsites(ctx context.Context, limit int) ([]*Website, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+websiteColumns+` FROM websites w
		 WHERE w.active = 1
		   AND w.status = 'active'
		   AND w.scan_frequency != 'manual'
		   AND (w.next_scan_at_ms IS NULL OR w.next_scan_at_ms <= `+nowExpr+`)
		   AND NOT EXISTS (
			SELECT 1 FROM scan_results sr
			WHERE sr.website_id = w.id
			  AND sr.status = 'running'
			  AND sr.started_at_ms > `+nowExpr+` - 3600000)
		 ORDER BY CASE WHEN w.next_scan_at_ms IS NULL THEN 0 ELSE 1 END,
			w.next_scan_at_ms ASC, w.created_at_ms ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Website
	for rows.Next() {
		w, err := scanWebsiteRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// markWebsiteSuccess resets the failure counter and advances the schedule.
// Runs on the caller's transaction so the counter reset commits with the
// terminal ScanRun state.
func markWebsiteSuccess(ctx context.Context, q Querier, id int64, now time.Time, next time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE websites SET
			last_scan_at_ms = ?,
			consecutive_failures = 0,
			next_scan_at_ms = ?,
			last_error_category = ''
		 WHERE id = ?`,
		toMS(now), nullMS(next), id)
	return classify(err)
}

// markWebsiteFailure bumps the failure counters and records the category.
func markWebsiteFailure(ctx context.Context, q Querier, id int64, now time.Time, category string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE websites SET
			consecutive_failures = consecutive_failures + 1,
			total_failures = total_failures + 1,
			last_failure_at_ms = ?,
			last_error_category = ?
		 WHERE id = ?`,
		toMS(now), category, id)
	return classify(err)
}

// scheduleWebsiteRetry sets the next attempt instant after a retryable failure.
func scheduleWebsiteRetry(ctx context.Context, q Querier, id int64, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE websites SET next_scan_at_ms = ? WHERE id = ?`, toMS(at), id)
	return classify(err)
}

// parkWebsiteForReview moves the target to failed_review until retryAfter.
func parkWebsiteForReview(ctx context.Context, q Querier, id int64, retryAfter time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE websites SET status = 'failed_review', retry_after_ms = ? WHERE id = ?`,
		toMS(retryAfter), id)
	return classify(err)
}

// ReinstateWebsite returns a failed_review target to active rotation.
// Admin surface entry point; also used by tests.
func (s *Store) ReinstateWebsite(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE websites SET status = 'active', retry_after_ms = NULL,
			consecutive_failures = 0 WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.Newf(errkind.KindUnprocessable, "website %d not found", id)
	}
	return nil
}

// ResetStaleFailureCounters clears consecutive_failures on targets whose
// last failure predates the cutoff. Part of dispatcher maintenance.
func (s *Store) ResetStaleFailureCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE websites SET consecutive_failures = 0
		 WHERE consecutive_failures > 0
		   AND last_failure_at_ms IS NOT NULL
		   AND last_failure_at_ms < ?`, toMS(cutoff))
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebsite(row *sql.Row) (*Website, error) {
	w, err := scanWebsiteFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

func scanWebsiteRows(rows *sql.Rows) (*Website, error) {
	return scanWebsiteFrom(rows)
}

func scanWebsiteFrom(sc rowScanner) (*Website, error) {
	var (
		w                                      Website
		active                                 int
		freq, status, category                 string
		nextScan, lastScan, lastFail, retryAft sql.NullInt64
		channels                               []byte
		createdAt                              int64
	)
	err := sc.Scan(&w.ID, &w.Name, &w.URL, &active, &freq, &nextScan, &lastScan,
		&w.ConsecutiveFailures, &w.TotalFailures, &lastFail, &category,
		&status, &retryAft, &channels, &createdAt)
	if err != nil {
		return nil, err
	}
	w.Active = active != 0
	w.ScanFrequency = ScanFrequency(freq)
	w.NextScanAt = fromNullMS(nextScan)
	w.LastScanAt = fromNullMS(lastScan)
	w.LastFailureAt = fromNullMS(lastFail)
	w.LastErrorCategory = category
	w.Status = WebsiteStatus(status)
	w.RetryAfter = fromNullMS(retryAft)
	w.NotificationChannels = unmarshalStringMap(channels)
	w.CreatedAt = fromMS(createdAt)
	return &w, nil
}

// EnabledTestsForWebsite joins website_test_config with available_tests and
// returns the enabled probe configurations for the target.
func (s *Store) EnabledTestsForWebsite(ctx context.Context, websiteID int64) ([]TestConfig, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT at.name, wtc.timeout_ms, wtc.retry_count, wtc.invert_result,
			at.critical, at.default_severity, wtc.config
		 FROM website_test_config wtc
		 JOIN available_tests at ON at.name = wtc.test_name
		 WHERE wtc.website_id = ? AND wtc.enabled = 1 AND at.enabled = 1
		 ORDER BY at.name`, websiteID)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []TestConfig
	for rows.Next() {
		var (
			tc               TestConfig
			timeoutMS        int64
			invert, critical int
			severity         string
			cfg              []byte
		)
		if err := rows.Scan(&tc.ProbeName, &timeoutMS, &tc.RetryCount, &invert,
			&critical, &severity, &cfg); err != nil {
			return nil, err
		}
		tc.Enabled = true
		tc.Timeout = time.Duration(timeoutMS) * time.Millisecond
		tc.InvertResult = invert != 0
		tc.Critical = critical != 0
		tc.Severity = Severity(severity)
		tc.Config = unmarshalAnyMap(cfg)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ConfigureWebsiteTest upserts a per-website probe configuration row.
func (s *Store) ConfigureWebsiteTest(ctx context.Context, websiteID int64, tc TestConfig) error {
	if tc.ProbeName == "" {
		return errkind.Newf(errkind.KindUnprocessable, "probe name required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO website_test_config
			(website_id, test_name, enabled, timeout_ms, retry_count, invert_result, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(website_id, test_name) DO UPDATE SET
			enabled = excluded.enabled,
			timeout_ms = excluded.timeout_ms,
			retry_count = excluded.retry_count,
			invert_result = excluded.invert_result,
			config = excluded.config`,
		websiteID, tc.ProbeName, boolInt(tc.Enabled), tc.Timeout.Milliseconds(),
		tc.RetryCount, boolInt(tc.InvertResult), marshalJSON(tc.Config))
	if err != nil {
		return fmt.Errorf("configure test %s for website %d: %w", tc.ProbeName, websiteID, classify(err))
	}
	return nil
}
