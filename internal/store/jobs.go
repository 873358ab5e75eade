// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, type, payload, priority, status, execute_at_ms, retry_count,
	worker_id, started_at_ms, last_error, created_at_ms`

// EnqueueJob inserts a pending job executable after the given delay.
func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload []byte, priority int, delay time.Duration) (string, error) {
	if priority < 0 {
		priority = 0
	}
	if priority > 3 {
		priority = 3
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO job_queue (id, type, payload, priority, status, execute_at_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, 'pending', `+nowExpr+` + ?, `+nowExpr+`)`,
		id, jobType, string(payload), priority, delay.Milliseconds())
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// ClaimNextJob picks the single highest-priority due pending job under the
// write lock and marks it processing for workerID. Returns nil when the
// queue is empty. FIFO within a priority, priority DESC overall.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	var job *Job
	err := s.WithImmediateTx(ctx, func(q Querier) error {
		row := q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM job_queue
			 WHERE status = 'pending' AND execute_at_ms <= `+nowExpr+`
			 ORDER BY priority DESC, created_at_ms ASC
			 LIMIT 1`)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return classify(err)
		}
		_, err = q.ExecContext(ctx,
			`UPDATE job_queue SET status = 'processing', worker_id = ?, started_at_ms = `+nowExpr+`
			 WHERE id = ?`, workerID, j.ID)
		if err != nil {
			return classify(err)
		}
		j.Status = JobProcessing
		j.WorkerID = workerID
		job = j
		return nil
	})
	return job, err
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job_queue SET status = 'completed' WHERE id = ? AND status = 'processing'`, id)
	return classify(err)
}

// FailJob records a failed attempt. Under the retry budget the job is
// rescheduled; past it the job moves to dead (when dead-letter is enabled)
// or failed.
func (s *Store) FailJob(ctx context.Context, id, lastError string, maxRetries int, retryDelay time.Duration, deadLetter bool) error {
	return s.WithImmediateTx(ctx, func(q Querier) error {
		var retryCount int
		if err := q.QueryRowContext(ctx,
			`SELECT retry_count FROM job_queue WHERE id = ?`, id).Scan(&retryCount); err != nil {
			return classify(err)
		}
		if retryCount+1 >= maxRetries {
			terminal := "failed"
			if deadLetter {
				terminal = "dead"
			}
			_, err := q.ExecContext(ctx,
				`UPDATE job_queue SET status = ?, retry_count = retry_count + 1,
					last_error = ?, worker_id = '' WHERE id = ?`, terminal, lastError, id)
			return classify(err)
		}
		_, err := q.ExecContext(ctx,
			`UPDATE job_queue SET status = 'pending', retry_count = retry_count + 1,
				last_error = ?, worker_id = '', started_at_ms = NULL,
				execute_at_ms = `+nowExpr+` + ? WHERE id = ?`,
			lastError, retryDelay.Milliseconds(), id)
		return classify(err)
	})
}

// CancelJob cancels a pending job. Processing jobs run to completion.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE job_queue SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueStaleJobs resets processing jobs whose worker went silent for
// longer than jobTimeout back to pending.
func (s *Store) RequeueStaleJobs(ctx context.Context, jobTimeout time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE job_queue SET status = 'pending', worker_id = '', started_at_ms = NULL
		 WHERE status = 'processing' AND started_at_ms < `+nowExpr+` - ?`,
		jobTimeout.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// PurgeFinishedJobs deletes completed and failed jobs older than retention.
// Dead jobs are kept for inspection.
func (s *Store) PurgeFinishedJobs(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM job_queue
		 WHERE status IN ('completed','failed','cancelled')
		   AND created_at_ms < `+nowExpr+` - ?`, retention.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// GetJob fetches a job by ID, or nil.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return j, nil
}

// PendingJobCount reports the queue depth.
func (s *Store) PendingJobCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE status = 'pending'`).Scan(&n)
	return n, classify(err)
}

func scanJob(sc rowScanner) (*Job, error) {
	var (
		j         Job
		payload   string
		status    string
		executeMS int64
		startedMS sql.NullInt64
		createdMS int64
	)
	err := sc.Scan(&j.ID, &j.Type, &payload, &j.Priority, &status, &executeMS,
		&j.RetryCount, &j.WorkerID, &startedMS, &j.LastError, &createdMS)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	j.Status = JobStatus(status)
	j.ExecuteAt = fromMS(executeMS)
	j.StartedAt = fromNullMS(startedMS)
	j.CreatedAt = fromMS(createdMS)
	return &j, nil
}
