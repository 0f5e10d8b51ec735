package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueJobs inserts all jobs in one transaction: either the whole batch is
// queued or none of it is.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing enqueue statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, job := range jobs {
		runAfter := now
		if !job.RunAfter.IsZero() {
			runAfter = formatTime(job.RunAfter)
		}
		maxAttempts := job.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		if _, err := stmt.ExecContext(ctx, job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now); err != nil {
			return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

// EnqueueJob queues a single job.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	return s.EnqueueJobs(ctx, []Job{job})
}

// ClaimNextJob leases the oldest visible job of one of the given types for
// the visibility duration. A running job whose lease has expired is visible
// again, which gives at-least-once delivery when a worker dies mid-job.
func (s *Store) ClaimNextJob(ctx context.Context, types []string, visibility time.Duration) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	nowT := time.Now().UTC()
	now := formatTime(nowT)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status IN ('pending', 'running') AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := nowT.Add(visibility)
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', run_after = ?, updated_at = ?
		WHERE id = ? AND run_after = ?`, formatTime(leaseUntil), now, j.ID, runAfter)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	j.RunAfter = leaseUntil
	j.UpdatedAt = nowT
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	return expectOneRow(res, err)
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts is reached, after which it is marked failed and
// terminal is true.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (terminal bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		terminal = true
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}
	if err != nil {
		return false, err
	}

	return terminal, tx.Commit()
}

// JobCounts returns the number of jobs per status for the given type.
func (s *Store) JobCounts(ctx context.Context, jobType string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE type = ? GROUP BY status`, jobType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
