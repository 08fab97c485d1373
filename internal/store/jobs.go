package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateJob inserts a queued job row for an investigation attempt series.
func (s *Store) CreateJob(ctx context.Context, investigationID, clusterID, kind string, maxAttempts int) (string, error) {
	if investigationID == "" || clusterID == "" {
		return "", fmt.Errorf("investigation_id and cluster_id must be provided")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO jobs (investigation_id, cluster_id, kind, status, max_attempts)
VALUES ($1,$2,$3,$4,$5)
RETURNING id::text`, investigationID, clusterID, kind, JobStatusQueued, maxAttempts).Scan(&id)
	return id, err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, investigation_id::text, cluster_id::text, kind, status, attempts,
       max_attempts, progress, COALESCE(last_error,''), enqueued_at, started_at, finished_at
FROM jobs WHERE id=$1`, id).
		Scan(&j.ID, &j.InvestigationID, &j.ClusterID, &j.Kind, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.Progress, &j.LastError, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// MarkJobRunning records the start of an attempt and bumps the attempt count.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE jobs SET status=$2, attempts = attempts + 1,
       started_at = COALESCE(started_at, NOW())
WHERE id=$1`, id, JobStatusRunning)
	return err
}

func (s *Store) SetJobProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET progress=$2 WHERE id=$1`, id, progress)
	return err
}

// FinishJob writes the job's terminal state. lastErr may be empty.
func (s *Store) FinishJob(ctx context.Context, id, status, lastErr string) error {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
	default:
		return fmt.Errorf("status %q is not terminal for a job", status)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE jobs SET status=$2, last_error=NULLIF($3,''), finished_at=NOW(),
       progress = CASE WHEN $2 = $4 THEN 100 ELSE progress END
WHERE id=$1`, id, status, lastErr, JobStatusCompleted)
	return err
}

func (s *Store) RecordJobError(ctx context.Context, id, lastErr string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET last_error=$2 WHERE id=$1`, id, lastErr)
	return err
}

// CancelQueuedJobs settles still-queued jobs for an investigation that was
// canceled before any worker picked it up. Running jobs are left alone; the
// worker holding them observes the cancel flag and settles them itself.
func (s *Store) CancelQueuedJobs(ctx context.Context, investigationID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE jobs SET status=$2, finished_at=NOW()
WHERE investigation_id=$1 AND status=$3`,
		investigationID, JobStatusCanceled, JobStatusQueued)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneFinishedJobs deletes terminal jobs older than the cutoff. Finished
// jobs are retained for a bounded observability window, then dropped.
func (s *Store) PruneFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ($1,$2,$3) AND finished_at IS NOT NULL AND finished_at < $4`,
		JobStatusCompleted, JobStatusFailed, JobStatusCanceled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimIdempotency records a processed event key; false means another
// consumer already claimed it and the event should be skipped.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`,
		scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ---- schedules ----

func (s *Store) CreateSchedule(ctx context.Context, name, protocolID, clusterID, cronExpr string) (string, error) {
	if name == "" || protocolID == "" || clusterID == "" || cronExpr == "" {
		return "", fmt.Errorf("name, protocol_id, cluster_id and cron_expr must be provided")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO schedules (name, protocol_id, cluster_id, cron_expr, enabled)
VALUES ($1,$2,$3,$4,TRUE)
RETURNING id::text`, name, protocolID, clusterID, cronExpr).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, name, protocol_id::text, cluster_id::text, cron_expr, enabled, last_run_at, created_at
FROM schedules
WHERE NOT $1 OR enabled
ORDER BY created_at`, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.ProtocolID, &sc.ClusterID, &sc.CronExpr,
			&sc.Enabled, &sc.LastRunAt, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE schedules SET enabled=$2 WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=$2 WHERE id=$1`, id, at)
	return err
}
