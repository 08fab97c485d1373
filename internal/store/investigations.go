package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateInvestigation inserts a PENDING investigation. Exactly one of
// protocolID/focus is set: protocol-driven runs pin a protocol id, smart
// runs carry a free-text focus.
func (s *Store) CreateInvestigation(ctx context.Context, protocolID *string, clusterID, focus string) (string, error) {
	if clusterID == "" {
		return "", fmt.Errorf("cluster_id must be provided")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO investigations (protocol_id, cluster_id, focus, status, results)
VALUES ($1, $2, $3, $4, '{}'::jsonb)
RETURNING id::text`, protocolID, clusterID, focus, StatusPending).Scan(&id)
	return id, err
}

func (s *Store) GetInvestigation(ctx context.Context, id string) (Investigation, error) {
	var (
		inv         Investigation
		resultsJSON []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, protocol_id::text, cluster_id::text, COALESCE(focus,''), status,
       current_step_number, progress, cancel_requested, results, created_at, updated_at
FROM investigations WHERE id=$1`, id).
		Scan(&inv.ID, &inv.ProtocolID, &inv.ClusterID, &inv.Focus, &inv.Status,
			&inv.CurrentStepNumber, &inv.Progress, &inv.CancelRequested, &resultsJSON,
			&inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return Investigation{}, ErrNotFound
	}
	if err != nil {
		return Investigation{}, err
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &inv.Results); err != nil {
			return Investigation{}, fmt.Errorf("unmarshal investigation results: %w", err)
		}
	}
	return inv, nil
}

// ListInvestigations returns recent investigations, newest first, optionally
// filtered by status.
func (s *Store) ListInvestigations(ctx context.Context, status string, limit int) ([]Investigation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, protocol_id::text, cluster_id::text, COALESCE(focus,''), status,
       current_step_number, progress, cancel_requested, results, created_at, updated_at
FROM investigations
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Investigation
	for rows.Next() {
		var (
			inv         Investigation
			resultsJSON []byte
		)
		if err := rows.Scan(&inv.ID, &inv.ProtocolID, &inv.ClusterID, &inv.Focus, &inv.Status,
			&inv.CurrentStepNumber, &inv.Progress, &inv.CancelRequested, &resultsJSON,
			&inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		if len(resultsJSON) > 0 {
			_ = json.Unmarshal(resultsJSON, &inv.Results)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// TryStartInvestigation moves PENDING to IN_PROGRESS, or confirms an
// IN_PROGRESS row (retried attempt). Returns false when the investigation is
// already terminal, so a stale queue entry can be dropped without touching it.
func (s *Store) TryStartInvestigation(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE investigations SET status=$2, updated_at=NOW()
WHERE id=$1 AND status IN ($3, $2)`, id, StatusInProgress, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetInvestigationStep records the step in flight before its commands run,
// so a concurrent status read always names it. No-op on terminal rows.
func (s *Store) SetInvestigationStep(ctx context.Context, id string, stepNumber int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE investigations SET status=$2, current_step_number=$3, updated_at=NOW()
WHERE id=$1 AND status NOT IN ($4, $5, $6)`,
		id, StatusInProgress, stepNumber, StatusCompleted, StatusFailed, StatusCanceled)
	return err
}

func (s *Store) SetInvestigationProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE investigations SET progress=$2, updated_at=NOW()
WHERE id=$1 AND status NOT IN ($3, $4, $5)`,
		id, progress, StatusCompleted, StatusFailed, StatusCanceled)
	return err
}

// AppendStepResult appends one StepResult to results.steps. Append-only:
// existing entries are never rewritten.
func (s *Store) AppendStepResult(ctx context.Context, id string, sr StepResult) error {
	payload, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE investigations
SET results = jsonb_set(results, '{steps}', COALESCE(results->'steps', '[]'::jsonb) || $2::jsonb),
    updated_at = NOW()
WHERE id=$1 AND status NOT IN ($3, $4, $5)`,
		id, payload, StatusCompleted, StatusFailed, StatusCanceled)
	return err
}

// ResetInvestigationSteps clears accumulated steps and any stale error ahead
// of a retried attempt, so a later success contains exactly one step set.
func (s *Store) ResetInvestigationSteps(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE investigations
SET results = (results - 'steps') - 'error', current_step_number = 0, progress = 0, updated_at = NOW()
WHERE id=$1 AND status NOT IN ($2, $3, $4)`,
		id, StatusCompleted, StatusFailed, StatusCanceled)
	return err
}

// FinishInvestigation writes a terminal status exactly once. Later writers
// (a slow duplicate attempt, a late cancel) hit the terminal guard and
// change nothing. Summary and invErr are merged into the results payload.
func (s *Store) FinishInvestigation(ctx context.Context, id, status string, summary *ReportSummary, invErr *InvestigationError) error {
	if !TerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	merge := map[string]interface{}{}
	if summary != nil {
		merge["summary"] = summary
	}
	if invErr != nil {
		merge["error"] = invErr
	}
	mergeJSON, err := json.Marshal(merge)
	if err != nil {
		return fmt.Errorf("marshal terminal payload: %w", err)
	}
	progress := -1
	if status == StatusCompleted {
		progress = 100
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE investigations
SET status=$2, results = results || $3::jsonb,
    progress = CASE WHEN $6 >= 0 THEN $6 ELSE progress END,
    updated_at = NOW()
WHERE id=$1 AND status NOT IN ($4, $5, $2)`,
		id, status, mergeJSON, otherTerminals(status)[0], otherTerminals(status)[1], progress)
	return err
}

// RequestCancel implements cancellation per the status machine: a PENDING
// investigation is canceled outright; an IN_PROGRESS one gets the
// cancel_requested flag for the worker's watcher. Returns the resulting
// status ("CANCELED", "IN_PROGRESS" when flagged, or the terminal status
// when nothing changed).
func (s *Store) RequestCancel(ctx context.Context, id string) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM investigations WHERE id=$1 FOR UPDATE`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	switch status {
	case StatusPending:
		payload, _ := json.Marshal(map[string]interface{}{"error": InvestigationError{
			Message:   "investigation canceled by user before execution started",
			Timestamp: time.Now().UTC(),
		}})
		if _, err := tx.ExecContext(ctx, `
UPDATE investigations SET status=$2, cancel_requested=TRUE, results = results || $3::jsonb, updated_at=NOW()
WHERE id=$1`, id, StatusCanceled, payload); err != nil {
			return "", err
		}
		status = StatusCanceled
	case StatusInProgress:
		if _, err := tx.ExecContext(ctx, `
UPDATE investigations SET cancel_requested=TRUE, updated_at=NOW() WHERE id=$1`, id); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM investigations WHERE id=$1`, id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return requested, err
}

// otherTerminals returns the two terminal statuses other than the one being
// written, for the FinishInvestigation guard.
func otherTerminals(status string) [2]string {
	all := []string{StatusCompleted, StatusFailed, StatusCanceled}
	var out [2]string
	i := 0
	for _, s := range all {
		if s != status {
			out[i] = s
			i++
		}
	}
	return out
}
