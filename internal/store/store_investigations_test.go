package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var investigationColumns = []string{
	"id", "protocol_id", "cluster_id", "focus", "status",
	"current_step_number", "progress", "cancel_requested", "results",
	"created_at", "updated_at",
}

func TestCreateInvestigationSmart(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO investigations (protocol_id, cluster_id, focus, status, results)
VALUES ($1, $2, $3, $4, '{}'::jsonb)
RETURNING id::text`)).
		WithArgs(nil, "cluster-1", "pods stuck pending", StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("inv-1"))

	id, err := st.CreateInvestigation(context.Background(), nil, "cluster-1", "pods stuck pending")
	if err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	if id != "inv-1" {
		t.Fatalf("expected inv-1, got %s", id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateInvestigationRequiresCluster(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.CreateInvestigation(context.Background(), nil, "", "focus"); err == nil {
		t.Fatalf("expected error for empty cluster id")
	}
}

func TestGetInvestigationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM investigations WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(investigationColumns))

	if _, err := st.GetInvestigation(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetInvestigationUnmarshalsResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	now := time.Now()
	results := `{"steps":[{"step_number":1,"description":"check pods","commands":[{"command":"get pods","output":"ok","error":false}]}],"summary":{"summary":"all healthy"}}`
	protocolID := "proto-1"
	mock.ExpectQuery(regexp.QuoteMeta(`FROM investigations WHERE id=$1`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(investigationColumns).
			AddRow("inv-1", protocolID, "cluster-1", "", StatusCompleted, 1, 100, false, []byte(results), now, now))

	inv, err := st.GetInvestigation(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("GetInvestigation: %v", err)
	}
	if inv.ProtocolID == nil || *inv.ProtocolID != "proto-1" {
		t.Fatalf("expected protocol id proto-1, got %v", inv.ProtocolID)
	}
	if len(inv.Results.Steps) != 1 || inv.Results.Steps[0].StepNumber != 1 {
		t.Fatalf("expected one parsed step, got %+v", inv.Results.Steps)
	}
	if inv.Results.Summary == nil || inv.Results.Summary.Summary != "all healthy" {
		t.Fatalf("expected parsed summary, got %+v", inv.Results.Summary)
	}
}

func TestListInvestigationsDefaultLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC
LIMIT $2`)).
		WithArgs("", 50).
		WillReturnRows(sqlmock.NewRows(investigationColumns).
			AddRow("inv-2", nil, "cluster-1", "focus", StatusPending, 0, 0, false, []byte(`{}`), now, now).
			AddRow("inv-1", nil, "cluster-1", "focus", StatusCompleted, 0, 100, false, []byte(`{}`), now, now))

	out, err := st.ListInvestigations(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListInvestigations: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 investigations, got %d", len(out))
	}
}

func TestTryStartInvestigation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	startQuery := regexp.QuoteMeta(`
UPDATE investigations SET status=$2, updated_at=NOW()
WHERE id=$1 AND status IN ($3, $2)`)

	mock.ExpectExec(startQuery).
		WithArgs("inv-1", StatusInProgress, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	started, err := st.TryStartInvestigation(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("TryStartInvestigation: %v", err)
	}
	if !started {
		t.Fatalf("expected start to succeed")
	}

	// Terminal rows match no status in the guard and report not-started.
	mock.ExpectExec(startQuery).
		WithArgs("inv-1", StatusInProgress, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	started, err = st.TryStartInvestigation(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("TryStartInvestigation second call: %v", err)
	}
	if started {
		t.Fatalf("expected terminal row to refuse start")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendStepResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE investigations
SET results = jsonb_set(results, '{steps}', COALESCE(results->'steps', '[]'::jsonb) || $2::jsonb),
    updated_at = NOW()
WHERE id=$1 AND status NOT IN ($3, $4, $5)`)).
		WithArgs("inv-1", sqlmock.AnyArg(), StatusCompleted, StatusFailed, StatusCanceled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sr := StepResult{
		StepNumber:  2,
		Description: "inspect node pressure",
		Commands:    []CommandResult{{Command: "describe nodes", Output: "MemoryPressure=False"}},
		Timestamp:   time.Now(),
	}
	if err := st.AppendStepResult(context.Background(), "inv-1", sr); err != nil {
		t.Fatalf("AppendStepResult: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishInvestigationRejectsNonTerminal(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.FinishInvestigation(context.Background(), "inv-1", StatusInProgress, nil, nil); err == nil {
		t.Fatalf("expected non-terminal status to be rejected")
	}
}

func TestFinishInvestigationCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$1 AND status NOT IN ($4, $5, $2)`)).
		WithArgs("inv-1", StatusCompleted, sqlmock.AnyArg(), StatusFailed, StatusCanceled, 100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary := &ReportSummary{Summary: "disk pressure on node-3", Issues: []string{"disk pressure"}}
	if err := st.FinishInvestigation(context.Background(), "inv-1", StatusCompleted, summary, nil); err != nil {
		t.Fatalf("FinishInvestigation: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRequestCancelPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM investigations WHERE id=$1 FOR UPDATE`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusPending))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE investigations SET status=$2, cancel_requested=TRUE, results = results || $3::jsonb, updated_at=NOW()
WHERE id=$1`)).
		WithArgs("inv-1", StatusCanceled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, err := st.RequestCancel(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRequestCancelInProgressSetsFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM investigations WHERE id=$1 FOR UPDATE`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusInProgress))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE investigations SET cancel_requested=TRUE, updated_at=NOW() WHERE id=$1`)).
		WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, err := st.RequestCancel(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRequestCancelTerminalIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM investigations WHERE id=$1 FOR UPDATE`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusCompleted))
	mock.ExpectCommit()

	status, err := st.RequestCancel(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected COMPLETED to pass through, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
