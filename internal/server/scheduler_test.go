package server

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/probeops/inquest/internal/store"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-25 * time.Hour)
	justNow := now.Add(-time.Minute)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"daily never run", "@daily", nil, true},
		{"daily due", "@daily", &dayAgo, true},
		{"daily not due", "@daily", &hourAgo, false},
		{"hourly due", "@hourly", &hourAgo, true},
		{"hourly not due", "@hourly", &justNow, false},
		{"cron never run", "*/5 * * * *", nil, true},
		{"cron due", "*/5 * * * *", &hourAgo, true},
		{"cron not due", "0 0 1 1 *", &justNow, false},
		{"invalid falls back to daily", "not-a-cron", &dayAgo, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}

type scheduleStoreStub struct {
	mu        sync.Mutex
	schedules []store.Schedule
	touched   []string
}

func (s *scheduleStoreStub) ListSchedules(ctx context.Context, enabledOnly bool) ([]store.Schedule, error) {
	return s.schedules, nil
}

func (s *scheduleStoreStub) TouchScheduleRun(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	return nil
}

var _ ScheduleStore = (*scheduleStoreStub)(nil)

func TestSchedulerTickFiresDueSchedules(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	schedStore := &scheduleStoreStub{schedules: []store.Schedule{
		{ID: "sched-due", Name: "nightly", ProtocolID: "proto-1", ClusterID: "cluster-1", CronExpr: "@daily"},
		{ID: "sched-fresh", Name: "hourly", ProtocolID: "proto-2", ClusterID: "cluster-1", CronExpr: "@hourly", LastRunAt: &recent},
	}}

	enqStore := newEnqueueStoreStub()
	sink := &sinkStub{}
	s := &Scheduler{
		Store:    schedStore,
		Enqueuer: &Enqueuer{Store: enqStore, Sink: sink, ProtocolMaxAttempts: 3, SmartMaxAttempts: 2},
	}
	s.tick(context.Background())

	if len(sink.payloads) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(sink.payloads))
	}
	if enqStore.jobKind != store.JobKindProtocol {
		t.Fatalf("expected protocol job, got %s", enqStore.jobKind)
	}
	if len(schedStore.touched) != 1 || schedStore.touched[0] != "sched-due" {
		t.Fatalf("expected sched-due touched, got %v", schedStore.touched)
	}
}

func TestCreateScheduleValidatesCron(t *testing.T) {
	h := &SchedulesHandler{}
	ctx, _ := newTestContext(t, http.MethodPost, "/api/schedules",
		`{"name":"nightly","protocol_id":"p1","cluster_id":"c1","cron_expr":"every day sometime"}`)
	if code := httpCode(t, h.create(ctx)); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestCreateScheduleSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &SchedulesHandler{Store: &store.Store{DB: db}}

	steps := `[{"number": 1, "title": "nodes", "commands": [{"template": "kubectl get nodes", "order": 1}]}]`
	mock.ExpectQuery(`SELECT id::text, name, version, steps FROM protocols WHERE id=\$1`).
		WithArgs("proto-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "steps"}).
			AddRow("proto-1", "node-health", 1, []byte(steps)))
	mock.ExpectQuery(`SELECT id::text, name, endpoint`).
		WithArgs("cluster-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "endpoint", "token", "created_at"}).
			AddRow("cluster-1", "prod-east", "http://exec.example:9000", "", time.Now()))
	mock.ExpectQuery(`INSERT INTO schedules`).
		WithArgs("nightly", "proto-1", "cluster-1", "@daily").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sched-1"))

	ctx, rec := newTestContext(t, http.MethodPost, "/api/schedules",
		`{"name":"nightly","protocol_id":"proto-1","cluster_id":"cluster-1","cron_expr":"@daily"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
