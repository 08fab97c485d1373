package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/probeops/inquest/internal/engine"
	"github.com/probeops/inquest/internal/execclient"
	"github.com/probeops/inquest/internal/planner"
	"github.com/probeops/inquest/internal/protocol"
	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/store"
	"github.com/probeops/inquest/internal/worker"
)

// offlinePlanner stands in for the LLM provider, which is unavailable in CI.
// Its errors push the engine onto the deterministic fallbacks.
type offlinePlanner struct{}

func (offlinePlanner) NextCommand(context.Context, string, []store.StepResult, int, int) (planner.PlannedCommand, error) {
	return planner.PlannedCommand{}, fmt.Errorf("llm provider offline")
}

func (offlinePlanner) FinalReport(context.Context, string, []store.StepResult) (store.ReportSummary, error) {
	return store.ReportSummary{}, fmt.Errorf("llm provider offline")
}

type offlineSummarizer struct{}

func (offlineSummarizer) Summarize(context.Context, int, []store.CommandResult) (planner.StepSummary, error) {
	return planner.StepSummary{}, fmt.Errorf("llm provider offline")
}

func TestWorkerRunsProtocolInvestigation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgUser := "inquest"
	pgPassword := "inquest"
	pgDB := "inquest"

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase(pgDB),
		tcPostgres.WithUsername(pgUser),
		tcPostgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, pgHost, pgPort.Port(), pgDB)
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	// Fake cluster execution endpoint.
	execSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command []string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		joined := strings.Join(req.Command, " ")
		output := "NAME    STATUS   AGE\nnode-1  Ready    12d"
		if strings.Contains(joined, "pods") {
			output = "NAMESPACE  NAME     READY  STATUS\ndefault    web-0    1/1    Running"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"command": joined, "output": output})
	}))
	defer execSrv.Close()

	clusterID, err := st.CreateCluster(ctx, "integration-cluster", execSrv.URL, "")
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	proto := &protocol.Protocol{
		Name: "node health sweep",
		Steps: []protocol.Step{
			{
				Number:   1,
				Title:    "Check node status",
				Commands: []protocol.Command{{Template: "kubectl get nodes", ReadOnly: true, Order: 1}},
			},
			{
				Number:   2,
				Title:    "Check workload pods",
				Commands: []protocol.Command{{Template: "kubectl get pods -A", ReadOnly: true, Order: 1}},
			},
		},
	}
	protoID, _, err := st.CreateProtocol(ctx, proto)
	if err != nil {
		t.Fatalf("create protocol: %v", err)
	}

	invID, err := st.CreateInvestigation(ctx, &protoID, clusterID, "")
	if err != nil {
		t.Fatalf("create investigation: %v", err)
	}
	jobID, err := st.CreateJob(ctx, invID, clusterID, store.JobKindProtocol, 3)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		t.Fatalf("register schemas: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = redisClient.Close() }()

	if err := streams.EnsureGroup(ctx, redisClient, streams.StreamInvestigationEnqueued, worker.ConsumerGroup); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	publisher := streams.NewPublisher(redisClient, registry)
	payload := streams.EnqueuedPayload{
		JobID:           jobID,
		InvestigationID: invID,
		ClusterID:       clusterID,
		Kind:            store.JobKindProtocol,
		Trigger:         "manual",
		MaxAttempts:     3,
	}
	if _, err := publisher.PublishRaw(ctx, streams.StreamInvestigationEnqueued, streams.EventInvestigationEnqueued, worker.PayloadVersion, payload); err != nil {
		t.Fatalf("publish job: %v", err)
	}

	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	events := worker.NewEventPublisher(logger, publisher, st)
	eng := engine.New(logger, st, execclient.New(5*time.Second), offlinePlanner{}, offlineSummarizer{}, engine.Options{
		OnProgress: events.Progress,
	})
	consumer := streams.NewConsumer(redisClient, registry, worker.ConsumerGroup, "consumer-1")
	leases := worker.NewLeaseManager(redisClient, 30*time.Second)
	proc := worker.NewProcessor(logger, st, eng, events, consumer, leases, worker.Options{
		Concurrency:  2,
		LeaseTTL:     30 * time.Second,
		JobRetention: time.Hour,
	}, otelnoop.NewMeterProvider().Meter("worker-test"), trace.NewNoopTracerProvider().Tracer("worker-test"))

	runCtx, cancelRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- proc.Start(runCtx)
	}()

	awaitInvestigationStatus(t, ctx, st, invID, store.StatusCompleted, 30*time.Second)

	cancelRun()
	if err := <-done; err != nil && !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("processor exit: %v", err)
	}

	inv, err := st.GetInvestigation(ctx, invID)
	if err != nil {
		t.Fatalf("get investigation: %v", err)
	}
	if inv.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", inv.Progress)
	}
	if len(inv.Results.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(inv.Results.Steps))
	}
	first := inv.Results.Steps[0]
	if len(first.Commands) != 1 || first.Commands[0].Command != "kubectl get nodes" {
		t.Fatalf("unexpected first step commands: %+v", first.Commands)
	}
	if first.Commands[0].Error {
		t.Fatalf("expected command to succeed, got output %q", first.Commands[0].Output)
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("expected job completed, got %s (last error %q)", job.Status, job.LastError)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempts)
	}

	// Two progress updates plus the terminal event.
	evLen, err := redisClient.XLen(ctx, streams.StreamInvestigationEvents).Result()
	if err != nil {
		t.Fatalf("xlen events: %v", err)
	}
	if evLen < 3 {
		t.Fatalf("expected at least 3 lifecycle events, got %d", evLen)
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	path := "../../migrations/000001_init.up.sql"
	schemaSQL, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='investigations')`).Scan(&exists); err != nil {
		return fmt.Errorf("sanity check: %w", err)
	}
	if !exists {
		return fmt.Errorf("investigations table missing after migration")
	}
	return nil
}

func awaitInvestigationStatus(t *testing.T, ctx context.Context, st *store.Store, invID, status string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inv, err := st.GetInvestigation(ctx, invID)
		if err != nil {
			t.Fatalf("get investigation: %v", err)
		}
		if inv.Status == status {
			return
		}
		if store.TerminalStatus(inv.Status) {
			t.Fatalf("investigation reached %s instead of %s: %+v", inv.Status, status, inv.Results.Error)
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("investigation did not reach %s within %s", status, timeout)
}
