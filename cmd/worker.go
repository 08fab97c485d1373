package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/probeops/inquest/config"
	"github.com/probeops/inquest/internal/engine"
	"github.com/probeops/inquest/internal/execclient"
	"github.com/probeops/inquest/internal/llm"
	"github.com/probeops/inquest/internal/planner"
	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/store"
	"github.com/probeops/inquest/internal/telemetry"
	"github.com/probeops/inquest/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var wrk = &cobra.Command{
		Use:   "worker",
		Short: "Run investigation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, cfg)
		},
	}
	wrk.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return wrk
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("worker store init: %w", err)
	}
	defer func() { _ = st.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("worker redis ping: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return fmt.Errorf("worker schema registry: %w", err)
	}

	tele, meter, tracer, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{
		ServiceName: "inquest-worker",
		MetricsPort: cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("worker telemetry init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(sctx); err != nil {
			logger.Printf("warn: telemetry shutdown: %v", err)
		}
	}()

	if err := streams.EnsureGroup(ctx, rdb, streams.StreamInvestigationEnqueued, worker.ConsumerGroup); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, worker.ConsumerGroup, consumerName)
	publisher := streams.NewPublisher(rdb, registry)

	// The planner is always LLM-backed; with no API key configured every call
	// errors and the engine runs on its deterministic fallbacks instead.
	provider := telemetry.InstrumentProvider(llm.NewOpenAIProvider(cfg.LLM), meter, cfg.Telemetry.CostTracking, logger)
	pl := planner.NewLLMPlanner(provider)
	sum := planner.NewLLMSummarizer(provider)

	events := worker.NewEventPublisher(logger, publisher, st)
	eng := engine.New(logger, st, execclient.New(cfg.Exec.Timeout), pl, sum, engine.Options{
		MaxSmartRounds: cfg.Engine.MaxSmartRounds,
		StepDelay:      cfg.Engine.StepDelay,
		OnProgress:     events.Progress,
	})

	leases := worker.NewLeaseManager(rdb, cfg.Worker.LeaseTTL)
	processor := worker.NewProcessor(logger, st, eng, events, consumer, leases, worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		LeaseTTL:        cfg.Worker.LeaseTTL,
		CancelPoll:      cfg.Worker.CancelPoll,
		JobTimeout:      cfg.Worker.JobTimeout,
		JobRetention:    cfg.Worker.JobRetention,
		JanitorInterval: cfg.Worker.JanitorInterval,
	}, meter, tracer)

	logger.Printf("worker %s consuming %s", consumerName, streams.StreamInvestigationEnqueued)
	return processor.Start(ctx)
}
