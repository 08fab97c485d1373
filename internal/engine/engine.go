// Package engine runs investigations: the protocol step-graph walk and the
// open-ended smart loop. An Engine executes exactly one attempt per call and
// persists results incrementally, so a status reader always sees a prefix of
// the final step list. Infrastructure errors are returned to the caller with
// the investigation left IN_PROGRESS; the caller owns the retry policy and
// the terminal FAILED write. Successful and canceled runs are finalized here.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/probeops/inquest/internal/condition"
	"github.com/probeops/inquest/internal/execclient"
	"github.com/probeops/inquest/internal/planner"
	"github.com/probeops/inquest/internal/protocol"
	"github.com/probeops/inquest/internal/store"
)

var engineTracer trace.Tracer = otel.Tracer("inquest/internal/engine")

// ErrCancelRequested is the cancellation cause set when a user asked for the
// investigation to stop. A run context canceled with this cause finalizes the
// investigation CANCELED; a context that dies any other way (worker shutdown,
// deadline) interrupts the attempt and leaves the record IN_PROGRESS so a
// later attempt can resume it.
var ErrCancelRequested = errors.New("investigation cancel requested")

// StoreAPI captures the store methods required by the engine.
type StoreAPI interface {
	GetProtocol(ctx context.Context, id string) (*protocol.Protocol, error)
	GetCluster(ctx context.Context, id string) (store.Cluster, error)
	SetInvestigationStep(ctx context.Context, id string, stepNumber int) error
	SetInvestigationProgress(ctx context.Context, id string, progress int) error
	AppendStepResult(ctx context.Context, id string, sr store.StepResult) error
	FinishInvestigation(ctx context.Context, id, status string, summary *store.ReportSummary, invErr *store.InvestigationError) error
}

// Options tunes a single Engine instance.
type Options struct {
	MaxSmartRounds int
	StepDelay      time.Duration
	// OnProgress is invoked after every persisted progress update, e.g. to
	// publish lifecycle events. May be nil.
	OnProgress func(investigationID string, progress int)
}

// Engine executes investigation bodies against a cluster.
type Engine struct {
	logger     *log.Logger
	store      StoreAPI
	runner     execclient.Runner
	cond       *condition.Evaluator
	planner    planner.Planner
	summarizer planner.Summarizer

	maxSmartRounds int
	stepDelay      time.Duration
	onProgress     func(string, int)
}

// New constructs an Engine.
func New(logger *log.Logger, st StoreAPI, runner execclient.Runner, pl planner.Planner, sum planner.Summarizer, opts Options) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	rounds := opts.MaxSmartRounds
	if rounds <= 0 {
		rounds = 5
	}
	return &Engine{
		logger:         logger,
		store:          st,
		runner:         runner,
		cond:           condition.NewEvaluator(logger),
		planner:        pl,
		summarizer:     sum,
		maxSmartRounds: rounds,
		stepDelay:      opts.StepDelay,
		onProgress:     opts.OnProgress,
	}
}

// Run dispatches on the investigation kind: protocol walk when a protocol is
// attached, smart loop otherwise.
func (e *Engine) Run(ctx context.Context, inv store.Investigation) error {
	if inv.ProtocolID != nil && *inv.ProtocolID != "" {
		return e.RunProtocol(ctx, inv)
	}
	return e.RunSmart(ctx, inv)
}

// interrupted resolves a dead run context. A user cancel request finalizes
// the investigation CANCELED; any other interruption returns the context
// error so the caller's retry policy sees an unfinished attempt.
func (e *Engine) interrupted(ctx context.Context, id string) error {
	if errors.Is(context.Cause(ctx), ErrCancelRequested) {
		return e.finishCanceled(id)
	}
	return ctx.Err()
}

// finishCanceled marks the investigation CANCELED. The run context is already
// dead at this point, so terminal writes use a fresh context. Returns nil:
// cancellation is a clean outcome, not a retryable failure.
func (e *Engine) finishCanceled(id string) error {
	invErr := &store.InvestigationError{
		Message:   "investigation canceled by user request",
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.FinishInvestigation(context.Background(), id, store.StatusCanceled, nil, invErr); err != nil {
		e.logger.Printf("warn: failed to mark investigation %s canceled: %v", id, err)
	}
	e.logger.Printf("investigation %s canceled", id)
	return nil
}

// reportProgress persists a clamped 0-100 progress value and notifies the
// progress hook. Progress writes are observability, not state: failures are
// logged and do not abort the run.
func (e *Engine) reportProgress(ctx context.Context, id string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := e.store.SetInvestigationProgress(ctx, id, pct); err != nil {
		e.logger.Printf("warn: set progress for %s: %v", id, err)
		return
	}
	if e.onProgress != nil {
		e.onProgress(id, pct)
	}
}

// buildStepResult summarizes a command buffer into one StepResult, falling
// back to deterministic text when the summarizer fails.
func (e *Engine) buildStepResult(ctx context.Context, stepNumber int, buffer []store.CommandResult) store.StepResult {
	sum, err := e.summarizer.Summarize(ctx, stepNumber, buffer)
	if err != nil {
		e.logger.Printf("summarizer failed for step %d: %v; using fallback", stepNumber, err)
		sum = planner.FallbackStepSummary(stepNumber, buffer)
	}
	return store.StepResult{
		StepNumber:  stepNumber,
		Commands:    buffer,
		Timestamp:   time.Now().UTC(),
		Description: sum.Description,
		Summary:     sum.Summary,
	}
}

// sleepCtx waits d, returning early with the context error on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func investigationAttrs(inv store.Investigation) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("investigation.id", inv.ID),
		attribute.String("investigation.cluster_id", inv.ClusterID),
	)
}
