// Package worker consumes investigation jobs from Redis Streams and drives
// them through the engine. The worker owns the retry policy: each job gets a
// bounded number of engine attempts with exponential backoff, and only the
// worker writes the terminal FAILED state after the last attempt. Completion
// and cancellation are finalized inside the engine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probeops/inquest/internal/engine"
	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/store"
)

// ConsumerGroup is the Redis consumer group shared by all workers.
const ConsumerGroup = "inquest-workers"

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetJob(ctx context.Context, id string) (store.Job, error)
	MarkJobRunning(ctx context.Context, id string) error
	SetJobProgress(ctx context.Context, id string, progress int) error
	FinishJob(ctx context.Context, id, status, lastErr string) error
	RecordJobError(ctx context.Context, id, lastErr string) error
	PruneFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error)
	GetInvestigation(ctx context.Context, id string) (store.Investigation, error)
	TryStartInvestigation(ctx context.Context, id string) (bool, error)
	ResetInvestigationSteps(ctx context.Context, id string) error
	FinishInvestigation(ctx context.Context, id, status string, summary *store.ReportSummary, invErr *store.InvestigationError) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

// EngineAPI executes one investigation attempt.
type EngineAPI interface {
	Run(ctx context.Context, inv store.Investigation) error
}

// Options tunes the processor.
type Options struct {
	Concurrency     int
	RetryBackoff    time.Duration
	LeaseTTL        time.Duration
	CancelPoll      time.Duration
	JobTimeout      time.Duration
	JobRetention    time.Duration
	JanitorInterval time.Duration
}

// Processor drives job execution by consuming investigation.enqueued events.
type Processor struct {
	logger   *log.Logger
	store    StoreAPI
	engine   EngineAPI
	consumer *streams.Consumer
	events   *EventPublisher
	leases   *LeaseManager
	opts     Options

	tracer       trace.Tracer
	jobCounter   otelmetric.Int64Counter
	failCounter  otelmetric.Int64Counter
	retryCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. leases may be nil to disable the
// per-investigation execution lease.
func NewProcessor(logger *log.Logger, st StoreAPI, eng EngineAPI, events *EventPublisher, cons *streams.Consumer, leases *LeaseManager, opts Options, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = 2 * time.Second
	}

	proc := &Processor{
		logger:   logger,
		store:    st,
		engine:   eng,
		consumer: cons,
		events:   events,
		leases:   leases,
		opts:     opts,
		tracer:   tracer,
	}
	if meter != nil {
		var err error
		proc.jobCounter, err = meter.Int64Counter("worker_jobs_processed")
		if err != nil {
			logger.Printf("warn: create job counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_jobs_failed")
		if err != nil {
			logger.Printf("warn: create failure counter failed: %v", err)
		}
		proc.retryCounter, err = meter.Int64Counter("worker_attempt_retries")
		if err != nil {
			logger.Printf("warn: create retry counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing investigation.enqueued events until
// the context is cancelled. Jobs run on a bounded pool; in-flight jobs are
// drained before Start returns.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s with concurrency %d",
		streams.StreamInvestigationEnqueued, p.opts.Concurrency)
	go p.runJanitor(ctx)

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			wg.Wait()
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, streams.StreamInvestigationEnqueued,
			streams.WithBlock(5*time.Second), streams.WithCount(int64(p.opts.Concurrency)))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(msg streams.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				p.process(ctx, msg)
			}(msg)
		}
	}
}

// process handles one delivery and settles its acknowledgement.
func (p *Processor) process(ctx context.Context, msg streams.Message) {
	ack, err := p.handleEnqueued(ctx, msg)
	if err != nil {
		p.logger.Printf("error handling job message %s: %v", msg.ID, err)
	}
	if !ack {
		return
	}
	// Ack with a fresh context so a shutdown between handling and ack does
	// not leave a fully-processed message pending.
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.consumer.Ack(ackCtx, streams.StreamInvestigationEnqueued, msg.ID); err != nil {
		p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
	}
}

// handleEnqueued runs one job delivery end to end. The returned bool reports
// whether the message should be acknowledged: false leaves it pending for a
// redelivery (lease held elsewhere, or shutdown mid-attempt).
func (p *Processor) handleEnqueued(ctx context.Context, msg streams.Message) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_job")
	defer span.End()

	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return false, fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		return true, nil
	}

	var payload streams.EnqueuedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return true, fmt.Errorf("unmarshal job payload: %w", err)
	}

	job, err := p.store.GetJob(ctx, payload.JobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Printf("job %s not found; dropping event %s", payload.JobID, msg.Envelope.EventID)
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	switch job.Status {
	case store.JobStatusCompleted, store.JobStatusFailed, store.JobStatusCanceled:
		p.logger.Printf("job %s already %s; dropping event", job.ID, job.Status)
		return true, nil
	}

	inv, err := p.store.GetInvestigation(ctx, job.InvestigationID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Printf("investigation %s missing for job %s", job.InvestigationID, job.ID)
		if err := p.store.FinishJob(ctx, job.ID, store.JobStatusFailed, "investigation not found"); err != nil {
			p.logger.Printf("warn: finish orphaned job %s: %v", job.ID, err)
		}
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("load investigation %s: %w", job.InvestigationID, err)
	}
	if store.TerminalStatus(inv.Status) {
		p.logger.Printf("investigation %s already %s; dropping job %s", inv.ID, inv.Status, job.ID)
		if err := p.store.FinishJob(ctx, job.ID, jobStatusFor(inv.Status), ""); err != nil {
			p.logger.Printf("warn: finish stale job %s: %v", job.ID, err)
		}
		return true, nil
	}

	if p.leases != nil {
		lease, ok, err := p.leases.Acquire(ctx, inv.ID)
		if err != nil {
			return true, fmt.Errorf("acquire lease for %s: %w", inv.ID, err)
		}
		if !ok {
			p.logger.Printf("investigation %s is leased elsewhere; leaving message %s pending", inv.ID, msg.ID)
			return false, nil
		}
		stop := lease.KeepAlive(ctx, p.logger)
		defer stop()
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				p.logger.Printf("warn: release lease for %s: %v", inv.ID, err)
			}
		}()
	}

	if err := p.runJob(ctx, job, inv); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-attempt: leave the delivery pending so the
			// janitor's reclaim loop picks it up on another worker.
			return false, err
		}
		return true, err
	}
	return true, nil
}

// runJob executes the attempt loop for one job. The engine finalizes
// COMPLETED and CANCELED itself; this loop only writes FAILED, and only
// after the last attempt.
func (p *Processor) runJob(ctx context.Context, job store.Job, inv store.Investigation) error {
	if err := p.store.MarkJobRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	p.events.Track(inv.ID, job.ID)
	defer p.events.Untrack(inv.ID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := p.watchCancel(runCtx, inv.ID, cancel)
	defer stopWatch()

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(runCtx, p.opts.RetryBackoff*(1<<(attempt-2))); err != nil {
				break
			}
			if err := p.store.ResetInvestigationSteps(runCtx, inv.ID); err != nil {
				lastErr = fmt.Errorf("reset before attempt %d: %w", attempt, err)
				break
			}
			if p.retryCounter != nil {
				p.retryCounter.Add(ctx, 1)
			}
		}

		started, err := p.store.TryStartInvestigation(runCtx, inv.ID)
		if err != nil {
			lastErr = fmt.Errorf("start investigation: %w", err)
			continue
		}
		if !started {
			// Reached a terminal state since we loaded it (e.g. canceled
			// while queued behind the lease). Settle the job accordingly.
			return p.settleJob(job, inv.ID, attempt)
		}

		runErr := p.runAttempt(runCtx, inv)
		if runErr == nil {
			return p.settleJob(job, inv.ID, attempt)
		}
		if errors.Is(runErr, context.DeadlineExceeded) && runCtx.Err() == nil {
			runErr = fmt.Errorf("attempt timed out after %s: %w", p.opts.JobTimeout, runErr)
		}
		lastErr = runErr
		p.logger.Printf("investigation %s attempt %d/%d failed: %v", inv.ID, attempt, maxAttempts, runErr)
		if err := p.store.RecordJobError(context.Background(), job.ID, runErr.Error()); err != nil {
			p.logger.Printf("warn: record job error for %s: %v", job.ID, err)
		}
		if runCtx.Err() != nil {
			// Interrupted rather than failed; do not burn the remaining
			// attempts or write a terminal state.
			return runErr
		}
	}

	msg := "investigation failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	invErr := &store.InvestigationError{Message: msg, Timestamp: time.Now().UTC()}
	if err := p.store.FinishInvestigation(context.Background(), inv.ID, store.StatusFailed, nil, invErr); err != nil {
		p.logger.Printf("warn: mark investigation %s failed: %v", inv.ID, err)
	}
	if err := p.store.FinishJob(context.Background(), job.ID, store.JobStatusFailed, msg); err != nil {
		p.logger.Printf("warn: finish job %s: %v", job.ID, err)
	}
	p.events.Completed(inv.ID, job.ID, store.StatusFailed, "", msg, maxAttempts)
	if p.failCounter != nil {
		p.failCounter.Add(ctx, 1)
	}
	p.logger.Printf("investigation %s failed after %d attempts: %s", inv.ID, maxAttempts, msg)
	return nil
}

// runAttempt executes one engine attempt under the per-job soft timeout. A
// timed-out attempt surfaces context.DeadlineExceeded while the job context
// stays live, so it counts against the retry budget like any other failure.
func (p *Processor) runAttempt(ctx context.Context, inv store.Investigation) error {
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}
	return p.engine.Run(ctx, inv)
}

// settleJob finishes the job row to match the investigation's terminal state
// and publishes the terminal event.
func (p *Processor) settleJob(job store.Job, invID string, attempts int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := store.StatusCompleted
	summary := ""
	errMsg := ""
	latest, err := p.store.GetInvestigation(ctx, invID)
	if err != nil {
		p.logger.Printf("warn: read back investigation %s: %v", invID, err)
	} else {
		status = latest.Status
		if latest.Results.Summary != nil {
			summary = latest.Results.Summary.Summary
		}
		if latest.Results.Error != nil {
			errMsg = latest.Results.Error.Message
		}
	}

	if err := p.store.FinishJob(ctx, job.ID, jobStatusFor(status), errMsg); err != nil {
		p.logger.Printf("warn: finish job %s: %v", job.ID, err)
	}
	p.events.Completed(invID, job.ID, status, summary, errMsg, attempts)
	if p.jobCounter != nil {
		p.jobCounter.Add(ctx, 1)
	}
	p.logger.Printf("job %s settled: investigation %s %s after %d attempt(s)", job.ID, invID, status, attempts)
	return nil
}

// watchCancel polls the cancel_requested flag and cancels the run context
// with ErrCancelRequested when a user asked for the investigation to stop.
// The returned func stops the watcher and waits for it to exit.
func (p *Processor) watchCancel(ctx context.Context, invID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.opts.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				requested, err := p.store.IsCancelRequested(ctx, invID)
				if err != nil {
					if ctx.Err() == nil {
						p.logger.Printf("warn: cancel poll for %s: %v", invID, err)
					}
					continue
				}
				if requested {
					p.logger.Printf("cancel requested for investigation %s", invID)
					cancel(engine.ErrCancelRequested)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// jobStatusFor maps an investigation's terminal status onto the job row.
func jobStatusFor(invStatus string) string {
	switch invStatus {
	case store.StatusCanceled:
		return store.JobStatusCanceled
	case store.StatusFailed:
		return store.JobStatusFailed
	default:
		return store.JobStatusCompleted
	}
}

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
