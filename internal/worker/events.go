package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/probeops/inquest/internal/queue/streams"
)

// PayloadVersion is the schema version stamped on all lifecycle events.
const PayloadVersion = streams.PayloadVersion

// lifecycleMaxLen caps the investigation.events stream; Redis trims it
// approximately so consumers that fall far behind lose the oldest events
// rather than exhausting memory.
const lifecycleMaxLen = 10000

// EventSink publishes enveloped events onto a Redis stream.
type EventSink interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

var _ EventSink = (*streams.Publisher)(nil)

// JobProgressStore mirrors investigation progress onto the owning job row.
type JobProgressStore interface {
	SetJobProgress(ctx context.Context, id string, progress int) error
}

// EventPublisher fans investigation lifecycle changes out to the
// investigation.events stream and keeps the jobs table's progress column in
// step. Progress matches the engine's progress hook signature, so the engine
// reports percentages without knowing jobs or streams exist.
type EventPublisher struct {
	logger *log.Logger
	sink   EventSink
	store  JobProgressStore

	// jobs maps investigation ID to the job currently running it.
	jobs sync.Map
}

// NewEventPublisher constructs an EventPublisher. sink may be nil, in which
// case only the job progress mirror is maintained.
func NewEventPublisher(logger *log.Logger, sink EventSink, st JobProgressStore) *EventPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &EventPublisher{logger: logger, sink: sink, store: st}
}

// Track associates an investigation with the job executing it. Progress calls
// for untracked investigations still publish, just without a job reference.
func (e *EventPublisher) Track(invID, jobID string) {
	if e == nil {
		return
	}
	e.jobs.Store(invID, jobID)
}

// Untrack drops the investigation-to-job association.
func (e *EventPublisher) Untrack(invID string) {
	if e == nil {
		return
	}
	e.jobs.Delete(invID)
}

func (e *EventPublisher) jobFor(invID string) string {
	if v, ok := e.jobs.Load(invID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Progress records a progress percentage for an investigation. It is called
// from inside an engine attempt whose context may already be cancelled, so it
// uses its own short-lived context.
func (e *EventPublisher) Progress(invID string, progress int) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID := e.jobFor(invID)
	if jobID != "" && e.store != nil {
		if err := e.store.SetJobProgress(ctx, jobID, progress); err != nil {
			e.logger.Printf("warn: mirror progress for job %s: %v", jobID, err)
		}
	}
	if e.sink == nil {
		return
	}
	payload := streams.ProgressPayload{
		InvestigationID: invID,
		JobID:           jobID,
		Progress:        progress,
	}
	_, err := e.sink.PublishRaw(ctx, streams.StreamInvestigationEvents,
		streams.EventInvestigationProgress, PayloadVersion, payload,
		streams.WithMaxLenApprox(lifecycleMaxLen))
	if err != nil {
		e.logger.Printf("warn: publish progress for %s: %v", invID, err)
	}
}

// Completed publishes the terminal lifecycle event for an investigation.
func (e *EventPublisher) Completed(invID, jobID, status, summary, errMsg string, attempts int) {
	if e == nil || e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := streams.CompletedPayload{
		InvestigationID: invID,
		JobID:           jobID,
		Status:          status,
		Summary:         summary,
		Error:           errMsg,
		Attempts:        attempts,
	}
	_, err := e.sink.PublishRaw(ctx, streams.StreamInvestigationEvents,
		streams.EventInvestigationCompleted, PayloadVersion, payload,
		streams.WithMaxLenApprox(lifecycleMaxLen))
	if err != nil {
		e.logger.Printf("warn: publish completion for %s: %v", invID, err)
	}
}
