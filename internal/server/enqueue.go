package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/store"
)

// dispatchMaxLen caps the investigation.enqueued stream length.
const dispatchMaxLen = 10000

// EnqueueStore captures the store methods needed to create and dispatch an
// investigation.
type EnqueueStore interface {
	CreateInvestigation(ctx context.Context, protocolID *string, clusterID, focus string) (string, error)
	CreateJob(ctx context.Context, investigationID, clusterID, kind string, maxAttempts int) (string, error)
	FinishJob(ctx context.Context, id, status, lastErr string) error
	FinishInvestigation(ctx context.Context, id, status string, summary *store.ReportSummary, invErr *store.InvestigationError) error
}

// EventSink publishes enveloped events onto a Redis stream.
type EventSink interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

var _ EnqueueStore = (*store.Store)(nil)
var _ EventSink = (*streams.Publisher)(nil)

// Enqueuer creates an investigation plus its job row and hands the job to
// the worker pool via the dispatch stream. Both the HTTP handler and the
// cron scheduler go through it.
type Enqueuer struct {
	Logger              *log.Logger
	Store               EnqueueStore
	Sink                EventSink
	ProtocolMaxAttempts int
	SmartMaxAttempts    int
}

// Enqueue records a PENDING investigation and publishes its dispatch event.
// protocolID nil means a smart investigation driven by focus. When the
// dispatch publish fails the fresh rows are settled as failed so no
// investigation lingers PENDING with nothing coming for it.
func (q *Enqueuer) Enqueue(ctx context.Context, protocolID *string, clusterID, focus, trigger string) (invID, jobID string, err error) {
	kind := store.JobKindSmart
	maxAttempts := q.SmartMaxAttempts
	if protocolID != nil {
		kind = store.JobKindProtocol
		maxAttempts = q.ProtocolMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	invID, err = q.Store.CreateInvestigation(ctx, protocolID, clusterID, focus)
	if err != nil {
		return "", "", fmt.Errorf("create investigation: %w", err)
	}
	jobID, err = q.Store.CreateJob(ctx, invID, clusterID, kind, maxAttempts)
	if err != nil {
		q.abandon(invID, "", fmt.Sprintf("create job: %v", err))
		return "", "", fmt.Errorf("create job: %w", err)
	}

	payload := streams.EnqueuedPayload{
		JobID:           jobID,
		InvestigationID: invID,
		ClusterID:       clusterID,
		Kind:            kind,
		Trigger:         trigger,
		MaxAttempts:     maxAttempts,
	}
	_, err = q.Sink.PublishRaw(ctx, streams.StreamInvestigationEnqueued,
		streams.EventInvestigationEnqueued, streams.PayloadVersion, payload,
		streams.WithMaxLenApprox(dispatchMaxLen))
	if err != nil {
		q.abandon(invID, jobID, fmt.Sprintf("publish dispatch event: %v", err))
		return "", "", fmt.Errorf("publish dispatch event: %w", err)
	}
	return invID, jobID, nil
}

// abandon settles rows created before a dispatch failure. Best effort: the
// error response already tells the caller nothing was queued.
func (q *Enqueuer) abandon(invID, jobID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if jobID != "" {
		if err := q.Store.FinishJob(ctx, jobID, store.JobStatusFailed, reason); err != nil && q.Logger != nil {
			q.Logger.Printf("warn: settle job %s after enqueue failure: %v", jobID, err)
		}
	}
	invErr := &store.InvestigationError{Message: reason, Timestamp: time.Now().UTC()}
	if err := q.Store.FinishInvestigation(ctx, invID, store.StatusFailed, nil, invErr); err != nil && q.Logger != nil {
		q.Logger.Printf("warn: settle investigation %s after enqueue failure: %v", invID, err)
	}
}
