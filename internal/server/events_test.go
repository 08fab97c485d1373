package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/store"
)

func TestEventsFeedNewestFirstAndBounded(t *testing.T) {
	feed := NewEventsFeed(3)
	for i := 1; i <= 5; i++ {
		feed.Add(EventRecord{EventID: fmt.Sprintf("ev-%d", i)})
	}
	recent := feed.Recent()
	if len(recent) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(recent))
	}
	if recent[0].EventID != "ev-5" || recent[2].EventID != "ev-3" {
		t.Fatalf("unexpected order: %+v", recent)
	}
}

func lifecycleMessage(t *testing.T, eventType string, payload interface{}) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "ev-" + eventType,
			EventType:      eventType,
			OccurredAt:     time.Now().UTC(),
			PayloadVersion: streams.PayloadVersion,
			Data:           data,
		},
	}
}

func TestEventsConsumerHandleBuffersLifecycle(t *testing.T) {
	feed := NewEventsFeed(10)
	ec := NewEventsConsumer(nil, nil, nil, nil, feed)

	ec.handle(context.Background(), lifecycleMessage(t, streams.EventInvestigationProgress,
		streams.ProgressPayload{InvestigationID: "inv-1", JobID: "job-1", Progress: 40}))
	ec.handle(context.Background(), lifecycleMessage(t, streams.EventInvestigationCompleted,
		streams.CompletedPayload{InvestigationID: "inv-1", JobID: "job-1", Status: store.StatusFailed, Error: "exhausted attempts"}))

	recent := feed.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].Status != store.StatusFailed || recent[0].Error != "exhausted attempts" {
		t.Fatalf("completed event not mapped: %+v", recent[0])
	}
	if recent[1].Progress != 40 || recent[1].InvestigationID != "inv-1" {
		t.Fatalf("progress event not mapped: %+v", recent[1])
	}
}

func TestEventsConsumerIgnoresUnknownEventTypes(t *testing.T) {
	feed := NewEventsFeed(10)
	ec := NewEventsConsumer(nil, nil, nil, nil, feed)

	ec.handle(context.Background(), lifecycleMessage(t, "investigation.unknown",
		map[string]string{"investigation_id": "inv-1"}))
	if got := len(feed.Recent()); got != 0 {
		t.Fatalf("expected unknown event dropped, buffered %d", got)
	}
}

func TestEventsHandlerServesRecent(t *testing.T) {
	feed := NewEventsFeed(10)
	feed.Add(EventRecord{EventID: "ev-1", EventType: streams.EventInvestigationProgress, InvestigationID: "inv-1", Progress: 10})
	h := &EventsHandler{Feed: feed}

	ctx, rec := newTestContext(t, http.MethodGet, "/api/events", "")
	if err := h.recent(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []EventRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "ev-1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
