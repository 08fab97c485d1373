package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/search"
	"github.com/probeops/inquest/internal/store"
)

// EventsConsumerGroup is the consumer group the API server uses on the
// lifecycle stream. Separate from the worker group so both fan-outs see
// every event.
const EventsConsumerGroup = "inquest-api"

// eventFeedCapacity bounds the in-memory ring behind GET /api/events.
const eventFeedCapacity = 100

// EventsFeed is a bounded in-memory ring of recent lifecycle events.
type EventsFeed struct {
	mu     sync.Mutex
	events []EventRecord
	cap    int
}

func NewEventsFeed(capacity int) *EventsFeed {
	if capacity <= 0 {
		capacity = eventFeedCapacity
	}
	return &EventsFeed{cap: capacity}
}

func (f *EventsFeed) Add(ev EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if len(f.events) > f.cap {
		f.events = f.events[len(f.events)-f.cap:]
	}
}

// Recent returns buffered events, newest first.
func (f *EventsFeed) Recent() []EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventRecord, len(f.events))
	for i, ev := range f.events {
		out[len(f.events)-1-i] = ev
	}
	return out
}

// EventsHandler serves the recent lifecycle events buffered by the consumer.
type EventsHandler struct {
	Feed *EventsFeed
}

func (h *EventsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.recent)
}

func (h *EventsHandler) recent(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Feed.Recent())
}

// EventsConsumer tails the investigation.events stream on the API side: it
// feeds the in-memory events ring and indexes completed investigations into
// the search index.
type EventsConsumer struct {
	logger   *log.Logger
	consumer *streams.Consumer
	store    *store.Store
	index    *search.Index
	feed     *EventsFeed
}

func NewEventsConsumer(logger *log.Logger, cons *streams.Consumer, st *store.Store, index *search.Index, feed *EventsFeed) *EventsConsumer {
	if logger == nil {
		logger = log.Default()
	}
	return &EventsConsumer{logger: logger, consumer: cons, store: st, index: index, feed: feed}
}

// Run blocks, consuming lifecycle events until the context is cancelled.
func (ec *EventsConsumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := ec.consumer.Read(ctx, streams.StreamInvestigationEvents,
			streams.WithBlock(5*time.Second), streams.WithCount(32))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			ec.logger.Printf("error reading lifecycle stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		var acks []string
		for _, msg := range msgs {
			ec.handle(ctx, msg)
			acks = append(acks, msg.ID)
		}
		if len(acks) > 0 {
			if err := ec.consumer.Ack(ctx, streams.StreamInvestigationEvents, acks...); err != nil {
				ec.logger.Printf("warn: ack lifecycle events: %v", err)
			}
		}
	}
}

func (ec *EventsConsumer) handle(ctx context.Context, msg streams.Message) {
	rec := EventRecord{
		EventID:    msg.Envelope.EventID,
		EventType:  msg.Envelope.EventType,
		OccurredAt: msg.Envelope.OccurredAt,
	}
	switch msg.Envelope.EventType {
	case streams.EventInvestigationProgress:
		var p streams.ProgressPayload
		if err := json.Unmarshal(msg.Envelope.Data, &p); err != nil {
			ec.logger.Printf("warn: decode progress event %s: %v", msg.Envelope.EventID, err)
			return
		}
		rec.InvestigationID = p.InvestigationID
		rec.JobID = p.JobID
		rec.Progress = p.Progress
	case streams.EventInvestigationCompleted:
		var p streams.CompletedPayload
		if err := json.Unmarshal(msg.Envelope.Data, &p); err != nil {
			ec.logger.Printf("warn: decode completed event %s: %v", msg.Envelope.EventID, err)
			return
		}
		rec.InvestigationID = p.InvestigationID
		rec.JobID = p.JobID
		rec.Status = p.Status
		rec.Summary = p.Summary
		rec.Error = p.Error
		if p.Status == store.StatusCompleted {
			ec.indexInvestigation(ctx, p.InvestigationID)
		}
	default:
		// dispatch events on this stream would be a producer bug; surface them
		ec.logger.Printf("warn: unexpected event type %q on lifecycle stream", msg.Envelope.EventType)
		return
	}
	if ec.feed != nil {
		ec.feed.Add(rec)
	}
}

// indexInvestigation loads a completed investigation and adds it to the
// search index. Indexing problems are logged, never fatal.
func (ec *EventsConsumer) indexInvestigation(ctx context.Context, invID string) {
	if ec.index == nil || invID == "" {
		return
	}
	inv, err := ec.store.GetInvestigation(ctx, invID)
	if err != nil {
		ec.logger.Printf("warn: load investigation %s for indexing: %v", invID, err)
		return
	}
	clusterName := ""
	if cl, err := ec.store.GetCluster(ctx, inv.ClusterID); err == nil {
		clusterName = cl.Name
	}
	protocolName := ""
	if inv.ProtocolID != nil {
		if p, err := ec.store.GetProtocol(ctx, *inv.ProtocolID); err == nil {
			protocolName = p.Name
		}
	}
	if err := ec.index.Add(inv.ID, search.FromInvestigation(inv, clusterName, protocolName)); err != nil {
		ec.logger.Printf("warn: index investigation %s: %v", invID, err)
	}
}
