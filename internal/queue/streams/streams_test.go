package streams

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLifecycleSchemasValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	enqueued, err := json.Marshal(EnqueuedPayload{
		JobID:           "job-1",
		InvestigationID: "inv-1",
		ClusterID:       "c1",
		Kind:            "protocol",
		Trigger:         "manual",
		MaxAttempts:     3,
	})
	if err != nil {
		t.Fatalf("marshal enqueued payload: %v", err)
	}
	if err := reg.Validate(EventInvestigationEnqueued, "v1", enqueued); err != nil {
		t.Fatalf("expected enqueued payload to validate: %v", err)
	}

	progress, err := json.Marshal(ProgressPayload{
		InvestigationID: "inv-1",
		JobID:           "job-1",
		Progress:        40,
		StepNumber:      2,
	})
	if err != nil {
		t.Fatalf("marshal progress payload: %v", err)
	}
	if err := reg.Validate(EventInvestigationProgress, "v1", progress); err != nil {
		t.Fatalf("expected progress payload to validate: %v", err)
	}

	completed, err := json.Marshal(CompletedPayload{
		InvestigationID: "inv-1",
		JobID:           "job-1",
		Status:          "FAILED",
		Error:           "cluster unreachable",
		Attempts:        3,
	})
	if err != nil {
		t.Fatalf("marshal completed payload: %v", err)
	}
	if err := reg.Validate(EventInvestigationCompleted, "v1", completed); err != nil {
		t.Fatalf("expected completed payload to validate: %v", err)
	}
}

func TestLifecycleSchemasRejectBadPayloads(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	// Unknown kind.
	bad, _ := json.Marshal(map[string]interface{}{
		"job_id":           "job-1",
		"investigation_id": "inv-1",
		"cluster_id":       "c1",
		"kind":             "interactive",
		"trigger":          "manual",
	})
	if err := reg.Validate(EventInvestigationEnqueued, "v1", bad); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}

	// Progress above 100.
	bad, _ = json.Marshal(map[string]interface{}{
		"investigation_id": "inv-1",
		"progress":         140,
	})
	if err := reg.Validate(EventInvestigationProgress, "v1", bad); err == nil {
		t.Fatalf("expected out-of-range progress to be rejected")
	}

	// Status outside the terminal set.
	bad, _ = json.Marshal(map[string]interface{}{
		"investigation_id": "inv-1",
		"status":           "IN_PROGRESS",
	})
	if err := reg.Validate(EventInvestigationCompleted, "v1", bad); err == nil {
		t.Fatalf("expected non-terminal status to be rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventInvestigationProgress,
		PayloadVersion: "v1",
		Data:           json.RawMessage(`{"investigation_id":"inv-1","progress":10}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be stamped")
	}
	if time.Since(got.OccurredAt) > time.Minute {
		t.Fatalf("occurred_at unexpectedly old: %v", got.OccurredAt)
	}
}

func TestEnvelopeValidateBasicRejectsMissingFields(t *testing.T) {
	cases := []Envelope{
		{EventType: "x", PayloadVersion: "v1", Data: json.RawMessage(`{}`)},
		{EventID: "e", PayloadVersion: "v1", Data: json.RawMessage(`{}`)},
		{EventID: "e", EventType: "x", Data: json.RawMessage(`{}`)},
		{EventID: "e", EventType: "x", PayloadVersion: "v1"},
		{EventID: "e", EventType: "x", PayloadVersion: "v1", Attempt: -1, Data: json.RawMessage(`{}`)},
	}
	for i, env := range cases {
		if err := env.ValidateBasic(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, env)
		}
	}
}

func TestValidateUnknownEventType(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	err := reg.Validate("investigation.unknown", "v1", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "no schema registered") {
		t.Fatalf("expected unknown event type error, got %v", err)
	}
}
