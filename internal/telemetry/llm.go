package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/probeops/inquest/internal/llm"
)

// InstrumentedProvider wraps an llm.Provider with request, token, and cost
// metrics. It is transparent to callers; planner and summarizer see the plain
// Provider interface.
type InstrumentedProvider struct {
	inner        llm.Provider
	costTracking bool

	requests otelmetric.Int64Counter
	tokens   otelmetric.Int64Counter
	cost     otelmetric.Float64Counter
	latency  otelmetric.Float64Histogram
}

// InstrumentProvider decorates a provider with metrics from the given meter.
// A nil meter returns the provider unchanged.
func InstrumentProvider(inner llm.Provider, meter otelmetric.Meter, costTracking bool, logger *log.Logger) llm.Provider {
	if meter == nil {
		return inner
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &InstrumentedProvider{inner: inner, costTracking: costTracking}
	var err error
	if p.requests, err = meter.Int64Counter("llm_requests"); err != nil {
		logger.Printf("warn: create llm request counter: %v", err)
	}
	if p.tokens, err = meter.Int64Counter("llm_tokens"); err != nil {
		logger.Printf("warn: create llm token counter: %v", err)
	}
	if p.cost, err = meter.Float64Counter("llm_cost_dollars"); err != nil {
		logger.Printf("warn: create llm cost counter: %v", err)
	}
	if p.latency, err = meter.Float64Histogram("llm_request_seconds"); err != nil {
		logger.Printf("warn: create llm latency histogram: %v", err)
	}
	return p
}

func (p *InstrumentedProvider) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	out, err := p.inner.Generate(ctx, prompt)
	p.record(ctx, time.Since(start), 0, 0, err)
	return out, err
}

func (p *InstrumentedProvider) GenerateWithTokens(ctx context.Context, prompt string) (string, int64, int64, error) {
	start := time.Now()
	out, inTokens, outTokens, err := p.inner.GenerateWithTokens(ctx, prompt)
	p.record(ctx, time.Since(start), inTokens, outTokens, err)
	return out, inTokens, outTokens, err
}

func (p *InstrumentedProvider) CalculateCost(inputTokens, outputTokens int64) float64 {
	return p.inner.CalculateCost(inputTokens, outputTokens)
}

func (p *InstrumentedProvider) Model() string {
	return p.inner.Model()
}

func (p *InstrumentedProvider) record(ctx context.Context, elapsed time.Duration, inTokens, outTokens int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("model", p.inner.Model()),
		attribute.String("outcome", outcome),
	)
	if p.requests != nil {
		p.requests.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
	if p.tokens != nil && inTokens+outTokens > 0 {
		p.tokens.Add(ctx, inTokens, otelmetric.WithAttributes(attribute.String("direction", "input")))
		p.tokens.Add(ctx, outTokens, otelmetric.WithAttributes(attribute.String("direction", "output")))
	}
	if p.cost != nil && p.costTracking && err == nil && inTokens+outTokens > 0 {
		p.cost.Add(ctx, p.inner.CalculateCost(inTokens, outTokens))
	}
}
