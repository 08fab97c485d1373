// Package llm wraps the chat-completions provider used by the planner and
// summarizer. Callers treat provider failures as recoverable: every consumer
// has a deterministic fallback path when Generate returns an error.
package llm

import "context"

// Provider is the interface for text generation backends.
type Provider interface {
	// Generate generates text for the prompt using the configured model.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string) (string, int64, int64, error)

	// CalculateCost converts token usage into dollars for cost tracking.
	CalculateCost(inputTokens, outputTokens int64) float64

	// Model reports the configured model name.
	Model() string
}
