package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/probeops/inquest/internal/llm"
	"github.com/probeops/inquest/internal/store"
)

// LLMSummarizer implements Summarizer on top of a chat-completions provider.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer creates a summarizer backed by the given provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

// Summarize condenses one step's command results into a description and a
// short summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, stepNumber int, results []store.CommandResult) (StepSummary, error) {
	prompt := fmt.Sprintf(`You are summarizing one step of a cluster investigation for an operator reading the report later.
STEP NUMBER: %d
COMMAND RESULTS:
%s
Write a one-line description of what the step did and a short summary of what the outputs show, including any errors.
Respond ONLY as strict JSON with keys:
{"description": string, "summary": string}
`, stepNumber, renderResults(results))

	out, err := s.provider.Generate(ctx, prompt)
	if err != nil {
		return StepSummary{}, fmt.Errorf("summarize generate: %w", err)
	}
	var parsed StepSummary
	if err := json.Unmarshal([]byte(llm.ExtractFirstJSON(out)), &parsed); err != nil {
		return StepSummary{}, fmt.Errorf("summarize parse: %w", err)
	}
	if parsed.Summary == "" && parsed.Description == "" {
		return StepSummary{}, fmt.Errorf("summarize returned empty result")
	}
	return parsed, nil
}

func renderResults(results []store.CommandResult) string {
	out := ""
	for _, r := range results {
		status := "ok"
		if r.Error {
			status = "ERROR"
		}
		out += fmt.Sprintf("- [%s] %s: %s\n", status, r.Command, truncate(r.Output, 400))
	}
	return out
}
