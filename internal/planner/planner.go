// Package planner decides what a smart investigation runs next and turns raw
// command output into readable step and report summaries. The LLM-backed
// implementations return errors on any call or parse failure; the engine then
// substitutes the deterministic fallbacks from this package, so a planner
// error never fails an investigation.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/probeops/inquest/internal/llm"
	"github.com/probeops/inquest/internal/store"
)

// PlannedCommand is one diagnostic command proposed for a smart round.
type PlannedCommand struct {
	Command     []string `json:"command"`
	Description string   `json:"description"`
}

// StepSummary carries the generated description/summary pair for one step.
type StepSummary struct {
	Description string `json:"description"`
	Summary     string `json:"summary"`
}

// Planner proposes commands for smart investigations and writes the final
// report.
type Planner interface {
	NextCommand(ctx context.Context, focus string, prior []store.StepResult, round, totalRounds int) (PlannedCommand, error)
	FinalReport(ctx context.Context, focus string, steps []store.StepResult) (store.ReportSummary, error)
}

// Summarizer condenses one step's command results.
type Summarizer interface {
	Summarize(ctx context.Context, stepNumber int, results []store.CommandResult) (StepSummary, error)
}

// LLMPlanner implements Planner on top of a chat-completions provider.
type LLMPlanner struct {
	provider llm.Provider
}

// NewLLMPlanner creates a planner backed by the given provider.
func NewLLMPlanner(provider llm.Provider) *LLMPlanner {
	return &LLMPlanner{provider: provider}
}

// NextCommand asks the model for the single most useful next command.
func (p *LLMPlanner) NextCommand(ctx context.Context, focus string, prior []store.StepResult, round, totalRounds int) (PlannedCommand, error) {
	prompt := fmt.Sprintf(`You are a site reliability engineer investigating a remote compute cluster.
FOCUS: %s
ROUND: %d of %d
PRIOR STEPS (may be empty):
%s
Pick the single most useful next diagnostic command. A command is an argv token list executed by the cluster's inspection endpoint, e.g. ["get","pods","--all-namespaces"].
Respond ONLY as strict JSON with keys:
{"command": [string], "description": string}
`, focus, round, totalRounds, renderSteps(prior))

	out, err := p.provider.Generate(ctx, prompt)
	if err != nil {
		return PlannedCommand{}, fmt.Errorf("planner generate: %w", err)
	}
	var parsed PlannedCommand
	if err := json.Unmarshal([]byte(llm.ExtractFirstJSON(out)), &parsed); err != nil {
		return PlannedCommand{}, fmt.Errorf("planner parse: %w", err)
	}
	if len(parsed.Command) == 0 {
		return PlannedCommand{}, fmt.Errorf("planner returned no command")
	}
	return parsed, nil
}

// FinalReport asks the model for the aggregate report over all steps.
func (p *LLMPlanner) FinalReport(ctx context.Context, focus string, steps []store.StepResult) (store.ReportSummary, error) {
	prompt := fmt.Sprintf(`You are a site reliability engineer writing the final report of a cluster investigation.
FOCUS: %s
STEPS:
%s
Respond ONLY as strict JSON with keys:
{"summary": string, "issues": [string], "recommendations": [string]}
`, focus, renderSteps(steps))

	out, err := p.provider.Generate(ctx, prompt)
	if err != nil {
		return store.ReportSummary{}, fmt.Errorf("report generate: %w", err)
	}
	var parsed store.ReportSummary
	if err := json.Unmarshal([]byte(llm.ExtractFirstJSON(out)), &parsed); err != nil {
		return store.ReportSummary{}, fmt.Errorf("report parse: %w", err)
	}
	if parsed.Summary == "" {
		return store.ReportSummary{}, fmt.Errorf("report missing summary")
	}
	if parsed.Issues == nil {
		parsed.Issues = []string{}
	}
	if parsed.Recommendations == nil {
		parsed.Recommendations = []string{}
	}
	return parsed, nil
}

// renderSteps formats prior results as prompt context, truncating outputs so
// a noisy command cannot blow the context window.
func renderSteps(steps []store.StepResult) string {
	buf := &bytes.Buffer{}
	for _, s := range steps {
		fmt.Fprintf(buf, "Step %d: %s\n", s.StepNumber, s.Description)
		for _, c := range s.Commands {
			status := "ok"
			if c.Error {
				status = "ERROR"
			}
			fmt.Fprintf(buf, "  - [%s] %s: %s\n", status, c.Command, truncate(c.Output, 400))
		}
	}
	return buf.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
