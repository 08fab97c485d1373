package planner

import (
	"fmt"

	"github.com/probeops/inquest/internal/store"
)

// fallbackRotation is the list of generic diagnostic commands used when the
// planner is unavailable. Indexed by round so repeated fallbacks still make
// forward progress through different views of the cluster.
var fallbackRotation = []PlannedCommand{
	{Command: []string{"get", "nodes"}, Description: "Inventory cluster nodes and their readiness"},
	{Command: []string{"get", "pods", "--all-namespaces"}, Description: "List pods across all namespaces"},
	{Command: []string{"get", "events", "--sort-by=.lastTimestamp"}, Description: "Review recent cluster events"},
	{Command: []string{"top", "nodes"}, Description: "Check node resource utilization"},
	{Command: []string{"get", "deployments", "--all-namespaces"}, Description: "Check deployment rollout status"},
}

// FallbackCommand returns the generic diagnostic command for a 1-based round.
func FallbackCommand(round int) PlannedCommand {
	if round < 1 {
		round = 1
	}
	return fallbackRotation[(round-1)%len(fallbackRotation)]
}

// FallbackStepSummary builds a deterministic description/summary pair from
// the raw results.
func FallbackStepSummary(stepNumber int, results []store.CommandResult) StepSummary {
	failed := 0
	for _, r := range results {
		if r.Error {
			failed++
		}
	}
	return StepSummary{
		Description: fmt.Sprintf("Step %d ran %d commands", stepNumber, len(results)),
		Summary:     fmt.Sprintf("%d of %d commands succeeded", len(results)-failed, len(results)),
	}
}

// FallbackReport builds a deterministic terminal report: command/error counts
// as the summary, failed command outputs as issues.
func FallbackReport(steps []store.StepResult) store.ReportSummary {
	total, failed := 0, 0
	issues := []string{}
	for _, s := range steps {
		for _, c := range s.Commands {
			total++
			if c.Error {
				failed++
				issues = append(issues, fmt.Sprintf("command %q failed: %s", c.Command, truncate(c.Output, 200)))
			}
		}
	}
	recommendations := []string{"Review the recorded command outputs for details."}
	if failed > 0 {
		recommendations = append([]string{"Re-run the failed commands to confirm the errors persist."}, recommendations...)
	}
	return store.ReportSummary{
		Summary:         fmt.Sprintf("Investigation ran %d commands across %d steps; %d failed.", total, len(steps), failed),
		Issues:          issues,
		Recommendations: recommendations,
	}
}
