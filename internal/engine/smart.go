package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/probeops/inquest/internal/planner"
	"github.com/probeops/inquest/internal/store"
)

// RunSmart executes one attempt of an open-ended investigation: a fixed
// number of planner-driven rounds followed by an aggregate report.
//
// Planner failures are never fatal. A failed NextCommand call falls back to
// the rotating diagnostic command for that round; a failed FinalReport call
// falls back to a deterministic report. Only store failures and missing
// setup (the cluster record) fail the attempt.
func (e *Engine) RunSmart(ctx context.Context, inv store.Investigation) error {
	ctx, span := engineTracer.Start(ctx, "engine.smart_loop", investigationAttrs(inv))
	defer span.End()

	cluster, err := e.store.GetCluster(ctx, inv.ClusterID)
	if err != nil {
		return fmt.Errorf("load cluster %s: %w", inv.ClusterID, err)
	}

	total := e.maxSmartRounds
	var steps []store.StepResult

	for round := 1; round <= total; round++ {
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}
		if err := e.store.SetInvestigationStep(ctx, inv.ID, round); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			return fmt.Errorf("mark round %d in flight: %w", round, err)
		}

		planned, err := e.planner.NextCommand(ctx, inv.Focus, steps, round, total)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			e.logger.Printf("investigation %s: planner failed on round %d: %v; using fallback command", inv.ID, round, err)
			planned = planner.FallbackCommand(round)
		}

		res := e.runner.Execute(ctx, planned.Command, cluster)
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}

		commands := []store.CommandResult{res}
		sr := store.StepResult{
			StepNumber:  round,
			Commands:    commands,
			Timestamp:   time.Now().UTC(),
			Description: planned.Description,
			Summary:     planner.FallbackStepSummary(round, commands).Summary,
		}
		if err := e.store.AppendStepResult(ctx, inv.ID, sr); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			return fmt.Errorf("persist round %d result: %w", round, err)
		}
		steps = append(steps, sr)
		e.reportProgress(ctx, inv.ID, round*100/total)
	}

	report, err := e.planner.FinalReport(ctx, inv.Focus, steps)
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}
		e.logger.Printf("investigation %s: final report generation failed: %v; using fallback", inv.ID, err)
		report = planner.FallbackReport(steps)
	}

	if err := e.store.FinishInvestigation(ctx, inv.ID, store.StatusCompleted, &report, nil); err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}
		return fmt.Errorf("finalize investigation: %w", err)
	}
	e.logger.Printf("investigation %s completed: %d smart rounds", inv.ID, total)
	return nil
}
