package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/probeops/inquest/internal/planner"
	"github.com/probeops/inquest/internal/protocol"
	"github.com/probeops/inquest/internal/store"
)

// walkSignal controls the outer step loop. STOP and FINAL references
// terminate the whole walk, not just branch processing for one step.
type walkSignal int

const (
	walkContinue walkSignal = iota
	walkStop
	walkFinal
)

// RunProtocol executes one attempt of a protocol-driven investigation.
//
// The walk iterates the protocol's steps in declared order. A step already
// executed as a branch target is skipped, so each step's commands run at most
// once per attempt. Every completed step is persisted before the next one
// starts. On success the investigation is finalized COMPLETED (with a
// terminal summary when a FINAL reference fired); on a user cancel request
// (run context canceled with ErrCancelRequested as its cause) it is finalized
// CANCELED and nil is returned. Any other interruption or error leaves the
// record IN_PROGRESS and is returned for the caller's retry policy.
func (e *Engine) RunProtocol(ctx context.Context, inv store.Investigation) error {
	ctx, span := engineTracer.Start(ctx, "engine.protocol_walk", investigationAttrs(inv))
	defer span.End()

	if inv.ProtocolID == nil || *inv.ProtocolID == "" {
		return fmt.Errorf("investigation %s has no protocol", inv.ID)
	}
	proto, err := e.store.GetProtocol(ctx, *inv.ProtocolID)
	if err != nil {
		return fmt.Errorf("load protocol %s: %w", *inv.ProtocolID, err)
	}
	cluster, err := e.store.GetCluster(ctx, inv.ClusterID)
	if err != nil {
		return fmt.Errorf("load cluster %s: %w", inv.ClusterID, err)
	}

	total := len(proto.Steps)
	if total == 0 {
		return fmt.Errorf("protocol %s has no steps", proto.ID)
	}

	executed := make(map[int]bool, total)
	completed := 0
	signal := walkContinue
	var allSteps []store.StepResult

	for i, step := range proto.Steps {
		if executed[step.Number] {
			e.logger.Printf("investigation %s: step %d already executed as a branch target; skipping", inv.ID, step.Number)
			continue
		}
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}

		if err := e.store.SetInvestigationStep(ctx, inv.ID, step.Number); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			return fmt.Errorf("mark step %d in flight: %w", step.Number, err)
		}

		buffer, sig, err := e.runStep(ctx, proto, step, cluster, executed)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			return err
		}
		signal = sig

		sr := e.buildStepResult(ctx, step.Number, buffer)
		if err := e.store.AppendStepResult(ctx, inv.ID, sr); err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			return fmt.Errorf("persist step %d result: %w", step.Number, err)
		}
		allSteps = append(allSteps, sr)
		completed++
		e.reportProgress(ctx, inv.ID, completed*100/total)

		if signal != walkContinue {
			e.logger.Printf("investigation %s: step %d signaled %s; ending walk", inv.ID, step.Number, signalName(signal))
			break
		}
		if i < len(proto.Steps)-1 {
			if err := sleepCtx(ctx, e.stepDelay); err != nil {
				return e.interrupted(ctx, inv.ID)
			}
		}
	}

	var terminal *store.ReportSummary
	if signal == walkFinal {
		report, err := e.planner.FinalReport(ctx, proto.Name, allSteps)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, inv.ID)
			}
			e.logger.Printf("investigation %s: final report generation failed: %v; using fallback", inv.ID, err)
			report = planner.FallbackReport(allSteps)
		}
		terminal = &report
	}

	if err := e.store.FinishInvestigation(ctx, inv.ID, store.StatusCompleted, terminal, nil); err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, inv.ID)
		}
		return fmt.Errorf("finalize investigation: %w", err)
	}
	e.logger.Printf("investigation %s completed: %d steps", inv.ID, completed)
	return nil
}

// runStep executes one step's commands, then walks its branch references in
// order. A satisfied STEP reference executes the target's commands into the
// same buffer (the branch augments the referring step's result set). STOP and
// FINAL end branch processing and signal the walk. The only error returned is
// a dead context.
func (e *Engine) runStep(ctx context.Context, proto *protocol.Protocol, step protocol.Step, cluster store.Cluster, executed map[int]bool) ([]store.CommandResult, walkSignal, error) {
	executed[step.Number] = true

	buffer := make([]store.CommandResult, 0, len(step.Commands))
	if err := e.runCommands(ctx, step.Commands, cluster, &buffer); err != nil {
		return buffer, walkContinue, err
	}

	for _, ref := range step.NextSteps {
		if !e.cond.Branch(ref, buffer) {
			continue
		}
		switch ref.ReferenceType {
		case protocol.ReferenceStep:
			target, ok := proto.FindStep(ref.TargetStepNumber)
			if !ok {
				e.logger.Printf("step %d: branch target %d not found in protocol; skipping", step.Number, ref.TargetStepNumber)
				continue
			}
			if executed[target.Number] {
				e.logger.Printf("step %d: branch target %d already executed; skipping", step.Number, target.Number)
				continue
			}
			executed[target.Number] = true
			if err := e.runCommands(ctx, target.Commands, cluster, &buffer); err != nil {
				return buffer, walkContinue, err
			}
		case protocol.ReferenceStop:
			return buffer, walkStop, nil
		case protocol.ReferenceFinal:
			return buffer, walkFinal, nil
		default:
			e.logger.Printf("step %d: unknown reference type %q; skipping", step.Number, ref.ReferenceType)
		}
	}
	return buffer, walkContinue, nil
}

// runCommands executes commands in declared order, appending every result to
// the buffer. Command failures are recorded as data and never abort the step;
// only a dead context stops execution early.
func (e *Engine) runCommands(ctx context.Context, commands []protocol.Command, cluster store.Cluster, buffer *[]store.CommandResult) error {
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		tokens := strings.Fields(cmd.Template)
		if len(tokens) == 0 {
			continue
		}
		res := e.runner.Execute(ctx, tokens, cluster)
		*buffer = append(*buffer, res)
	}
	return nil
}

func signalName(s walkSignal) string {
	switch s {
	case walkStop:
		return "STOP"
	case walkFinal:
		return "FINAL"
	default:
		return "CONTINUE"
	}
}
