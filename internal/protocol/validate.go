package protocol

import (
	"fmt"
	"sort"
)

// Validate checks the structural integrity of a protocol: named, at least
// one step, unique 1-based step numbers, non-empty command lists, and STEP
// branches that resolve to an existing step. Condition semantics are checked
// separately by the condition package.
func Validate(p *Protocol) error {
	if p == nil {
		return fmt.Errorf("protocol is nil")
	}
	if p.Name == "" {
		return fmt.Errorf("protocol name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("protocol %q has no steps", p.Name)
	}

	seen := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Number < 1 {
			return fmt.Errorf("step number %d must be >= 1", s.Number)
		}
		if seen[s.Number] {
			return fmt.Errorf("duplicate step number %d", s.Number)
		}
		seen[s.Number] = true
		if len(s.Commands) == 0 {
			return fmt.Errorf("step %d has no commands", s.Number)
		}
		for _, c := range s.Commands {
			if c.Template == "" {
				return fmt.Errorf("step %d has an empty command template", s.Number)
			}
		}
		for _, ref := range s.NextSteps {
			switch ref.ReferenceType {
			case ReferenceStep:
				if !seen[ref.TargetStepNumber] && !stepExists(p.Steps, ref.TargetStepNumber) {
					return fmt.Errorf("step %d branches to unknown step %d", s.Number, ref.TargetStepNumber)
				}
			case ReferenceStop, ReferenceFinal:
				// terminal markers carry no target
			default:
				return fmt.Errorf("step %d has unknown reference type %q", s.Number, ref.ReferenceType)
			}
		}
	}
	return nil
}

// Normalize sorts steps by number and each step's commands and branches by
// their order index, so walk code can rely on slice order.
func Normalize(p *Protocol) {
	sort.Slice(p.Steps, func(i, j int) bool { return p.Steps[i].Number < p.Steps[j].Number })
	for i := range p.Steps {
		s := &p.Steps[i]
		sort.Slice(s.Commands, func(a, b int) bool { return s.Commands[a].Order < s.Commands[b].Order })
		sort.Slice(s.NextSteps, func(a, b int) bool { return s.NextSteps[a].Order < s.NextSteps[b].Order })
	}
}

func stepExists(steps []Step, number int) bool {
	for _, s := range steps {
		if s.Number == number {
			return true
		}
	}
	return false
}
