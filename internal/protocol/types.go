package protocol

// ReferenceType classifies an outgoing branch of a step.
type ReferenceType string

const (
	// ReferenceStep points the branch at another step in the same protocol.
	ReferenceStep ReferenceType = "STEP"
	// ReferenceStop terminates the walk after the current step is finalized.
	ReferenceStop ReferenceType = "STOP"
	// ReferenceFinal terminates the walk and produces a terminal summary.
	ReferenceFinal ReferenceType = "FINAL"
)

// Protocol is a named, versioned graph of investigation steps. A protocol is
// immutable once an investigation references it; edits create a new version.
type Protocol struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step is one unit of work: an ordered command list plus outgoing branches.
// Step numbers are unique, 1-based, and define the default walk order.
type Step struct {
	Number    int                 `json:"number"`
	Title     string              `json:"title"`
	Commands  []Command           `json:"commands"`
	NextSteps []NextStepReference `json:"next_steps,omitempty"`
}

// Command is a single command template executed against the target cluster.
// ReadOnly is informational: the engine records and logs it but does not
// enforce it.
type Command struct {
	Template string `json:"template"`
	ReadOnly bool   `json:"read_only"`
	Order    int    `json:"order"`
}

// NextStepReference is a conditional or unconditional edge out of a step.
// Conditions are ANDed; IsUnconditional bypasses evaluation entirely.
// Order is the evaluation priority among sibling branches.
type NextStepReference struct {
	ReferenceType    ReferenceType `json:"reference_type"`
	TargetStepNumber int           `json:"target_step_number,omitempty"`
	Conditions       []Condition   `json:"conditions,omitempty"`
	IsUnconditional  bool          `json:"is_unconditional"`
	Order            int           `json:"order"`
}

// Condition is one typed predicate node evaluated against accumulated
// command results. The closed field/operator grammar lives in the condition
// package; a node that fails to parse there evaluates to false.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// FindStep returns the step with the given number, or false when the
// protocol has no such step.
func (p *Protocol) FindStep(number int) (Step, bool) {
	for _, s := range p.Steps {
		if s.Number == number {
			return s, true
		}
	}
	return Step{}, false
}
