package protocol

import "testing"

func twoStepProtocol() *Protocol {
	return &Protocol{
		Name:    "pod-crashloop",
		Version: 1,
		Steps: []Step{
			{
				Number:   1,
				Title:    "List pods",
				Commands: []Command{{Template: "get pods", ReadOnly: true, Order: 0}},
				NextSteps: []NextStepReference{
					{ReferenceType: ReferenceStep, TargetStepNumber: 2, IsUnconditional: true, Order: 0},
				},
			},
			{
				Number:   2,
				Title:    "Describe nodes",
				Commands: []Command{{Template: "describe nodes", ReadOnly: true, Order: 0}},
			},
		},
	}
}

func TestValidate_AcceptsWellFormedProtocol(t *testing.T) {
	if err := Validate(twoStepProtocol()); err != nil {
		t.Fatalf("expected protocol to validate, got %v", err)
	}
}

func TestValidate_RejectsDuplicateStepNumbers(t *testing.T) {
	p := twoStepProtocol()
	p.Steps[1].Number = 1
	if err := Validate(p); err == nil {
		t.Fatalf("expected duplicate step numbers to be rejected")
	}
}

func TestValidate_RejectsUnknownBranchTarget(t *testing.T) {
	p := twoStepProtocol()
	p.Steps[0].NextSteps[0].TargetStepNumber = 99
	if err := Validate(p); err == nil {
		t.Fatalf("expected unknown branch target to be rejected")
	}
}

func TestValidate_RejectsUnknownReferenceType(t *testing.T) {
	p := twoStepProtocol()
	p.Steps[0].NextSteps[0].ReferenceType = "JUMP"
	if err := Validate(p); err == nil {
		t.Fatalf("expected unknown reference type to be rejected")
	}
}

func TestValidate_RejectsEmptyCommands(t *testing.T) {
	p := twoStepProtocol()
	p.Steps[1].Commands = nil
	if err := Validate(p); err == nil {
		t.Fatalf("expected step without commands to be rejected")
	}
}

func TestNormalize_SortsStepsCommandsAndBranches(t *testing.T) {
	p := &Protocol{
		Name: "ordering",
		Steps: []Step{
			{
				Number: 2,
				Commands: []Command{
					{Template: "second", Order: 1},
					{Template: "first", Order: 0},
				},
			},
			{
				Number:   1,
				Commands: []Command{{Template: "only", Order: 0}},
				NextSteps: []NextStepReference{
					{ReferenceType: ReferenceStop, Order: 1},
					{ReferenceType: ReferenceStep, TargetStepNumber: 2, Order: 0},
				},
			},
		},
	}
	Normalize(p)
	if p.Steps[0].Number != 1 || p.Steps[1].Number != 2 {
		t.Fatalf("expected steps sorted by number, got %d,%d", p.Steps[0].Number, p.Steps[1].Number)
	}
	if p.Steps[1].Commands[0].Template != "first" {
		t.Fatalf("expected commands sorted by order")
	}
	if p.Steps[0].NextSteps[0].ReferenceType != ReferenceStep {
		t.Fatalf("expected branches sorted by order")
	}
}

func TestFindStep(t *testing.T) {
	p := twoStepProtocol()
	if s, ok := p.FindStep(2); !ok || s.Title != "Describe nodes" {
		t.Fatalf("expected to find step 2, got ok=%v title=%q", ok, s.Title)
	}
	if _, ok := p.FindStep(42); ok {
		t.Fatalf("expected step 42 to be absent")
	}
}
