// Package condition interprets branch guard predicates against accumulated
// command results. The grammar is closed: a fixed set of addressable fields
// and comparison operators, no expression evaluation of caller-supplied
// text. Anything outside the grammar evaluates to false.
package condition

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/probeops/inquest/internal/protocol"
	"github.com/probeops/inquest/internal/store"
)

// Operators accepted in condition nodes.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpMatches     = "matches"
	OpIsTrue      = "is_true"
	OpIsFalse     = "is_false"
)

// Fields addressable by condition nodes. output and command accept an
// optional 0-based index suffix, e.g. "output[2]".
const (
	FieldHasError   = "has_error"
	FieldOutput     = "output"
	FieldLastOutput = "last_output"
	FieldCommand    = "command"
)

// Evaluator decides whether branch guards hold. Evaluation is pure: the
// same (conditions, results) pair always yields the same answer. Malformed
// conditions are logged and treated as false, never fatal.
type Evaluator struct {
	logger *log.Logger
}

func NewEvaluator(logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	return &Evaluator{logger: logger}
}

// Branch reports whether a branch should be taken: IsUnconditional
// short-circuits to true, otherwise all conditions must hold.
func (e *Evaluator) Branch(ref protocol.NextStepReference, results []store.CommandResult) bool {
	if ref.IsUnconditional {
		return true
	}
	return e.Evaluate(ref.Conditions, results)
}

// Evaluate ANDs the given conditions against the results. An empty
// condition list is vacuously true.
func (e *Evaluator) Evaluate(conds []protocol.Condition, results []store.CommandResult) bool {
	for _, c := range conds {
		ok, err := evalOne(c, results)
		if err != nil {
			e.logger.Printf("condition %s %s %q treated as false: %v", c.Field, c.Operator, c.Value, err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Check statically validates a condition node; used when protocols are
// created so authors learn about bad predicates before a run.
func Check(c protocol.Condition) error {
	kind, _, err := parseField(c.Field)
	if err != nil {
		return err
	}
	switch c.Operator {
	case OpIsTrue, OpIsFalse:
		if kind != FieldHasError {
			return fmt.Errorf("operator %q applies only to %s", c.Operator, FieldHasError)
		}
	case OpEquals, OpNotEquals, OpContains, OpNotContains:
		if kind == FieldHasError {
			return fmt.Errorf("operator %q does not apply to %s", c.Operator, FieldHasError)
		}
	case OpMatches:
		if kind == FieldHasError {
			return fmt.Errorf("operator %q does not apply to %s", c.Operator, FieldHasError)
		}
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", c.Value, err)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

func evalOne(c protocol.Condition, results []store.CommandResult) (bool, error) {
	kind, index, err := parseField(c.Field)
	if err != nil {
		return false, err
	}

	if kind == FieldHasError {
		hasError := false
		for _, r := range results {
			if r.Error {
				hasError = true
				break
			}
		}
		switch c.Operator {
		case OpIsTrue:
			return hasError, nil
		case OpIsFalse:
			return !hasError, nil
		default:
			return false, fmt.Errorf("operator %q does not apply to %s", c.Operator, FieldHasError)
		}
	}

	subject, err := fieldValue(kind, index, results)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OpEquals:
		return subject == c.Value, nil
	case OpNotEquals:
		return subject != c.Value, nil
	case OpContains:
		return strings.Contains(subject, c.Value), nil
	case OpNotContains:
		return !strings.Contains(subject, c.Value), nil
	case OpMatches:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", c.Value, err)
		}
		return re.MatchString(subject), nil
	case OpIsTrue, OpIsFalse:
		return false, fmt.Errorf("operator %q applies only to %s", c.Operator, FieldHasError)
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func fieldValue(kind string, index int, results []store.CommandResult) (string, error) {
	switch kind {
	case FieldOutput:
		if index < 0 {
			parts := make([]string, 0, len(results))
			for _, r := range results {
				parts = append(parts, r.Output)
			}
			return strings.Join(parts, "\n"), nil
		}
		if index >= len(results) {
			return "", fmt.Errorf("output index %d out of range (%d results)", index, len(results))
		}
		return results[index].Output, nil
	case FieldLastOutput:
		if len(results) == 0 {
			return "", nil
		}
		return results[len(results)-1].Output, nil
	case FieldCommand:
		if index < 0 || index >= len(results) {
			return "", fmt.Errorf("command index %d out of range (%d results)", index, len(results))
		}
		return results[index].Command, nil
	default:
		return "", fmt.Errorf("unknown field %q", kind)
	}
}

// parseField splits "output[2]" into ("output", 2). Index -1 means the
// whole projection. command requires an index; last_output and has_error
// reject one.
func parseField(field string) (kind string, index int, err error) {
	kind, index = field, -1
	if i := strings.IndexByte(field, '['); i >= 0 {
		if !strings.HasSuffix(field, "]") {
			return "", 0, fmt.Errorf("malformed field %q", field)
		}
		kind = field[:i]
		idx, convErr := strconv.Atoi(field[i+1 : len(field)-1])
		if convErr != nil || idx < 0 {
			return "", 0, fmt.Errorf("malformed index in field %q", field)
		}
		index = idx
	}
	switch kind {
	case FieldHasError, FieldLastOutput:
		if index >= 0 {
			return "", 0, fmt.Errorf("field %q does not take an index", kind)
		}
	case FieldOutput:
	case FieldCommand:
		if index < 0 {
			return "", 0, fmt.Errorf("field %q requires an index", kind)
		}
	default:
		return "", 0, fmt.Errorf("unknown field %q", kind)
	}
	return kind, index, nil
}
