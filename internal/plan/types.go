// Package plan synthesizes ordered step plans from a natural-language
// request and batches them for phase execution.
package plan

import (
	"errors"
	"fmt"
)

// StepKind categorizes a plan step and selects the persona, prompts,
// and artifact checks used when executing it.
type StepKind string

const (
	KindResearch StepKind = "research"
	KindBuild    StepKind = "build"
	KindFinalize StepKind = "finalize"
)

// Valid reports whether the kind is one of the known phase kinds.
func (k StepKind) Valid() bool {
	switch k {
	case KindResearch, KindBuild, KindFinalize:
		return true
	}
	return false
}

// Step is one unit of planned work. Steps are immutable once emitted by
// a generator.
type Step struct {
	ID          string   `json:"id"`
	Task        string   `json:"task"`
	Expectation string   `json:"expectation"`
	Reason      string   `json:"reason"`
	Kind        StepKind `json:"kind"`
}

// ErrPlanGeneration is returned when no valid plan could be produced
// after exhausting retries.
var ErrPlanGeneration = errors.New("plan generation failed")

// ParseError describes a model response that could not be interpreted
// as a plan step or plan array.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable plan response: %s", e.Reason)
}
