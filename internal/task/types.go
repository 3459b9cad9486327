// Package task is the durable record of pipeline runs: task and step
// state, guarded transitions, progress accounting, and crash recovery.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is a task lifecycle state. Transitions are one-directional:
// pending -> processing -> {completed | failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is a task step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Task is the durable record of one pipeline run.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Expectation     string     `json:"expectation"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	CurrentStep     string     `json:"current_step"`
	TotalSteps      int        `json:"total_steps"`
	CompletedSteps  int        `json:"completed_steps"`
	OutputDirectory string     `json:"output_directory"`
	HasIndexHTML    bool       `json:"has_index_html"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TaskStep is the durable record of one composite step's execution.
type TaskStep struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	StepNumber      int        `json:"step_number"`
	Kind            string     `json:"kind"`
	TaskDescription string     `json:"task_description"`
	Expectation     string     `json:"expectation"`
	Reason          string     `json:"reason"`
	Status          StepStatus `json:"status"`
	Output          string     `json:"output,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewTask builds a pending task with a fresh ULID.
func NewTask(title, expectation string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          ulid.Make().String(),
		Title:       title,
		Expectation: expectation,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

var (
	// ErrNotFound indicates the task or step does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminal indicates a mutation was attempted on a task or
	// step already in a terminal state.
	ErrTerminal = errors.New("record is in a terminal state")

	// ErrTransition indicates a status change that the state machine
	// does not allow.
	ErrTransition = errors.New("invalid status transition")
)

// Progress computes the execution-phase progress ramp: 10 after
// planning, climbing linearly to 90 as steps complete. Terminal
// completion sets 100 separately.
func Progress(stepsExecuted, totalSteps int) int {
	if totalSteps <= 0 {
		return 10
	}
	if stepsExecuted > totalSteps {
		stepsExecuted = totalSteps
	}
	return 10 + stepsExecuted*80/totalSteps
}

func validTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrTerminal, from)
	}
	switch {
	case from == StatusPending && (to == StatusProcessing || to == StatusFailed):
		return nil
	case from == StatusProcessing && to.Terminal():
		return nil
	case from == to:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
}
