// Package logging provides structured JSON logging for atelier components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a structured log event
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	TaskID    string                 `json:"task_id,omitempty"`
	Step      int                    `json:"step,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

var (
	outMu  sync.Mutex
	output io.Writer = os.Stderr
)

// SetOutput redirects log output (for testing).
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	output = w
}

// Logger provides structured logging scoped to a component.
type Logger struct {
	component string
	taskID    string
	step      int
	kind      string
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// WithTask sets the task context
func (l *Logger) WithTask(taskID string) *Logger {
	c := *l
	c.taskID = taskID
	return &c
}

// WithStep sets the step context (1-based step number and phase kind)
func (l *Logger) WithStep(step int, kind string) *Logger {
	c := *l
	c.step = step
	c.kind = kind
	return &c
}

// log emits a structured log event
func (l *Logger) log(level Level, event string, extra map[string]interface{}, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		TaskID:    l.taskID,
		Step:      l.step,
		Kind:      l.kind,
		Extra:     extra,
	}

	if err != nil {
		e.Error = err.Error()
	}

	data, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		data = []byte(fmt.Sprintf(`{"ts":%q,"level":"error","component":"logging","event":"marshal_failed"}`,
			e.Timestamp))
	}

	outMu.Lock()
	fmt.Fprintf(output, "%s\n", data)
	outMu.Unlock()
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an informational event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}) {
	l.log(LevelWarn, event, extra, nil)
}

// Error logs an error event
func (l *Logger) Error(event string, err error, extra map[string]interface{}) {
	l.log(LevelError, event, extra, err)
}

// Timed logs an info event with the duration elapsed since start.
func (l *Logger) Timed(event string, start time.Time, extra map[string]interface{}) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: l.component,
		Event:     event,
		TaskID:    l.taskID,
		Step:      l.step,
		Kind:      l.kind,
		Duration:  time.Since(start).Milliseconds(),
		Extra:     extra,
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	outMu.Lock()
	fmt.Fprintf(output, "%s\n", data)
	outMu.Unlock()
}
