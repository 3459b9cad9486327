// Package logging provides panic recovery with stack trace logging.
package logging

import (
	"fmt"
	"runtime/debug"
)

// RecoveryHandler handles panics with logging and an optional callback
type RecoveryHandler struct {
	Component string
	OnPanic   func(err interface{}, stack string)
}

// NewRecoveryHandler creates a recovery handler for a component
func NewRecoveryHandler(component string) *RecoveryHandler {
	return &RecoveryHandler{Component: component}
}

// Wrap executes fn with panic recovery
func (r *RecoveryHandler) Wrap(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	fn()
}

// WrapError executes fn with panic recovery, returning an error on panic
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	return fn()
}

func (r *RecoveryHandler) handlePanic(rec interface{}, stack string) error {
	err := fmt.Errorf("panic in %s: %v", r.Component, rec)

	New(r.Component).Error("panic_recovered", err, map[string]interface{}{
		"stack": stack,
	})

	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
	return err
}

// SafeGo starts a goroutine that logs panics instead of crashing the process.
func SafeGo(component string, fn func()) {
	handler := NewRecoveryHandler(component)
	go handler.Wrap(fn)
}
