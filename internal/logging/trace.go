// Package logging provides run ID tracing for after-the-fact debugging.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const runIDKey contextKey = "run_id"

// NewRunID generates a unique run ID (16 hex chars).
func NewRunID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// WithRunID adds a run ID to context.
// If id is empty, generates a new one.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRunID()
	}
	return context.WithValue(ctx, runIDKey, id)
}

// GetRunID extracts the run ID from context.
// Returns empty string if not present.
func GetRunID(ctx context.Context) string {
	if v := ctx.Value(runIDKey); v != nil {
		return v.(string)
	}
	return ""
}
