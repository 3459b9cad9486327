package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	New("pipeline").WithTask("t1").WithStep(3, "build").Info("phase_started", nil)

	var e Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "pipeline", e.Component)
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, 3, e.Step)
	assert.Equal(t, "build", e.Kind)
	assert.Equal(t, LevelInfo, e.Level)
}

func TestLoggerError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	New("sandbox").Error("spawn_failed", errors.New("no binary"), map[string]interface{}{
		"port": 1234,
	})

	var e Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "no binary", e.Error)
	assert.Equal(t, LevelError, e.Level)
	assert.EqualValues(t, 1234, e.Extra["port"])
}

func TestLoggerWithTaskDoesNotMutate(t *testing.T) {
	base := New("phase")
	scoped := base.WithTask("abc")

	assert.Empty(t, base.taskID)
	assert.Equal(t, "abc", scoped.taskID)
}

func TestRecoveryHandlerWrap(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	handler := NewRecoveryHandler("test")

	var captured interface{}
	handler.OnPanic = func(err interface{}, stack string) { captured = err }

	handler.Wrap(func() { panic("boom") })

	assert.Equal(t, "boom", captured)
	assert.True(t, strings.Contains(buf.String(), "panic_recovered"))
}

func TestRecoveryHandlerWrapError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	handler := NewRecoveryHandler("test")

	err := handler.WrapError(func() error { return nil })
	assert.NoError(t, err)

	err = handler.WrapError(func() error { panic("wrapped") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrapped")
}

func TestRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()
	assert.Len(t, id1, 16)
	assert.NotEqual(t, id1, id2)

	ctx := WithRunID(context.Background(), "run-42")
	assert.Equal(t, "run-42", GetRunID(ctx))

	ctx = WithRunID(context.Background(), "")
	assert.Len(t, GetRunID(ctx), 16)

	assert.Empty(t, GetRunID(context.Background()))
}
