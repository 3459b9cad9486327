package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joss/atelier/internal/task"
)

func TestTasksEmpty(t *testing.T) {
	r := New(false)
	assert.Equal(t, "No tasks found", r.Tasks(nil))
}

func TestTasksPlain(t *testing.T) {
	r := New(false)
	out := r.Tasks([]*task.Task{{
		ID: "01ABC", Title: "my run", Status: task.StatusCompleted,
		Progress: 100, CreatedAt: time.Now(),
	}})
	assert.Contains(t, out, "01ABC")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "my run")
}

func TestTaskDetail(t *testing.T) {
	r := New(false)
	out := r.Task(&task.Task{
		ID: "01ABC", Title: "t", Status: task.StatusFailed,
		ErrorMessage: "boom", CreatedAt: time.Now(),
	}, []*task.TaskStep{{
		StepNumber: 1, Kind: "research", Status: task.StepFailed,
		TaskDescription: "Step 1: dig in\nmore text",
	}})
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "Step 1: dig in")
	assert.False(t, strings.Contains(out, "more text"), "only the first line of a step shows")
}

func TestNarration(t *testing.T) {
	r := New(false)
	out := r.Narration("<action>Planning the work</action>\n<details>3 steps</details>\n")
	assert.Equal(t, "==> Planning the work\n3 steps\n", out)
}

func TestNarrationCollapsesFiles(t *testing.T) {
	r := New(false)
	out := r.Narration("done\n<files>\n<file name=\"index.html\">\"data:text/html;base64,AAAA\"</file>\n</files>\n")
	assert.NotContains(t, out, "base64")
	assert.Contains(t, out, "artifact attached")
}
