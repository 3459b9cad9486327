// Package render provides output formatting for terminal consumption.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/joss/atelier/internal/task"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
}

// New creates a new renderer.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

// Tasks formats a task list, newest first.
func (r *Renderer) Tasks(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return "No tasks found"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Tasks\n"))
		sb.WriteString(strings.Repeat("─", 72) + "\n")
	}
	for _, t := range tasks {
		r.formatTask(&sb, t)
	}
	return sb.String()
}

func (r *Renderer) formatTask(sb *strings.Builder, t *task.Task) {
	timeStr := t.CreatedAt.Local().Format("Jan 02 15:04")
	if r.pretty {
		fmt.Fprintf(sb, "%s %s  %s  %3d%%  %s\n",
			r.statusMark(string(t.Status)), color.HiBlackString(timeStr), t.ID, t.Progress, t.Title)
		if t.ErrorMessage != "" {
			fmt.Fprintf(sb, "    %s\n", color.RedString(t.ErrorMessage))
		}
	} else {
		fmt.Fprintf(sb, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, timeStr, t.Progress, t.Title)
	}
}

// Task formats one task in detail.
func (r *Renderer) Task(t *task.Task, steps []*task.TaskStep) string {
	var sb strings.Builder
	if r.pretty {
		fmt.Fprintf(&sb, "%s %s\n", r.statusMark(string(t.Status)), color.CyanString(t.Title))
	} else {
		fmt.Fprintf(&sb, "%s %s\n", t.Status, t.Title)
	}
	fmt.Fprintf(&sb, "  id:          %s\n", t.ID)
	fmt.Fprintf(&sb, "  status:      %s\n", t.Status)
	fmt.Fprintf(&sb, "  progress:    %d%%\n", t.Progress)
	fmt.Fprintf(&sb, "  created:     %s\n", t.CreatedAt.Local().Format(time.RFC1123))
	if t.CurrentStep != "" {
		fmt.Fprintf(&sb, "  last stage:  %s\n", t.CurrentStep)
	}
	if t.OutputDirectory != "" {
		fmt.Fprintf(&sb, "  output:      %s\n", t.OutputDirectory)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(&sb, "  error:       %s\n", t.ErrorMessage)
	}

	if len(steps) > 0 {
		sb.WriteString("\n")
		for _, st := range steps {
			r.formatStep(&sb, st)
		}
	}
	return sb.String()
}

func (r *Renderer) formatStep(sb *strings.Builder, st *task.TaskStep) {
	first := st.TaskDescription
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if r.pretty {
		fmt.Fprintf(sb, "  %s [%s] %s\n", r.statusMark(string(st.Status)), st.Kind, first)
	} else {
		fmt.Fprintf(sb, "  %d\t%s\t%s\t%s\n", st.StepNumber, st.Status, st.Kind, first)
	}
}

func (r *Renderer) statusMark(status string) string {
	if !r.pretty {
		return status
	}
	switch status {
	case "completed":
		return color.GreenString("✓")
	case "failed":
		return color.RedString("✗")
	case "processing", "executing":
		return color.YellowString("▸")
	default:
		return color.HiBlackString("·")
	}
}

var (
	actionPattern  = regexp.MustCompile(`<action>(.*?)</action>`)
	detailsPattern = regexp.MustCompile(`<details>(.*?)</details>`)
	filesPattern   = regexp.MustCompile(`(?s)<files>.*?</files>`)
)

// Narration rewrites a stream fragment for the terminal: action and
// details markers become styled lines, and embedded file payloads are
// collapsed to a short notice instead of dumping base64 at the user.
func (r *Renderer) Narration(chunk string) string {
	chunk = filesPattern.ReplaceAllString(chunk, "(artifact attached; use the download command to fetch it)")
	if r.pretty {
		chunk = actionPattern.ReplaceAllStringFunc(chunk, func(m string) string {
			return color.CyanString("==> ") + actionPattern.FindStringSubmatch(m)[1]
		})
		chunk = detailsPattern.ReplaceAllStringFunc(chunk, func(m string) string {
			return color.HiBlackString(detailsPattern.FindStringSubmatch(m)[1])
		})
	} else {
		chunk = actionPattern.ReplaceAllString(chunk, "==> $1")
		chunk = detailsPattern.ReplaceAllString(chunk, "$1")
	}
	return chunk
}
