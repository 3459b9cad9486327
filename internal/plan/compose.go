package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Segment groups an ordered plan into batches of adjacent same-kind
// steps, each at most maxBatch long. The final step of the plan is
// always alone in its own trailing batch so the terminal phase runs in
// isolation. Pure and deterministic.
func Segment(steps []Step, maxBatch int) [][]Step {
	if len(steps) == 0 {
		return nil
	}
	if maxBatch < 1 {
		maxBatch = 1
	}

	head, tail := steps[:len(steps)-1], steps[len(steps)-1]
	var batches [][]Step
	for i := 0; i < len(head); {
		j := i + 1
		for j < len(head) && head[j].Kind == head[i].Kind && j-i < maxBatch {
			j++
		}
		batches = append(batches, head[i:j])
		i = j
	}
	return append(batches, []Step{tail})
}

// Compose merges a batch into one composite step whose fields carry
// 1-based ordinal labels continuing from ordinalOffset, so prompts and
// recap text always reference globally correct step numbers. A
// singleton batch passes through with its label applied.
func Compose(batch []Step, ordinalOffset int) Step {
	if len(batch) == 1 {
		s := batch[0]
		n := ordinalOffset + 1
		return Step{
			ID:          s.ID,
			Task:        fmt.Sprintf("Step %d: %s", n, s.Task),
			Expectation: fmt.Sprintf("Step %d: %s", n, s.Expectation),
			Reason:      fmt.Sprintf("Step %d: %s", n, s.Reason),
			Kind:        s.Kind,
		}
	}

	var task, expectation, reason []string
	for i, s := range batch {
		n := ordinalOffset + i + 1
		task = append(task, fmt.Sprintf("Step %d: %s", n, s.Task))
		expectation = append(expectation, fmt.Sprintf("Step %d: %s", n, s.Expectation))
		reason = append(reason, fmt.Sprintf("Step %d: %s", n, s.Reason))
	}
	return Step{
		ID:          uuid.NewString(),
		Task:        strings.Join(task, "\n"),
		Expectation: strings.Join(expectation, "\n"),
		Reason:      strings.Join(reason, "\n"),
		Kind:        batch[0].Kind,
	}
}
