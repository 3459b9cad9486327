package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/atelier/internal/metrics"
	"github.com/joss/atelier/pkg/llm"
)

func kinds(batches [][]Step) [][]StepKind {
	out := make([][]StepKind, len(batches))
	for i, b := range batches {
		for _, s := range b {
			out[i] = append(out[i], s.Kind)
		}
	}
	return out
}

func mkSteps(ks ...StepKind) []Step {
	steps := make([]Step, len(ks))
	for i, k := range ks {
		steps[i] = Step{ID: string(rune('a' + i)), Task: "t", Expectation: "e", Reason: "r", Kind: k}
	}
	return steps
}

func TestSegment(t *testing.T) {
	steps := mkSteps(KindResearch, KindResearch, KindResearch, KindBuild, KindBuild, KindFinalize)
	got := Segment(steps, 2)
	want := [][]StepKind{
		{KindResearch, KindResearch},
		{KindResearch},
		{KindBuild, KindBuild},
		{KindFinalize},
	}
	assert.Equal(t, want, kinds(got))
}

func TestSegmentFinalStepAlwaysIsolated(t *testing.T) {
	// Even when the final step matches the kind of the batch before it.
	steps := mkSteps(KindBuild, KindBuild, KindBuild)
	got := Segment(steps, 4)
	assert.Equal(t, [][]StepKind{{KindBuild, KindBuild}, {KindBuild}}, kinds(got))
}

func TestSegmentSingleton(t *testing.T) {
	got := Segment(mkSteps(KindFinalize), 4)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 1)
}

func TestSegmentEmpty(t *testing.T) {
	assert.Nil(t, Segment(nil, 4))
}

func TestSegmentNeverExceedsMax(t *testing.T) {
	steps := mkSteps(
		KindResearch, KindResearch, KindResearch, KindResearch, KindResearch,
		KindBuild, KindBuild, KindBuild, KindBuild, KindFinalize,
	)
	for max := 1; max <= 5; max++ {
		total := 0
		for _, b := range Segment(steps, max) {
			assert.LessOrEqual(t, len(b), max)
			total += len(b)
		}
		assert.Equal(t, len(steps), total, "segmentation must preserve every step")
	}
}

func TestComposeOrdinalContinuity(t *testing.T) {
	steps := mkSteps(KindResearch, KindResearch, KindBuild)
	steps[0].Task, steps[1].Task, steps[2].Task = "first", "second", "third"

	c1 := Compose(steps[:2], 0)
	c2 := Compose(steps[2:], 2)

	assert.Contains(t, c1.Task, "Step 1: first")
	assert.Contains(t, c1.Task, "Step 2: second")
	assert.Contains(t, c2.Task, "Step 3: third")
	assert.NotContains(t, c2.Task, "Step 1")
	assert.Equal(t, KindResearch, c1.Kind)
	assert.Equal(t, KindBuild, c2.Kind)
}

func TestComposeSingletonKeepsID(t *testing.T) {
	steps := mkSteps(KindFinalize)
	c := Compose(steps, 5)
	assert.Equal(t, steps[0].ID, c.ID)
	assert.Contains(t, c.Task, "Step 6:")
}

func TestParseStep(t *testing.T) {
	raw := "Sure, here is the next step:\n```json\n" +
		`{"task": "research the topic", "expectation": "notes.md exists", "reason": "need facts", "kind": "research"}` +
		"\n```"
	s, err := ParseStep(raw)
	require.NoError(t, err)
	assert.Equal(t, "research the topic", s.Task)
	assert.Equal(t, KindResearch, s.Kind)
	assert.NotEmpty(t, s.ID)
}

func TestParseStepKeyAndKindVariants(t *testing.T) {
	s, err := ParseStep(`{"task": "x", "step_type": "plan"}`)
	require.NoError(t, err)
	assert.Equal(t, KindResearch, s.Kind)

	s, err = ParseStep(`{"task": "x", "kind": "Create"}`)
	require.NoError(t, err)
	assert.Equal(t, KindBuild, s.Kind)
}

func TestParseStepRepairsTrailingComma(t *testing.T) {
	s, err := ParseStep(`{"task": "x", "kind": "build",}`)
	require.NoError(t, err)
	assert.Equal(t, KindBuild, s.Kind)
}

func TestParseStepFailures(t *testing.T) {
	_, err := ParseStep("no json here")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)

	_, err = ParseStep(`{"task": "x", "kind": "dance"}`)
	require.ErrorAs(t, err, &perr)

	_, err = ParseStep(`{"kind": "build"}`)
	require.ErrorAs(t, err, &perr)
}

func TestParsePlan(t *testing.T) {
	raw := `[
		{"task": "a", "kind": "research"},
		{"task": "b", "kind": "build"},
		{"task": "c", "kind": "finalize"}
	]`
	steps, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, KindFinalize, steps[2].Kind)
}

func TestIsDone(t *testing.T) {
	assert.True(t, IsDone("  <done/>  "))
	assert.False(t, IsDone(`{"task": "x"}`))
}

// scriptedProvider replays canned completions in order.
type scriptedProvider struct {
	responses []string
	prompts   []string
}

func (p *scriptedProvider) ID() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.ChatRequest) (string, error) {
	p.prompts = append(p.prompts, req.Messages[len(req.Messages)-1].Content)
	if len(p.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Stream(context.Context, *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	return nil, errors.New("not scripted")
}

func TestIncremental(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`{"task": "gather", "kind": "research"}`,
		`not valid json at all`,
		`{"task": "assemble", "kind": "finalize"}`,
		`<done/>`,
	}}
	g := NewGenerator(p)

	steps, err := g.Incremental(context.Background(), "T", "build a thing", "", Options{})
	require.NoError(t, err)
	require.Len(t, steps, 2, "unparseable response is skipped, not fatal")
	assert.Equal(t, KindResearch, steps[0].Kind)
	assert.Equal(t, KindFinalize, steps[1].Kind)

	// Accepted steps feed back into later prompts.
	assert.Contains(t, p.prompts[3], "gather")
}

func TestIncrementalEmptyPlanIsValid(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<done/>`}}
	steps, err := NewGenerator(p).Incremental(context.Background(), "T", "r", "", Options{})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestIncrementalCeiling(t *testing.T) {
	p := &scriptedProvider{}
	for i := 0; i < 20; i++ {
		p.responses = append(p.responses, `{"task": "more", "kind": "build"}`)
	}
	steps, err := NewGenerator(p).Incremental(context.Background(), "T", "r", "", Options{MaxSteps: 5})
	require.NoError(t, err)
	assert.Len(t, steps, 5)
}

func TestIncrementalReportsStepsAsAccepted(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`not valid json at all`,
		`{"task": "gather", "kind": "research"}`,
		`{"task": "assemble", "kind": "finalize"}`,
		`<done/>`,
	}}
	g := NewGenerator(p)

	var seen []string
	var promptsAt []int
	steps, err := g.Incremental(context.Background(), "T", "r", "", Options{
		OnStep: func(s Step) {
			seen = append(seen, s.Task)
			promptsAt = append(promptsAt, len(p.prompts))
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []string{"gather", "assemble"}, seen, "skipped responses are not reported")
	// Each acceptance is reported before the next request goes out.
	assert.Equal(t, []int{2, 3}, promptsAt)
}

func TestBatchRetriesWithFeedback(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`[{"task": "a", "kind": "build"}, {"task": "b", "kind": "finalize"}]`,
		`[{"task": "a", "kind": "research"}, {"task": "b", "kind": "finalize"}]`,
	}}
	g := NewGenerator(p)

	steps, err := g.Batch(context.Background(), "T", "r", "", Options{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Len(t, p.prompts, 2)
	assert.Contains(t, p.prompts[1], "first step must be research")
}

func TestBatchReportsAcceptedSteps(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`[{"task": "a", "kind": "research"}, {"task": "b", "kind": "finalize"}]`,
	}}

	var seen []string
	steps, err := NewGenerator(p).Batch(context.Background(), "T", "r", "", Options{
		OnStep: func(s Step) { seen = append(seen, s.Task) },
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestBatchRejectionCounted(t *testing.T) {
	before := metrics.Global().PlanRejections.Load()
	p := &scriptedProvider{responses: []string{
		`[{"task": "a", "kind": "build"}, {"task": "b", "kind": "finalize"}]`,
		`[{"task": "a", "kind": "research"}, {"task": "b", "kind": "finalize"}]`,
	}}

	_, err := NewGenerator(p).Batch(context.Background(), "T", "r", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, before+1, metrics.Global().PlanRejections.Load())
}

func TestBatchExhaustsRetries(t *testing.T) {
	p := &scriptedProvider{responses: []string{`nope`, `nope`, `nope`}}
	_, err := NewGenerator(p).Batch(context.Background(), "T", "r", "", Options{Retries: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanGeneration))
	assert.Len(t, p.prompts, 3)
}

func TestBatchRejectsEmptyPlan(t *testing.T) {
	p := &scriptedProvider{responses: []string{`[]`, `[]`, `[]`}}
	_, err := NewGenerator(p).Batch(context.Background(), "T", "r", "", Options{Retries: 3})
	assert.True(t, errors.Is(err, ErrPlanGeneration))
}

func TestExtractJSONNested(t *testing.T) {
	raw := `prefix {"a": {"b": "c}"}, "d": [1, 2]} suffix`
	assert.Equal(t, `{"a": {"b": "c}"}, "d": [1, 2]}`, extractJSON(raw, '{', '}'))
}

func TestRepairJSONNewlineInString(t *testing.T) {
	repaired, ok := repairJSON("{\"task\": \"line one\nline two\"}")
	require.True(t, ok)
	assert.False(t, strings.Contains(repaired, "\n"))
}
