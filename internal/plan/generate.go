package plan

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/joss/atelier/internal/logging"
	"github.com/joss/atelier/internal/metrics"
	"github.com/joss/atelier/pkg/llm"
)

const (
	defaultMaxSteps = 15
	defaultRetries  = 3
)

// Options bound one generation run. Zero values fall back to defaults.
type Options struct {
	Model    string
	MaxSteps int
	Retries  int

	// OnStep is invoked for each step the moment it is accepted, before
	// generation continues. Callers use it to act on a plan in flight.
	OnStep func(Step)
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.Retries <= 0 {
		o.Retries = defaultRetries
	}
	return o
}

// Generator drives an LLM to synthesize an ordered plan.
type Generator struct {
	provider llm.Provider
	log      *logging.Logger
}

func NewGenerator(p llm.Provider) *Generator {
	return &Generator{provider: p, log: logging.New("plan")}
}

const incrementalSystem = `You are a planning assistant for a build pipeline.
You produce one plan step at a time as a single JSON object:
{"task": "...", "expectation": "...", "reason": "...", "kind": "research|build|finalize"}
Rules:
- "research" steps gather information and write markdown notes.
- "build" steps produce HTML output files.
- "finalize" steps assemble the final index.html deliverable.
- Reply with exactly one JSON object and nothing else.
- When the plan is complete, reply with exactly ` + doneSentinel + ` instead of a step.`

const batchSystem = `You are a planning assistant for a build pipeline.
You produce a complete ordered plan as a single JSON array of steps:
[{"task": "...", "expectation": "...", "reason": "...", "kind": "research|build|finalize"}, ...]
Rules:
- The first step must have kind "research".
- The last step must have kind "finalize".
- "research" steps gather information and write markdown notes.
- "build" steps produce HTML output files.
- "finalize" steps assemble the final index.html deliverable.
- Reply with exactly one JSON array and nothing else.`

// Incremental asks the model one step at a time, feeding back the
// accepted steps, until it emits the terminal sentinel or the step
// ceiling is reached. An empty result is a valid outcome, not an
// error. Responses that fail to parse are skipped, not retried.
func (g *Generator) Incremental(ctx context.Context, title, request, background string, opts Options) ([]Step, error) {
	opts = opts.withDefaults()
	var steps []Step

	for iter := 0; iter < opts.MaxSteps; iter++ {
		prompt := g.incrementalPrompt(title, request, background, steps, opts.MaxSteps)
		resp, err := g.provider.Complete(ctx, &llm.ChatRequest{
			Model: opts.Model,
			Messages: []llm.Message{
				{Role: "system", Content: incrementalSystem},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("plan step request: %w", err)
		}
		if IsDone(resp) {
			break
		}
		step, perr := ParseStep(resp)
		if perr != nil {
			g.log.Warn("plan_step_unparseable", map[string]interface{}{
				"iteration": iter,
				"reason":    perr.Error(),
			})
			continue
		}
		steps = append(steps, step)
		g.log.Info("plan_step_accepted", map[string]interface{}{
			"step": len(steps),
			"kind": string(step.Kind),
		})
		if opts.OnStep != nil {
			opts.OnStep(step)
		}
	}
	return steps, nil
}

func (g *Generator) incrementalPrompt(title, request, background string, accepted []Step, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nRequest: %s\n", title, request)
	if background != "" {
		fmt.Fprintf(&b, "\nBackground information:\n%s\n", background)
	}
	if len(accepted) == 0 {
		b.WriteString("\nNo steps accepted yet. The first step must have kind \"research\".\n")
	} else {
		b.WriteString("\nSteps accepted so far:\n")
		for i, s := range accepted {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, s.Kind, s.Task)
		}
	}
	remaining := maxSteps - len(accepted)
	if remaining <= maxSteps/2 {
		fmt.Fprintf(&b, "\nOnly %d steps remain before the plan limit. Wrap up: make sure a finalize step comes before the limit, or reply %s if the plan is complete.\n", remaining, doneSentinel)
	}
	b.WriteString("\nWhat is the next step?")
	return b.String()
}

// Batch requests the whole plan in one structured array and validates
// it, retrying with accumulated error feedback and a fresh sampling
// seed until the retry budget runs out.
func (g *Generator) Batch(ctx context.Context, title, request, background string, opts Options) ([]Step, error) {
	opts = opts.withDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nRequest: %s\n", title, request)
	if background != "" {
		fmt.Fprintf(&b, "\nBackground information:\n%s\n", background)
	}
	fmt.Fprintf(&b, "\nProduce the full plan now, at most %d steps.", opts.MaxSteps)
	base := b.String()

	var feedback []string
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		prompt := base
		if len(feedback) > 0 {
			prompt += "\n\nYour previous attempts were rejected:\n- " + strings.Join(feedback, "\n- ") + "\nCorrect these problems."
		}
		resp, err := g.provider.Complete(ctx, &llm.ChatRequest{
			Model: opts.Model,
			Seed:  rand.IntN(1 << 31),
			Messages: []llm.Message{
				{Role: "system", Content: batchSystem},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			feedback = append(feedback, "request failed: "+err.Error())
			continue
		}
		steps, verr := g.validateBatch(resp, opts.MaxSteps)
		if verr != nil {
			metrics.Global().PlanRejections.Add(1)
			g.log.Warn("plan_batch_rejected", map[string]interface{}{
				"attempt": attempt,
				"reason":  verr.Error(),
			})
			feedback = append(feedback, verr.Error())
			continue
		}
		if opts.OnStep != nil {
			for _, s := range steps {
				opts.OnStep(s)
			}
		}
		return steps, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %s", ErrPlanGeneration, opts.Retries, strings.Join(feedback, "; "))
}

func (g *Generator) validateBatch(resp string, maxSteps int) ([]Step, error) {
	steps, err := ParsePlan(resp)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan is empty")
	}
	if len(steps) > maxSteps {
		return nil, fmt.Errorf("plan has %d steps, limit is %d", len(steps), maxSteps)
	}
	if steps[0].Kind != KindResearch {
		return nil, fmt.Errorf("first step must be research, got %s", steps[0].Kind)
	}
	if last := steps[len(steps)-1].Kind; last != KindFinalize {
		return nil, fmt.Errorf("last step must be finalize, got %s", last)
	}
	return steps, nil
}
