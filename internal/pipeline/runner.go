// Package pipeline orchestrates one run end to end: plan synthesis,
// step batching, sandboxed phase execution, durable state updates, and
// the narration stream delivered to the caller.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joss/atelier/internal/archive"
	"github.com/joss/atelier/internal/config"
	"github.com/joss/atelier/internal/events"
	"github.com/joss/atelier/internal/logging"
	"github.com/joss/atelier/internal/metrics"
	"github.com/joss/atelier/internal/phase"
	"github.com/joss/atelier/internal/plan"
	"github.com/joss/atelier/internal/sandbox"
	"github.com/joss/atelier/internal/stream"
	"github.com/joss/atelier/internal/task"
	"github.com/oklog/ulid/v2"
)

// Strategy selects how the plan is synthesized.
type Strategy string

const (
	StrategyIncremental Strategy = "incremental"
	StrategyBatch       Strategy = "batch"
)

// EndSentinel terminates the narration stream; the recap follows it.
const EndSentinel = "<done/>"

// session is the slice of sandbox.Session the runner needs, injectable
// for tests.
type session interface {
	Open(ctx context.Context) error
	CreateConversation(ctx context.Context, title string) (string, error)
	Invoke(ctx context.Context, req sandbox.InvokeRequest) (string, error)
	Close() error
}

// Options configure a Runner.
type Options struct {
	Workspace    string
	Diagnostics  string
	Binary       string
	ProviderID   string
	PlanModel    string
	BuildModel   string
	LLMAPIKey    string
	LLMBaseURL   string
	MaxBatchSize int
	MaxPlanSteps int
	Strategy     Strategy
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 4
	}
	if o.MaxPlanSteps <= 0 {
		o.MaxPlanSteps = 15
	}
	if o.Strategy == "" {
		o.Strategy = StrategyIncremental
	}
	return o
}

// Runner executes pipeline runs. Safe for concurrent use; each run
// owns its own session, working directory, and narration stream.
type Runner struct {
	store *task.Store
	gen   *plan.Generator
	bus   *events.Bus
	opts  Options
	log   *logging.Logger

	// newSession is swapped by tests to avoid spawning subprocesses.
	newSession func(workdir, diagDir string) session

	// phaseSleep overrides the executor backoff in tests.
	phaseSleep phase.Sleeper
}

func NewRunner(store *task.Store, gen *plan.Generator, bus *events.Bus, opts Options) *Runner {
	r := &Runner{
		store: store,
		gen:   gen,
		bus:   bus,
		opts:  opts.withDefaults(),
		log:   logging.New("pipeline"),
	}
	r.newSession = func(workdir, diagDir string) session {
		return sandbox.New(workdir, diagDir, sandbox.Options{Binary: r.opts.Binary})
	}
	return r
}

// WithStrategy switches the plan synthesis strategy.
func (r *Runner) WithStrategy(s Strategy) *Runner {
	r.opts.Strategy = s
	return r
}

// RunRequest triggers one pipeline run.
type RunRequest struct {
	Title       string
	Expectation string
	Background  string
}

// RunHandle exposes a live run to its caller. Output carries narration
// fragments, then EndSentinel, then the final recap, then closes.
type RunHandle struct {
	TaskID string
	Output <-chan string
}

// Run creates the durable task record and starts the run in the
// background. The caller must drain Output.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunHandle, error) {
	t := task.NewTask(req.Title, req.Expectation)
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.Global().RunsStarted.Add(1)

	runCtx := logging.WithRunID(ctx, "")
	out := make(chan string, 16)
	logging.SafeGo("pipeline", func() {
		r.execute(runCtx, t, req, out)
	})
	return &RunHandle{TaskID: t.ID, Output: out}, nil
}

// execute drives the whole run. All narration flows through a framer
// so embedded payloads never stream inline.
func (r *Runner) execute(ctx context.Context, t *task.Task, req RunRequest, out chan<- string) {
	start := time.Now()
	log := r.log.WithTask(t.ID)
	log.Info("run_started", map[string]interface{}{"run_id": logging.GetRunID(ctx), "title": req.Title})
	rm := stream.NewResourceManager()
	framer := stream.NewFramer(rm)

	emit := func(text string) {
		for _, chunk := range framer.Push(text) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
	}
	flush := func() {
		if rest := framer.Flush(); rest != "" {
			select {
			case out <- rest:
			case <-ctx.Done():
			}
		}
	}
	defer close(out)

	fail := func(msg string, err error) {
		log.Error("run_failed", err, map[string]interface{}{"message": msg})
		if uerr := r.store.UpdateStatus(ctx, t.ID, task.StatusFailed, msg); uerr != nil {
			log.Error("mark_failed", uerr, nil)
		}
		metrics.Global().RecordRun(false, time.Since(start).Milliseconds())
		emit(EndSentinel + "\n")
		emit(msg + "\n")
		flush()
	}

	// Plan. The task flips to processing as soon as the first step is
	// accepted, while generation is still in flight, and each accepted
	// step is narrated as it lands.
	emit("<action>Planning the work</action>\n")
	accepted := 0
	onStep := func(s plan.Step) {
		accepted++
		if accepted == 1 {
			if uerr := r.store.UpdateStatus(ctx, t.ID, task.StatusProcessing, ""); uerr != nil {
				log.Error("mark_processing", uerr, nil)
			}
		}
		emit(fmt.Sprintf("<details>Step %d: %s</details>\n", accepted, firstLine(s.Task)))
	}
	steps, err := r.generatePlan(ctx, req, onStep)
	if err != nil {
		fail("I could not come up with a plan for this request.", err)
		return
	}
	if len(steps) == 0 {
		fail("The planner produced no steps for this request.", nil)
		return
	}
	metrics.Global().PlanSteps.Add(int64(len(steps)))

	if err := r.store.UpdateProgress(ctx, t.ID, 10, "Planning completed", len(steps), 0); err != nil {
		fail("Internal error while recording progress.", err)
		return
	}
	emit(fmt.Sprintf("<details>Planned %d steps.</details>\n", len(steps)))

	// Batch and persist composite steps.
	batches := plan.Segment(steps, r.opts.MaxBatchSize)
	composites := make([]plan.Step, len(batches))
	records := make([]*task.TaskStep, len(batches))
	offset := 0
	for i, batch := range batches {
		composites[i] = plan.Compose(batch, offset)
		offset += len(batch)
		records[i] = &task.TaskStep{
			ID:              ulid.Make().String(),
			TaskID:          t.ID,
			StepNumber:      i + 1,
			Kind:            string(composites[i].Kind),
			TaskDescription: composites[i].Task,
			Expectation:     composites[i].Expectation,
			Reason:          composites[i].Reason,
		}
		if err := r.store.CreateStep(ctx, records[i]); err != nil {
			fail("Internal error while recording the plan.", err)
			return
		}
	}

	// Session.
	workdir := filepath.Join(r.opts.Workspace, t.ID)
	diagDir := filepath.Join(r.opts.Diagnostics, t.ID)
	if err := r.writeRuntimeConfig(workdir); err != nil {
		fail("Could not prepare the working directory.", err)
		return
	}

	sess := r.newSession(workdir, diagDir)
	defer sess.Close()

	if err := sess.Open(ctx); err != nil {
		metrics.Global().RecordSessionSpawn(false)
		fail("The build environment failed to start.", err)
		return
	}
	metrics.Global().RecordSessionSpawn(true)

	conversationID, err := sess.CreateConversation(ctx, req.Title)
	if err != nil {
		fail("The build environment rejected the session.", err)
		return
	}

	executor := phase.NewExecutor(sess, workdir, r.opts.ProviderID, r.opts.BuildModel)
	if r.phaseSleep != nil {
		executor.WithSleeper(r.phaseSleep)
	}

	// Execute batches in order.
	executed := 0
	for i, comp := range composites {
		desc := fmt.Sprintf("Executing steps %d-%d of %d", executed+1, executed+len(batches[i]), len(steps))
		if len(batches[i]) == 1 {
			desc = fmt.Sprintf("Executing step %d of %d", executed+1, len(steps))
		}
		if err := r.store.UpdateProgress(ctx, t.ID, task.Progress(executed, len(steps)), desc, len(steps), executed); err != nil {
			fail("Internal error while recording progress.", err)
			return
		}
		emit(fmt.Sprintf("<action>%s</action>\n", desc))
		emit(fmt.Sprintf("<details>%s</details>\n", firstLine(comp.Reason)))

		if err := r.store.UpdateStepStatus(ctx, records[i].ID, task.StepExecuting, "", ""); err != nil {
			fail("Internal error while recording progress.", err)
			return
		}

		output, err := executor.Execute(ctx, comp, conversationID)
		if err != nil {
			metrics.Global().PhaseFailures.Add(1)
			r.store.UpdateStepStatus(ctx, records[i].ID, task.StepFailed, "", err.Error())
			fail(fmt.Sprintf("Execution failed at step %d: the %s phase produced no usable output.", i+1, comp.Kind), err)
			return
		}
		if err := r.store.UpdateStepStatus(ctx, records[i].ID, task.StepCompleted, output, ""); err != nil {
			fail("Internal error while recording progress.", err)
			return
		}
		executed += len(batches[i])
		emit(firstLine(output) + "\n")
	}

	// Record artifacts and finish.
	hasIndex := archive.HasIndexHTML(workdir)
	if err := r.store.UpdateOutput(ctx, t.ID, workdir, hasIndex); err != nil {
		fail("Internal error while recording output.", err)
		return
	}
	if err := r.store.UpdateStatus(ctx, t.ID, task.StatusCompleted, ""); err != nil {
		fail("Internal error while completing the task.", err)
		return
	}
	metrics.Global().RecordRun(true, time.Since(start).Milliseconds())
	log.Timed("run_completed", start, map[string]interface{}{"steps": len(steps)})

	emit(EndSentinel + "\n")
	emit(r.recap(t.ID, workdir, hasIndex, rm))
	flush()
}

func (r *Runner) generatePlan(ctx context.Context, req RunRequest, onStep func(plan.Step)) ([]plan.Step, error) {
	opts := plan.Options{Model: r.opts.PlanModel, MaxSteps: r.opts.MaxPlanSteps, OnStep: onStep}
	if r.opts.Strategy == StrategyBatch {
		return r.gen.Batch(ctx, req.Title, req.Expectation, req.Background, opts)
	}
	return r.gen.Incremental(ctx, req.Title, req.Expectation, req.Background, opts)
}

// writeRuntimeConfig rebuilds the runtime's agent configuration in the
// working directory before the subprocess starts.
func (r *Runner) writeRuntimeConfig(workdir string) error {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return err
	}
	doc := config.BuildRuntimeConfig(
		config.RuntimeModels{Provider: r.opts.ProviderID, Plan: r.opts.PlanModel, Build: r.opts.BuildModel},
		config.RuntimeSecrets{APIKey: r.opts.LLMAPIKey, BaseURL: r.opts.LLMBaseURL},
	)
	return config.WriteRuntimeConfig(doc, filepath.Join(workdir, "opencode.json"))
}

// recap builds the final message. The primary artifact travels as an
// embedded resource so the framer controls when its bytes appear.
func (r *Runner) recap(taskID, workdir string, hasIndex bool, rm *stream.ResourceManager) string {
	var b strings.Builder
	b.WriteString("The task is finished.\n")
	if !hasIndex {
		b.WriteString("No index.html was produced; check the working directory for partial output.\n")
		return b.String()
	}

	indexPath := findIndexHTML(workdir)
	data, err := os.ReadFile(indexPath)
	if err != nil {
		b.WriteString("The final page exists but could not be read back.\n")
		return b.String()
	}

	uri := "data:text/html;base64," + base64.StdEncoding.EncodeToString(data)
	embedded := rm.EmbedResource(fmt.Sprintf("<files>\n<file name=%q>%q</file>\n</files>\n", "index.html", uri))
	b.WriteString(embedded)
	return b.String()
}

func findIndexHTML(dir string) string {
	var found string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if found == "" && !info.IsDir() && filepath.Base(path) == "index.html" {
			found = path
		}
		return nil
	})
	return found
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
