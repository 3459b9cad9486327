// Package phase executes composite plan steps against a sandbox
// session with a bounded retry-until-artifact policy.
package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joss/atelier/internal/config"
	"github.com/joss/atelier/internal/logging"
	"github.com/joss/atelier/internal/metrics"
	"github.com/joss/atelier/internal/plan"
	"github.com/joss/atelier/internal/sandbox"
)

// ErrPhaseExecution is returned after a phase exhausts its attempts.
// Fatal to the owning task.
var ErrPhaseExecution = errors.New("phase execution failed")

const (
	maxAttempts  = 3
	retryMessage = "The previous attempt did not produce the expected output files. Please complete the step now, writing the required files to the working directory."
)

// Profile fixes the persona, system prompt, and artifact check for one
// phase kind. The table below is the closed set of phases; adding a
// kind means adding a row, not touching call sites.
type Profile struct {
	Persona      string
	SystemPrompt string
	ArtifactGlob string
}

var profiles = map[plan.StepKind]Profile{
	plan.KindResearch: {
		Persona:      "research",
		SystemPrompt: config.ResearchPrompt,
		ArtifactGlob: "**/*.md",
	},
	plan.KindBuild: {
		Persona:      "build",
		SystemPrompt: config.BuildPrompt,
		ArtifactGlob: "**/*.html",
	},
	plan.KindFinalize: {
		Persona:      "finalize",
		SystemPrompt: config.FinalizePrompt,
		ArtifactGlob: "**/index.html",
	},
}

// ProfileFor returns the profile for a phase kind.
func ProfileFor(kind plan.StepKind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, fmt.Errorf("no profile for phase kind %q", kind)
	}
	return p, nil
}

// Invoker is the slice of the sandbox session the executor needs.
type Invoker interface {
	Invoke(ctx context.Context, req sandbox.InvokeRequest) (string, error)
}

// Sleeper lets tests observe backoff without waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Executor runs phases for one task against one conversation.
type Executor struct {
	invoker    Invoker
	workdir    string
	providerID string
	modelID    string
	sleep      Sleeper
	log        *logging.Logger
}

func NewExecutor(invoker Invoker, workdir, providerID, modelID string) *Executor {
	return &Executor{
		invoker:    invoker,
		workdir:    workdir,
		providerID: providerID,
		modelID:    modelID,
		sleep:      realSleep,
		log:        logging.New("phase"),
	}
}

// WithSleeper replaces the backoff sleep, for tests.
func (e *Executor) WithSleeper(s Sleeper) *Executor {
	e.sleep = s
	return e
}

// attempt is the outcome of one try at a phase.
type attempt struct {
	output string
	reason string
	ok     bool
}

// Execute runs one composite step, retrying up to three times. The
// first attempt sends the step's own instruction; later attempts send
// a short retry nudge since the conversation already carries the task
// context. An attempt succeeds only when the runtime returned text AND
// the kind's artifact glob matches a file in the working directory.
// Between failures it sleeps 4s then 8s.
func (e *Executor) Execute(ctx context.Context, step plan.Step, conversationID string) (string, error) {
	profile, err := ProfileFor(step.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPhaseExecution, err)
	}
	log := e.log.WithStep(0, string(step.Kind))

	for n := 1; n <= maxAttempts; n++ {
		message := step.Task
		if step.Expectation != "" {
			message += "\n\nExpected outcome:\n" + step.Expectation
		}
		if n > 1 {
			message = retryMessage
		}

		attemptStart := time.Now()
		a := e.tryOnce(ctx, profile, message, conversationID)
		metrics.Global().RecordPhaseAttempt(n > 1, time.Since(attemptStart).Milliseconds())
		if a.ok {
			log.Info("phase_completed", map[string]interface{}{"attempt": n})
			return a.output, nil
		}
		log.Warn("phase_attempt_failed", map[string]interface{}{
			"attempt": n,
			"reason":  a.reason,
		})

		if n < maxAttempts {
			backoff := time.Duration(1<<(n+1)) * time.Second
			if err := e.sleep(ctx, backoff); err != nil {
				return "", fmt.Errorf("%w: %v", ErrPhaseExecution, err)
			}
		}
	}
	return "", fmt.Errorf("%w: %s phase gave no usable output after %d attempts", ErrPhaseExecution, step.Kind, maxAttempts)
}

// tryOnce absorbs transient errors into a failed attempt; only the
// retry budget converts failures into ErrPhaseExecution.
func (e *Executor) tryOnce(ctx context.Context, profile Profile, message, conversationID string) attempt {
	out, err := e.invoker.Invoke(ctx, sandbox.InvokeRequest{
		ConversationID: conversationID,
		Agent:          profile.Persona,
		SystemPrompt:   profile.SystemPrompt,
		Message:        message,
		ProviderID:     e.providerID,
		ModelID:        e.modelID,
	})
	if err != nil {
		return attempt{reason: err.Error()}
	}
	if out == "" {
		return attempt{reason: "empty output"}
	}
	if !e.artifactPresent(profile.ArtifactGlob) {
		return attempt{reason: "no artifact matching " + profile.ArtifactGlob}
	}
	return attempt{output: out, ok: true}
}

func (e *Executor) artifactPresent(glob string) bool {
	matches, err := doublestar.Glob(os.DirFS(e.workdir), glob)
	if err != nil {
		return false
	}
	return len(matches) > 0
}
