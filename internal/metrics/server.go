// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime counters for the pipeline
type Metrics struct {
	// Pipeline runs
	RunsStarted   atomic.Int64
	RunsCompleted atomic.Int64
	RunsFailed    atomic.Int64

	// Plan generation
	PlanSteps      atomic.Int64
	PlanRejections atomic.Int64

	// Phase execution
	PhaseAttempts atomic.Int64
	PhaseRetries  atomic.Int64
	PhaseFailures atomic.Int64

	// Sandbox sessions
	SessionSpawns      atomic.Int64
	SessionSpawnErrors atomic.Int64

	// Timing (last operation duration in ms)
	LastRunDurationMs   atomic.Int64
	LastPhaseDurationMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			startTime: time.Now(),
		}
	})
	return global
}

// RecordRun records a finished pipeline run
func (m *Metrics) RecordRun(success bool, durationMs int64) {
	if success {
		m.RunsCompleted.Add(1)
	} else {
		m.RunsFailed.Add(1)
	}
	m.LastRunDurationMs.Store(durationMs)
}

// RecordPhaseAttempt records one phase attempt
func (m *Metrics) RecordPhaseAttempt(retry bool, durationMs int64) {
	m.PhaseAttempts.Add(1)
	if retry {
		m.PhaseRetries.Add(1)
	}
	m.LastPhaseDurationMs.Store(durationMs)
}

// RecordSessionSpawn records a sandbox runtime launch attempt
func (m *Metrics) RecordSessionSpawn(success bool) {
	m.SessionSpawns.Add(1)
	if !success {
		m.SessionSpawnErrors.Add(1)
	}
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := time.Since(m.startTime).Seconds()

		fmt.Fprintf(w, "# HELP atelier_uptime_seconds Time since the server started\n")
		fmt.Fprintf(w, "# TYPE atelier_uptime_seconds gauge\n")
		fmt.Fprintf(w, "atelier_uptime_seconds %.2f\n\n", uptime)

		counters := []struct {
			name, help string
			value      int64
		}{
			{"atelier_runs_started_total", "Total pipeline runs started", m.RunsStarted.Load()},
			{"atelier_runs_completed_total", "Total pipeline runs completed", m.RunsCompleted.Load()},
			{"atelier_runs_failed_total", "Total pipeline runs failed", m.RunsFailed.Load()},
			{"atelier_plan_steps_total", "Total plan steps accepted", m.PlanSteps.Load()},
			{"atelier_plan_rejections_total", "Total rejected plan responses", m.PlanRejections.Load()},
			{"atelier_phase_attempts_total", "Total phase execution attempts", m.PhaseAttempts.Load()},
			{"atelier_phase_retries_total", "Total phase retry attempts", m.PhaseRetries.Load()},
			{"atelier_phase_failures_total", "Total phases that exhausted retries", m.PhaseFailures.Load()},
			{"atelier_session_spawns_total", "Total sandbox runtime launches", m.SessionSpawns.Load()},
			{"atelier_session_spawn_errors_total", "Total sandbox runtime launch failures", m.SessionSpawnErrors.Load()},
		}
		for _, c := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n\n", c.name, c.value)
		}

		fmt.Fprintf(w, "# HELP atelier_last_run_duration_ms Last pipeline run duration\n")
		fmt.Fprintf(w, "# TYPE atelier_last_run_duration_ms gauge\n")
		fmt.Fprintf(w, "atelier_last_run_duration_ms %d\n\n", m.LastRunDurationMs.Load())

		fmt.Fprintf(w, "# HELP atelier_last_phase_duration_ms Last phase attempt duration\n")
		fmt.Fprintf(w, "# TYPE atelier_last_phase_duration_ms gauge\n")
		fmt.Fprintf(w, "atelier_last_phase_duration_ms %d\n", m.LastPhaseDurationMs.Load())
	}
}
