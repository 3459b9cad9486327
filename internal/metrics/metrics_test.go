package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsGlobal(t *testing.T) {
	m1 := Global()
	m2 := Global()

	if m1 != m2 {
		t.Error("Global() should return same instance")
	}
}

func TestRecordRun(t *testing.T) {
	m := &Metrics{startTime: time.Now()}

	m.RecordRun(true, 1200)
	if m.RunsCompleted.Load() != 1 {
		t.Errorf("expected 1 completed run, got %d", m.RunsCompleted.Load())
	}
	if m.RunsFailed.Load() != 0 {
		t.Errorf("expected 0 failed runs, got %d", m.RunsFailed.Load())
	}
	if m.LastRunDurationMs.Load() != 1200 {
		t.Errorf("expected duration 1200, got %d", m.LastRunDurationMs.Load())
	}

	m.RecordRun(false, 300)
	if m.RunsFailed.Load() != 1 {
		t.Errorf("expected 1 failed run, got %d", m.RunsFailed.Load())
	}
}

func TestRecordPhaseAttempt(t *testing.T) {
	m := &Metrics{startTime: time.Now()}

	m.RecordPhaseAttempt(false, 50)
	m.RecordPhaseAttempt(true, 80)

	if m.PhaseAttempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", m.PhaseAttempts.Load())
	}
	if m.PhaseRetries.Load() != 1 {
		t.Errorf("expected 1 retry, got %d", m.PhaseRetries.Load())
	}
	if m.LastPhaseDurationMs.Load() != 80 {
		t.Errorf("expected duration 80, got %d", m.LastPhaseDurationMs.Load())
	}
}

func TestRecordSessionSpawn(t *testing.T) {
	m := &Metrics{startTime: time.Now()}

	m.RecordSessionSpawn(true)
	m.RecordSessionSpawn(false)

	if m.SessionSpawns.Load() != 2 {
		t.Errorf("expected 2 spawns, got %d", m.SessionSpawns.Load())
	}
	if m.SessionSpawnErrors.Load() != 1 {
		t.Errorf("expected 1 error, got %d", m.SessionSpawnErrors.Load())
	}
}

func TestHandler(t *testing.T) {
	m := &Metrics{startTime: time.Now()}
	m.RunsStarted.Add(3)
	m.PhaseAttempts.Add(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	if !strings.Contains(out, "atelier_runs_started_total 3") {
		t.Errorf("missing runs counter in output:\n%s", out)
	}
	if !strings.Contains(out, "atelier_phase_attempts_total 7") {
		t.Errorf("missing attempts counter in output:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE atelier_uptime_seconds gauge") {
		t.Errorf("missing uptime gauge in output:\n%s", out)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}
