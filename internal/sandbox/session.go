// Package sandbox manages one ephemeral coding-agent runtime process
// per pipeline run and the request/response RPC against it.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joss/atelier/internal/logging"
)

var (
	// ErrSessionStart indicates the runtime never became ready.
	ErrSessionStart = errors.New("sandbox runtime failed to start")

	// ErrSession indicates the runtime rejected or garbled a request.
	ErrSession = errors.New("sandbox runtime request failed")
)

// HTTPClient is the subset of http.Client the session depends on.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a session. Zero values take the defaults below.
type Options struct {
	Binary          string
	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "opencode"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Session wraps one runtime subprocess rooted at a task's working
// directory. Never shared across tasks.
type Session struct {
	workdir string
	diagDir string
	opts    Options
	log     *logging.Logger

	port    int
	baseURL string
	cmd     *exec.Cmd
	logFile *os.File
	client  HTTPClient

	closeOnce sync.Once
	closeErr  error
}

// New builds an unopened session. diagDir receives best-effort
// transcript snapshots for post-mortem debugging.
func New(workdir, diagDir string, opts Options) *Session {
	return &Session{
		workdir: workdir,
		diagDir: diagDir,
		opts:    opts.withDefaults(),
		client:  &http.Client{Timeout: time.Hour},
		log:     logging.New("sandbox"),
	}
}

// Open allocates a port, launches the runtime subprocess bound to it,
// and polls the readiness endpoint until it answers or the timeout
// expires. Callers must arrange Close on every exit path even if Open
// fails partway.
func (s *Session) Open(ctx context.Context) error {
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("%w: allocate port: %v", ErrSessionStart, err)
	}
	s.port = port
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	if err := os.MkdirAll(s.workdir, 0755); err != nil {
		return fmt.Errorf("%w: create workdir: %v", ErrSessionStart, err)
	}

	cmd := exec.Command(s.opts.Binary, "serve", "--port", fmt.Sprintf("%d", port))
	cmd.Dir = s.workdir
	cmd.Stdout = s.runtimeLog()
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: launch %s: %v", ErrSessionStart, s.opts.Binary, err)
	}
	s.cmd = cmd
	s.log.Info("runtime_started", map[string]interface{}{"port": port, "pid": cmd.Process.Pid})

	if err := s.waitReady(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Session) runtimeLog() io.Writer {
	if s.diagDir == "" {
		return io.Discard
	}
	if err := os.MkdirAll(s.diagDir, 0755); err != nil {
		return io.Discard
	}
	f, err := os.Create(filepath.Join(s.diagDir, "runtime.log"))
	if err != nil {
		return io.Discard
	}
	s.logFile = f
	return f
}

func (s *Session) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.opts.ReadyTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSessionStart, ctx.Err())
		case <-time.After(s.opts.PollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/app", nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionStart, err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			s.log.Info("runtime_ready", map[string]interface{}{"port": s.port})
			return nil
		}
	}
	return fmt.Errorf("%w: not ready after %s", ErrSessionStart, s.opts.ReadyTimeout)
}

// CreateConversation opens a runtime session correlating all phase
// requests for one task.
func (s *Session) CreateConversation(ctx context.Context, title string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.post(ctx, "/session", map[string]string{"title": title}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: session create returned no id", ErrSession)
	}
	return out.ID, nil
}

// InvokeRequest is one persona-scoped exchange within a conversation.
type InvokeRequest struct {
	ConversationID string
	Agent          string
	SystemPrompt   string
	Message        string
	ProviderID     string
	ModelID        string
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Invoke submits one instruction and returns the runtime's textual
// output, or an empty string when no usable text came back. Each
// invocation also snapshots the conversation transcript to the
// diagnostics directory, best-effort.
func (s *Session) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	body := map[string]interface{}{
		"providerID": req.ProviderID,
		"modelID":    req.ModelID,
		"agent":      req.Agent,
		"parts":      []messagePart{{Type: "text", Text: req.Message}},
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}

	var out struct {
		Parts []messagePart `json:"parts"`
	}
	err := s.post(ctx, "/session/"+req.ConversationID+"/message", body, &out)
	s.snapshotTranscript(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}

	text := ""
	for _, p := range out.Parts {
		if p.Type == "text" && p.Text != "" {
			text = p.Text
		}
	}
	return text, nil
}

func (s *Session) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrSession, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d: %s", ErrSession, path, resp.StatusCode, slurp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrSession, err)
		}
	}
	return nil
}

// snapshotTranscript fetches the full conversation and writes it to
// the diagnostics directory. Failures are logged, never propagated.
func (s *Session) snapshotTranscript(ctx context.Context, conversationID string) {
	if s.diagDir == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/session/"+conversationID+"/message", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("transcript_snapshot_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(s.diagDir, 0755); err != nil {
		return
	}
	f, err := os.Create(filepath.Join(s.diagDir, conversationID+".json"))
	if err != nil {
		s.log.Warn("transcript_snapshot_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer f.Close()
	io.Copy(f, resp.Body)
}

// Close terminates the subprocess, waiting for graceful exit before
// escalating to a kill. Safe to call on a session that never opened,
// and idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer func() {
			if s.logFile != nil {
				s.logFile.Close()
			}
		}()
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		pid := s.cmd.Process.Pid
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.cmd.Process.Kill()
			s.cmd.Wait()
			return
		}

		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case <-done:
			s.log.Info("runtime_stopped", map[string]interface{}{"pid": pid})
		case <-time.After(s.opts.ShutdownTimeout):
			s.log.Warn("runtime_killed", map[string]interface{}{"pid": pid})
			s.cmd.Process.Kill()
			<-done
		}
	})
	return s.closeErr
}

// Port returns the allocated runtime port, 0 before Open.
func (s *Session) Port() int { return s.port }
