package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSession wires a session to an httptest runtime without spawning
// a subprocess.
func testSession(t *testing.T, handler http.Handler) (*Session, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := New(t.TempDir(), t.TempDir(), Options{
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	s.baseURL = srv.URL
	s.client = srv.Client()
	return s, srv
}

func TestFreePort(t *testing.T) {
	p1, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, p1, 0)
}

func TestWaitReady(t *testing.T) {
	var calls int
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app", r.URL.Path)
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, s.waitReady(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestWaitReadyTimeout(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	s.opts.ReadyTimeout = 50 * time.Millisecond

	err := s.waitReady(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionStart))
}

func TestCreateConversation(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "my run", body["title"])

		json.NewEncoder(w).Encode(map[string]string{"id": "conv-1"})
	}))

	id, err := s.CreateConversation(context.Background(), "my run")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
}

func TestCreateConversationNoID(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := s.CreateConversation(context.Background(), "t")
	assert.True(t, errors.Is(err, ErrSession))
}

func TestInvoke(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/conv-1/message":
			if r.Method == http.MethodPost {
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "research", body["agent"])
				assert.Equal(t, "openai", body["providerID"])

				json.NewEncoder(w).Encode(map[string]interface{}{
					"parts": []map[string]string{
						{"type": "tool", "text": "ignored"},
						{"type": "text", "text": "first"},
						{"type": "text", "text": "the answer"},
					},
				})
				return
			}
			// Transcript snapshot fetch.
			json.NewEncoder(w).Encode([]map[string]string{{"role": "user"}})
		default:
			http.NotFound(w, r)
		}
	}))

	out, err := s.Invoke(context.Background(), InvokeRequest{
		ConversationID: "conv-1",
		Agent:          "research",
		ProviderID:     "openai",
		ModelID:        "gpt-4o",
		Message:        "go look things up",
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", out, "last text part wins")

	// Snapshot written alongside.
	data, err := os.ReadFile(filepath.Join(s.diagDir, "conv-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "user")
}

func TestInvokeEmptyOutput(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"parts": []map[string]string{}})
	}))

	out, err := s.Invoke(context.Background(), InvokeRequest{ConversationID: "c"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInvokeRuntimeError(t *testing.T) {
	s, _ := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))

	_, err := s.Invoke(context.Background(), InvokeRequest{ConversationID: "c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSession))
}

func TestCloseWithoutOpen(t *testing.T) {
	s := New(t.TempDir(), "", Options{})
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestOpenBadBinary(t *testing.T) {
	s := New(t.TempDir(), "", Options{Binary: "definitely-not-a-real-binary-xyz"})
	defer s.Close()

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionStart))
}

func TestCloseReleasesRuntimeLog(t *testing.T) {
	s := New(t.TempDir(), t.TempDir(), Options{})

	w := s.runtimeLog()
	require.NotNil(t, s.logFile, "log file opens when a diagnostics dir is set")
	_, err := w.Write([]byte("runtime output\n"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = s.logFile.Write([]byte("late"))
	assert.Error(t, err, "log handle is closed after Close")
}

func TestCloseTerminatesProcess(t *testing.T) {
	s := New(t.TempDir(), "", Options{ShutdownTimeout: 2 * time.Second})
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	s.cmd = cmd

	require.NoError(t, s.Close())
	assert.NotNil(t, cmd.ProcessState, "process was reaped")
}
