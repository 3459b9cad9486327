package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/atelier/pkg/llm"
)

func TestBaseURLNormalization(t *testing.T) {
	cases := map[string]string{
		"":                          defaultAPIURL,
		"http://localhost:9999":     "http://localhost:9999/v1/chat/completions",
		"http://localhost:9999/":    "http://localhost:9999/v1/chat/completions",
		"http://localhost:9999/v1":  "http://localhost:9999/v1/chat/completions",
		"http://x/v1/chat/completions": "http://x/v1/chat/completions",
	}

	for in, want := range cases {
		p := NewOpenAIWithClient("k", in, http.DefaultClient)
		assert.Equal(t, want, p.baseURL, "input %q", in)
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello back"}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIWithClient("test-key", srv.URL, srv.Client())
	out, err := p.Complete(context.Background(), &llm.ChatRequest{
		Model:    "test-model",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIWithClient("k", srv.URL, srv.Client())
	_, err := p.Complete(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"tial"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewOpenAIWithClient("k", srv.URL, srv.Client())
	events, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var text string
	var done bool
	for e := range events {
		switch e.Type {
		case llm.StreamEventText:
			text += e.Content
		case llm.StreamEventDone:
			done = true
		}
	}
	assert.Equal(t, "partial", text)
	assert.True(t, done)
}
