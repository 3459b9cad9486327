// Package llm defines the chat-completion provider surface used by the
// planning pipeline.
package llm

import "context"

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a request to the LLM
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Seed        int // 0 = provider default; nonzero reshuffles sampling on retries
}

// StreamEvent is one increment of a streamed completion.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

type StreamEventType string

const (
	StreamEventText  StreamEventType = "text"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// Provider is the interface all LLM providers must implement
type Provider interface {
	ID() string

	// Complete sends messages and returns the full text response.
	Complete(ctx context.Context, req *ChatRequest) (string, error)

	// Stream sends messages and returns token deltas terminated by a
	// StreamEventDone event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}
