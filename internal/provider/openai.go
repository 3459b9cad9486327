// Package provider implements chat-completion backends for the pipeline.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/joss/atelier/pkg/llm"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Generative calls are slow; the request timeout is deliberately long while
// the connect timeout stays short so dead endpoints fail fast.
const (
	requestTimeout = time.Hour
	connectTimeout = 10 * time.Second
)

// OpenAI talks to any OpenAI-compatible chat-completion endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  HTTPClient
}

// NewOpenAI creates a provider against the given base URL ("" = api.openai.com).
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return NewOpenAIWithClient(apiKey, baseURL, &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	})
}

// NewOpenAIWithClient creates a provider with a custom HTTP client (for tests).
func NewOpenAIWithClient(apiKey, baseURL string, client HTTPClient) *OpenAI {
	if baseURL == "" {
		baseURL = defaultAPIURL
	} else {
		baseURL = strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(baseURL, "/chat/completions") {
			if strings.HasSuffix(baseURL, "/v1") {
				baseURL = baseURL + "/chat/completions"
			} else {
				baseURL = baseURL + "/v1/chat/completions"
			}
		}
	}
	return &OpenAI{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (o *OpenAI) ID() string { return "openai" }

type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Seed        int           `json:"seed,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a single non-streaming request and returns the text.
func (o *OpenAI) Complete(ctx context.Context, req *llm.ChatRequest) (string, error) {
	body, err := o.send(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream sends a streaming request and returns token deltas.
func (o *OpenAI) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	body, err := o.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	events := make(chan llm.StreamEvent, 100)
	go o.streamResponse(body, events)
	return events, nil
}

func (o *OpenAI) send(ctx context.Context, req *llm.ChatRequest, stream bool) (io.ReadCloser, error) {
	payload := openaiRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Seed:        req.Seed,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat API error %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, nil
}

func (o *OpenAI) streamResponse(body io.ReadCloser, events chan<- llm.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := line[6:]
		if data == "[DONE]" {
			events <- llm.StreamEvent{Type: llm.StreamEventDone}
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				events <- llm.StreamEvent{
					Type:    llm.StreamEventText,
					Content: choice.Delta.Content,
				}
			}
			if choice.FinishReason == "stop" {
				events <- llm.StreamEvent{Type: llm.StreamEventDone}
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		events <- llm.StreamEvent{Type: llm.StreamEventError, Err: err}
		return
	}
	events <- llm.StreamEvent{Type: llm.StreamEventDone}
}
