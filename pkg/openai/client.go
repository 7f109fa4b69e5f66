// Package openai streams chat completions from any OpenAI-compatible
// endpoint, such as Groq.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/generate"
)

// DefaultGroqBaseURL is Groq's OpenAI-compatible API root.
const DefaultGroqBaseURL = "https://api.groq.com/openai/v1"

// ErrMissingAPIKey is returned by NewChatClient when no key is configured.
var ErrMissingAPIKey = errors.New("openai: missing API key")

// APIError is returned for non-2xx responses and in-stream error objects.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "openai: " + e.Message
	}
	return fmt.Sprintf("openai: status %d: %s", e.Status, e.Message)
}

// ChatClient implements generate.Provider over /chat/completions.
type ChatClient struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	http        *http.Client
}

// NewChatClient creates a client. name is used in logs, metrics and error
// events.
func NewChatClient(name, baseURL, apiKey, model string) (*ChatClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}
	return &ChatClient{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: 0.3,
		http:        &http.Client{},
	}, nil
}

func (c *ChatClient) Name() string { return c.name }

func (c *ChatClient) Stream(ctx context.Context, msgs []generate.Message) (generate.Stream, error) {
	b, _ := json.Marshal(map[string]any{
		"model":       c.model,
		"messages":    msgs,
		"temperature": c.temperature,
		"stream":      true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: chat: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return &chatStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type chatStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	done bool
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recv returns the next non-empty content delta, or io.EOF after [DONE].
func (s *chatStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("openai: stream ended without [DONE]: %w", io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("openai: read: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var evt streamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		if evt.Error != nil {
			return "", &APIError{Message: evt.Error.Message}
		}
		if len(evt.Choices) > 0 && evt.Choices[0].Delta.Content != "" {
			return evt.Choices[0].Delta.Content, nil
		}
	}
}

func (s *chatStream) Close() error { return s.body.Close() }

// errorMessage extracts {"error":{"message":...}} from a response body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}

var _ generate.Provider = (*ChatClient)(nil)
