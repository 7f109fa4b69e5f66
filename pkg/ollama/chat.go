package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/generate"
)

// ChatClient streams completions from /api/chat. It implements
// generate.Provider.
type ChatClient struct {
	baseURL     string
	model       string
	client      *http.Client
	temperature float64
}

// NewChatClient creates a streaming chat client for model.
func NewChatClient(baseURL, model string, opts ...Option) *ChatClient {
	o := buildOptions(opts)
	return &ChatClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		client:      o.client,
		temperature: 0.3,
	}
}

func (c *ChatClient) Name() string { return "ollama" }

type chatReq struct {
	Model    string             `json:"model"`
	Messages []generate.Message `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  map[string]any     `json:"options,omitempty"`
}

// chatLine is one NDJSON object of a streamed /api/chat response.
type chatLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (c *ChatClient) Stream(ctx context.Context, msgs []generate.Message) (generate.Stream, error) {
	body, _ := json.Marshal(chatReq{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
		Options:  map[string]any{"temperature": c.temperature},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError("chat", resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &chatStream{body: resp.Body, sc: sc}, nil
}

type chatStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	done bool
}

// Recv returns the next non-empty fragment. Lines that fail to decode are
// skipped.
func (s *chatStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk chatLine
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama chat: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", fmt.Errorf("ollama chat: read: %w", err)
	}
	return "", fmt.Errorf("ollama chat: %w", io.ErrUnexpectedEOF)
}

func (s *chatStream) Close() error { return s.body.Close() }

var _ generate.Provider = (*ChatClient)(nil)
