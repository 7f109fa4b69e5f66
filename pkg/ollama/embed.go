// Package ollama talks to a local Ollama server: embeddings through
// /api/embeddings and streamed chat through /api/chat.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// StatusError is returned when Ollama answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("ollama %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Option customises a client.
type Option func(*options)

type options struct {
	client  *http.Client
	limiter *rate.Limiter
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithRateLimit caps outgoing embedding requests. The default is 50 per
// second with a burst of 10.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(o *options) { o.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

func buildOptions(opts []Option) options {
	o := options{
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 10),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// EmbedClient is an embedding provider backed by Ollama's HTTP API.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	dims    atomic.Int64
}

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(baseURL, model string, opts ...Option) *EmbedClient {
	o := buildOptions(opts)
	return &EmbedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  o.client,
		limiter: o.limiter,
	}
}

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the model's vector for text. Empty text yields an empty
// vector without a request.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return []float32{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	body, _ := json.Marshal(ollamaEmbedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, statusError("embed", resp)
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New("ollama embed: empty embedding returned")
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	c.dims.Store(int64(len(out)))
	return out, nil
}

// Dimension reports the vector length seen on the last successful call, or 0
// before the first one.
func (c *EmbedClient) Dimension() int { return int(c.dims.Load()) }

// Model returns the configured model name.
func (c *EmbedClient) Model() string { return c.model }

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
