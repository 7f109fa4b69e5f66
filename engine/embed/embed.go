// Package embed defines the embedding provider contract used at index and
// query time, plus helpers that enforce it: empty text maps to an empty vector,
// empty vectors never leave a batch, and providers are probed once at start-up.
package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// Provider maps text to a fixed-dimension vector. Implementations must be
// deterministic for a given model and input, and must return a zero-length
// vector for empty text without calling the model.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension reports the vector length, or 0 if not yet known.
	Dimension() int
}

// Serialized guards a provider whose runtime is not reentrant.
type Serialized struct {
	mu sync.Mutex
	p  Provider
}

// NewSerialized wraps p so that at most one Embed call runs at a time.
func NewSerialized(p Provider) *Serialized { return &Serialized{p: p} }

func (s *Serialized) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Embed(ctx, text)
}

func (s *Serialized) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Dimension()
}

// Batch embeds texts in order. It stops at the first failure, and treats an
// empty vector as a failure since such vectors must never be indexed.
func Batch(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed [%d]: %w", i, err)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("embed [%d]: %w", i, domain.ErrEmptyVector)
		}
		out[i] = v
	}
	return out, nil
}

// probeText is embedded once at start-up to verify the model is reachable.
const probeText = "readiness probe"

// Warm embeds a probe string and returns the vector dimension. It is called
// during start-up so an unavailable model fails the process before it serves
// traffic.
func Warm(ctx context.Context, p Provider) (int, error) {
	v, err := p.Embed(ctx, probeText)
	if err != nil {
		return 0, fmt.Errorf("embed: warm: %w", err)
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("embed: warm: %w", domain.ErrEmptyVector)
	}
	if d := p.Dimension(); d > 0 && d != len(v) {
		return 0, fmt.Errorf("embed: warm: dimension %d, provider reports %d", len(v), d)
	}
	return len(v), nil
}
