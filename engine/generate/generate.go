// Package generate turns retrieved chunks and a question into a stream of
// typed events: one Citation, then Tokens, ending in an optional Error.
// Providers are tried in order until one starts producing text.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/rag-vault/engine/domain"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/resilience"
)

var (
	ErrNoProviders       = errors.New("generate: no providers configured")
	ErrFirstTokenTimeout = errors.New("generate: no output before timeout")
)

// Stream yields text fragments from one model call. Recv returns io.EOF once
// the model is finished.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is a streaming chat model backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, msgs []Message) (Stream, error)
}

// ProviderError records why one provider of the chain failed.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return e.Provider + ": " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Options configures a Generator.
type Options struct {
	// Timeout bounds how long a provider may take to produce its first
	// fragment before the next provider is tried.
	Timeout time.Duration
	Breaker resilience.BreakerOpts
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 60 * time.Second,
		Breaker: resilience.BreakerOpts{FailThreshold: 3, Timeout: 30 * time.Second},
	}
}

type member struct {
	p       Provider
	breaker *resilience.Breaker
}

// Generator runs the provider chain. It is safe for concurrent use.
type Generator struct {
	chain   []member
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry
}

// New builds a generator over providers in priority order.
func New(opts Options, providers ...Provider) (*Generator, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	g := &Generator{opts: opts, logger: logger, metrics: reg}
	for _, p := range providers {
		bo := opts.Breaker
		name := p.Name()
		bo.OnChange = func(from, to resilience.State) {
			logger.Warn("provider breaker changed", "provider", name, "from", from.String(), "to", to.String())
			reg.Gauge(metrics.WithLabels("vault_provider_breaker_open", "provider", name), "1 while the provider breaker is open").
				Set(boolGauge(to == resilience.StateOpen))
		}
		g.chain = append(g.chain, member{p: p, breaker: resilience.NewBreaker(bo)})
	}
	return g, nil
}

// Providers returns the provider names in priority order.
func (g *Generator) Providers() []string {
	names := make([]string, len(g.chain))
	for i, m := range g.chain {
		names[i] = m.p.Name()
	}
	return names
}

// Primary returns the first provider of the chain.
func (g *Generator) Primary() Provider { return g.chain[0].p }

// Stream answers question from chunks. The first event is always a Citation
// and is produced before any provider is contacted. The sequence never ends
// in Done; callers append it. Breaking out of the loop cancels the active
// provider call.
func (g *Generator) Stream(ctx context.Context, question string, chunks []domain.SearchResult) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, span := otel.Tracer("engine/generate").Start(ctx, "generate.stream")
		defer span.End()
		span.SetAttributes(attribute.Int("chunks", len(chunks)))

		if !yield(Citation(Citations(chunks))) {
			return
		}
		msgs := BuildPrompt(question, chunks)

		var failures []error
		for _, m := range g.chain {
			name := m.p.Name()
			if err := m.breaker.Allow(); err != nil {
				g.count(name, "skipped")
				failures = append(failures, &ProviderError{Provider: name, Err: err})
				continue
			}

			res := g.attempt(ctx, m.p, msgs, yield)
			switch {
			case res.stopped:
				m.breaker.Record(nil)
				return
			case res.err == nil:
				m.breaker.Record(nil)
				g.count(name, "ok")
				return
			}

			// Cancellation by the caller is not the provider's fault.
			if ctx.Err() != nil {
				m.breaker.Record(nil)
			} else {
				m.breaker.Record(res.err)
			}
			g.count(name, "error")
			span.RecordError(res.err, withProvider(name))
			if res.emitted {
				g.logger.Error("provider failed mid-stream", "provider", name, "err", res.err)
				span.SetStatus(codes.Error, res.err.Error())
				yield(Error(fmt.Sprintf("Connection to Brain Failed: %s: %v", name, res.err)))
				return
			}
			g.logger.Warn("provider failed, falling back", "provider", name, "err", res.err)
			failures = append(failures, &ProviderError{Provider: name, Err: res.err})
			if ctx.Err() != nil {
				break
			}
		}

		err := errors.Join(failures...)
		span.SetStatus(codes.Error, "all providers failed")
		g.logger.Error("all providers failed", "err", err)
		yield(Error("Connection to Brain Failed: " + joinErrors(failures)))
	}
}

type attemptResult struct {
	emitted bool
	stopped bool
	err     error
}

func (g *Generator) attempt(ctx context.Context, p Provider, msgs []Message, yield func(Event) bool) attemptResult {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(g.opts.Timeout, func() { cancel(ErrFirstTokenTimeout) })
	defer timer.Stop()

	start := time.Now()
	s, err := p.Stream(ctx, msgs)
	if err != nil {
		return attemptResult{err: causeOf(ctx, err)}
	}
	defer s.Close()

	var res attemptResult
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return res
		}
		if err != nil {
			res.err = causeOf(ctx, err)
			return res
		}
		if frag == "" {
			continue
		}
		if !res.emitted {
			res.emitted = true
			timer.Stop()
			g.metrics.Histogram(metrics.WithLabels("vault_provider_first_token_seconds", "provider", p.Name()),
				"Time to first generated fragment", nil).Since(start)
		}
		if !yield(Token(frag)) {
			res.stopped = true
			return res
		}
	}
}

// Ping asks p for a one-word reply and returns the time to its first
// fragment. It backs the readiness probe.
func Ping(ctx context.Context, p Provider) (time.Duration, error) {
	start := time.Now()
	s, err := p.Stream(ctx, []Message{{Role: RoleUser, Content: "Reply with the single word OK."}})
	if err != nil {
		return 0, fmt.Errorf("generate: ping %s: %w", p.Name(), err)
	}
	defer s.Close()
	for {
		frag, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("generate: ping %s: %w", p.Name(), err)
		}
		if frag != "" {
			return time.Since(start), nil
		}
	}
}

func (g *Generator) count(provider, outcome string) {
	g.metrics.Counter(metrics.WithLabels("vault_provider_requests_total", "provider", provider, "outcome", outcome),
		"Generation attempts by provider and outcome").Inc()
}

// causeOf prefers the cancellation cause, so a first-token timeout is reported
// as such rather than as a bare context error.
func causeOf(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w (%v)", cause, err)
	}
	return err
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func withProvider(name string) trace.EventOption {
	return trace.WithAttributes(attribute.String("provider", name))
}

func boolGauge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
