// Package rag answers questions against one collection: it embeds the
// question, retrieves the nearest chunks of that collection only, and streams
// the generated answer as events.
package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/rag-vault/engine/domain"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/engine/semantic"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
)

// Generator streams an answer grounded on retrieved chunks.
type Generator interface {
	Stream(ctx context.Context, question string, chunks []domain.SearchResult) iter.Seq[generate.Event]
}

// Options configures retrieval.
type Options struct {
	TopK          int
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          semantic.DefaultTopK,
		SearchTimeout: 10 * time.Second,
	}
}

// Service is the RAG orchestration service. It is safe for concurrent use.
type Service struct {
	embedder embed.Provider
	store    semantic.Store
	gen      Generator
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// New creates a new RAG Service. logger and reg may be nil.
func New(embedder embed.Provider, store semantic.Store, gen Generator, opts Options, logger *slog.Logger, reg *metrics.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if opts.TopK <= 0 {
		opts.TopK = semantic.DefaultTopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Service{embedder: embedder, store: store, gen: gen, opts: opts, logger: logger, metrics: reg}
}

// Retrieve returns the TopK chunks of collectionID nearest to question.
func (s *Service) Retrieve(ctx context.Context, collectionID, question string) ([]domain.SearchResult, error) {
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("rag: embed query: %w", domain.ErrEmptyVector)
	}
	hits, err := s.store.Search(ctx, collectionID, vec, s.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("rag: semantic search: %w", err)
	}
	return hits, nil
}

// Ask streams the answer to question. The sequence always starts with a
// Citation and always ends with Done. Retrieval failures surface as a
// single Error event after an empty Citation.
func (s *Service) Ask(ctx context.Context, collectionID, question string) iter.Seq[generate.Event] {
	return func(yield func(generate.Event) bool) {
		ctx, span := otel.Tracer("engine/rag").Start(ctx, "rag.ask")
		defer span.End()
		span.SetAttributes(attribute.String("collection_id", collectionID))
		start := time.Now()
		log := s.logger.With("collection_id", collectionID)
		log.Info("rag query start", "question_len", len(question))

		chunks, err := s.Retrieve(ctx, collectionID, question)
		if err != nil {
			s.observe("retrieval_error", start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("rag retrieval failed", "err", err)
			if !yield(generate.Citation(nil)) {
				return
			}
			if !yield(generate.Error(retrievalMessage(err))) {
				return
			}
			yield(generate.Done())
			return
		}
		span.SetAttributes(attribute.Int("chunks", len(chunks)))
		log.Info("rag semantic search done", "results", len(chunks))

		outcome := "ok"
		for ev := range s.gen.Stream(ctx, question, chunks) {
			if ev.Kind == generate.KindError {
				outcome = "generation_error"
			}
			if !yield(ev) {
				s.observe("cancelled", start)
				return
			}
		}
		s.observe(outcome, start)
		yield(generate.Done())
	}
}

func retrievalMessage(err error) string {
	if errors.Is(err, domain.ErrEmptyQuestion) {
		return "Please ask a question."
	}
	return "Retrieval Failed: " + err.Error()
}

func (s *Service) observe(outcome string, start time.Time) {
	s.metrics.Counter(metrics.WithLabels("vault_query_total", "outcome", outcome), "Questions answered by outcome").Inc()
	s.metrics.Histogram("vault_query_duration_seconds", "Time from question to last event", nil).Since(start)
}
