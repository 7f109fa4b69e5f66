// Package ingest turns uploaded files into tenant-tagged vectors through the
// stages parse, chunk, embed and store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/chunker"
	"github.com/WessleyAI/rag-vault/engine/domain"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/parser"
	"github.com/WessleyAI/rag-vault/engine/semantic"
	"github.com/WessleyAI/rag-vault/pkg/fn"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/resilience"
)

var errNoContent = errors.New("no content")

// Deps holds the external dependencies of the pipeline. Catalog and Metrics
// are optional.
type Deps struct {
	Embedder embed.Provider
	Store    semantic.Store
	Catalog  *catalog.Catalog
	Splitter *chunker.Splitter
	// EmbedWorkers bounds concurrent Embed calls per document. 0 or 1 embeds
	// sequentially.
	EmbedWorkers int
	// Breaker guards the store stage. Nil uses resilience.DefaultBreakerOpts,
	// not counting rejected input as a store failure.
	Breaker *resilience.Breaker
	// StatusRetry applies to catalog status writes.
	StatusRetry fn.RetryOpts
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Extract parses and chunks one file into chunks carrying source_doc_id,
// page_number and filename. Whitespace-only chunks are dropped.
func Extract(filename string, data []byte, docID string, sp *chunker.Splitter) ([]domain.Chunk, error) {
	segs, err := parser.Parse(filename, data, docID)
	if err != nil {
		return nil, err
	}
	return chunkSegments(segs, filename, sp), nil
}

func chunkSegments(segs []domain.Segment, filename string, sp *chunker.Splitter) []domain.Chunk {
	return fn.FlatMap(segs, func(seg domain.Segment) []domain.Chunk {
		texts := fn.Filter(sp.Split(seg.Text), func(t string) bool { return strings.TrimSpace(t) != "" })
		return fn.Map(texts, func(t string) domain.Chunk {
			return domain.Chunk{
				Text: t,
				Metadata: domain.ChunkMeta{
					SourceDocID: seg.SourceDocID,
					PageNumber:  seg.PageNumber,
					Filename:    filename,
				},
			}
		})
	})
}

// --- Pipeline Stages ---

// Parse reads and decodes the request content.
var Parse fn.Stage[Request, parsedDoc] = func(_ context.Context, req Request) fn.Result[parsedDoc] {
	if err := req.validate(); err != nil {
		return fn.Err[parsedDoc](err)
	}
	var segs []domain.Segment
	var err error
	if req.Data != nil {
		segs, err = parser.Parse(req.Filename, req.Data, req.DocumentID)
	} else {
		if _, kerr := parser.KindFor(req.Filename); kerr != nil {
			return fn.Err[parsedDoc](kerr)
		}
		segs, err = parser.ParseFile(req.Path, req.DocumentID)
	}
	if err != nil {
		return fn.Err[parsedDoc](err)
	}
	return fn.Ok(parsedDoc{Request: req, Segments: segs})
}

// NewChunk splits every segment, keeping its page number.
func NewChunk(sp *chunker.Splitter) fn.Stage[parsedDoc, chunkedDoc] {
	return fn.MapStage(func(doc parsedDoc) chunkedDoc {
		return chunkedDoc{Request: doc.Request, Chunks: chunkSegments(doc.Segments, doc.Filename, sp)}
	})
}

// NewEmbed embeds every chunk before anything is stored, so a failure leaves
// no partial document in the index. With workers > 1 chunks are embedded
// concurrently; the provider must then be reentrant.
func NewEmbed(p embed.Provider, workers int) fn.Stage[chunkedDoc, embeddedDoc] {
	return func(ctx context.Context, doc chunkedDoc) fn.Result[embeddedDoc] {
		texts := fn.Map(doc.Chunks, func(c domain.Chunk) string { return c.Text })
		var vecs [][]float32
		var err error
		if workers <= 1 {
			vecs, err = embed.Batch(ctx, p, texts)
		} else {
			vecs, err = fn.Collect(fn.ParMapResult(texts, workers, func(text string) fn.Result[[]float32] {
				v, err := p.Embed(ctx, text)
				if err == nil && len(v) == 0 {
					err = domain.ErrEmptyVector
				}
				return fn.FromPair(v, err)
			})).Unwrap()
		}
		if err != nil {
			return fn.Err[embeddedDoc](fmt.Errorf("ingest: embed: %w", err))
		}
		return fn.Ok(embeddedDoc{chunkedDoc: doc, Vectors: vecs})
	}
}

// NewStore upserts the embedded chunks under the request's collection.
func NewStore(store semantic.Store) fn.Stage[embeddedDoc, Report] {
	return func(ctx context.Context, doc embeddedDoc) fn.Result[Report] {
		rep := Report{DocumentID: doc.DocumentID, Chunks: len(doc.Chunks)}
		if len(doc.Chunks) == 0 {
			return fn.Ok(rep)
		}
		entries := make([]domain.IndexedEntry, len(doc.Chunks))
		for i, c := range doc.Chunks {
			entries[i] = domain.IndexedEntry{
				ID:     EntryID(doc.DocumentID, i),
				Vector: doc.Vectors[i],
				Text:   c.Text,
				Metadata: map[string]any{
					domain.KeyCollectionID: doc.CollectionID,
					domain.KeySourceDocID:  c.Metadata.SourceDocID,
					domain.KeyPageNumber:   c.Metadata.PageNumber,
					domain.KeyFilename:     c.Metadata.Filename,
					domain.KeyChunkIndex:   i,
				},
			}
			rep.Characters += utf8.RuneCountInString(c.Text)
		}
		if err := store.Upsert(ctx, entries); err != nil {
			return fn.Err[Report](fmt.Errorf("ingest: store: %w", err))
		}
		return fn.Ok(rep)
	}
}

// logTap logs entry into a stage. Stage timing is carried by the spans.
func logTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Request, Report] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	breaker := deps.Breaker
	if breaker == nil {
		opts := resilience.DefaultBreakerOpts
		opts.Ignore = func(err error) bool { return !Retryable(err) }
		breaker = resilience.NewBreaker(opts)
	}

	// Compose: Parse → Chunk → Embed → Store
	parsed := fn.Then(logTap[Request]("parse", log), fn.TracedStage("ingest.parse", Parse))
	chunked := fn.Then(parsed, fn.Then(logTap[parsedDoc]("chunk", log), fn.TracedStage("ingest.chunk", NewChunk(deps.Splitter))))
	embedded := fn.Then(chunked, fn.Then(logTap[chunkedDoc]("embed", log), fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, deps.EmbedWorkers))))
	stored := fn.Then(embedded, fn.Then(logTap[embeddedDoc]("store", log),
		fn.TracedStage("ingest.store", resilience.BreakerStage(breaker, NewStore(deps.Store)))))

	return stored
}

// Service runs the pipeline and keeps the catalog status of each document.
type Service struct {
	pipeline fn.Stage[Request, Report]
	deps     Deps
	log      *slog.Logger
	metrics  *metrics.Registry
}

// NewService validates deps and builds the pipeline.
func NewService(deps Deps) (*Service, error) {
	if deps.Embedder == nil || deps.Store == nil {
		return nil, errors.New("ingest: embedder and store are required")
	}
	if deps.Splitter == nil {
		sp, err := chunker.New(chunker.DefaultOptions())
		if err != nil {
			return nil, err
		}
		deps.Splitter = sp
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.StatusRetry.MaxAttempts == 0 {
		deps.StatusRetry = fn.DefaultRetry
	}
	return &Service{pipeline: NewPipeline(deps), deps: deps, log: deps.Logger, metrics: deps.Metrics}, nil
}

// Ingest indexes one document. The catalog entry, when one is configured,
// moves to processing and then to done or failed.
func (s *Service) Ingest(ctx context.Context, req Request) (Report, error) {
	log := s.log.With("doc_id", req.DocumentID, "collection_id", req.CollectionID, "filename", req.Filename)
	start := time.Now()
	s.track(ctx, req.DocumentID, func(ctx context.Context, c *catalog.Catalog) error {
		return c.MarkProcessing(ctx, req.DocumentID)
	})

	rep, err := s.pipeline(ctx, req).Unwrap()
	s.metrics.Histogram("vault_ingest_duration_seconds", "Time to index one document", nil).Since(start)
	if err != nil {
		s.count("failed")
		log.Error("ingest failed", "err", err)
		s.track(ctx, req.DocumentID, func(ctx context.Context, c *catalog.Catalog) error {
			return c.MarkFailed(ctx, req.DocumentID, err)
		})
		return Report{}, err
	}

	s.count("done")
	s.metrics.Counter("vault_ingest_chunks_total", "Chunks written to the vector store").Add(int64(rep.Chunks))
	log.Info("ingest done", "chunks", rep.Chunks, "characters", rep.Characters)
	s.track(ctx, req.DocumentID, func(ctx context.Context, c *catalog.Catalog) error {
		return c.MarkDone(ctx, req.DocumentID, rep.Characters)
	})
	return rep, nil
}

// track writes a catalog status update with retries. A status write that
// still fails is logged and does not fail the ingestion.
func (s *Service) track(ctx context.Context, docID string, f func(context.Context, *catalog.Catalog) error) {
	c := s.deps.Catalog
	if c == nil {
		return
	}
	r := fn.Retry(ctx, s.deps.StatusRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := f(ctx, c); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				// Unknown documents are not worth retrying.
				return fn.Ok(struct{}{})
			}
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := r.Unwrap(); err != nil {
		s.log.Warn("catalog status update failed", "doc_id", docID, "err", err)
	}
}

func (s *Service) count(outcome string) {
	s.metrics.Counter(metrics.WithLabels("vault_ingest_documents_total", "outcome", outcome),
		"Documents processed by outcome").Inc()
}

// Retryable reports whether a failed ingestion may succeed when run again.
// Bad input never does.
func Retryable(err error) bool {
	var ve *domain.ValidationError
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrUnsupportedFormat), errors.Is(err, domain.ErrParse), errors.As(err, &ve):
		return false
	}
	return true
}
