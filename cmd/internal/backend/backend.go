// Package backend wires the vault components from a config.Config. Both
// binaries build their stores, catalog and providers through it.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/semantic"
	"github.com/WessleyAI/rag-vault/pkg/config"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/ollama"
	"github.com/WessleyAI/rag-vault/pkg/openai"
	"github.com/WessleyAI/rag-vault/pkg/repo"
)

// Backends holds the long-lived components shared by ingestion and query.
type Backends struct {
	Embedder embed.Provider
	Dims     int
	Store    semantic.Store
	Catalog  *catalog.Catalog
	Default  catalog.Collection
	Metrics  *metrics.Registry

	cfg     config.Config
	log     *slog.Logger
	closers []func()
}

// Open connects every backend and checks it is usable: the embedder is
// warmed, the Qdrant collection and Neo4j constraints exist, and the default
// collection is in place. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, reg *metrics.Registry) (_ *Backends, err error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	b := &Backends{cfg: cfg, log: log, Metrics: reg}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	b.Embedder = NewEmbedder(cfg)
	if b.Dims, err = embed.Warm(ctx, b.Embedder); err != nil {
		return nil, err
	}
	log.Info("embedder ready", "embedder", cfg.Embedder, "dims", b.Dims)

	if err = b.openStore(ctx); err != nil {
		return nil, err
	}
	if err = b.openCatalog(ctx); err != nil {
		return nil, err
	}
	if b.Default, err = b.Catalog.EnsureDefault(ctx); err != nil {
		return nil, err
	}
	log.Info("catalog ready", "catalog", cfg.Catalog, "default_collection", b.Default.ID)
	return b, nil
}

// NewEmbedder returns the configured embedding provider.
func NewEmbedder(cfg config.Config) embed.Provider {
	if cfg.Embedder == config.EmbedderHashing {
		return embed.NewHashing(cfg.EmbedDims)
	}
	return ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel)
}

func (b *Backends) openStore(ctx context.Context) error {
	if b.cfg.VectorStore == config.StoreMemory {
		b.Store = semantic.NewMemory(b.log)
		return nil
	}
	q, err := semantic.NewQdrant(b.cfg.QdrantURL, b.cfg.QdrantCollection, b.log)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() { q.Close() })
	if err := q.EnsureCollection(ctx, b.Dims); err != nil {
		return err
	}
	b.Store = q
	b.log.Info("connected to Qdrant", "addr", b.cfg.QdrantURL, "collection", b.cfg.QdrantCollection)
	return nil
}

func (b *Backends) openCatalog(ctx context.Context) error {
	switch b.cfg.Catalog {
	case config.CatalogMemory:
		b.Catalog = catalog.NewMemory(b.log)
		return nil
	case config.CatalogSQLite:
		db, err := repo.OpenSQLite(ctx, b.cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { db.Close() })
		b.Catalog = catalog.NewSQLite(db, b.log)
		if err := b.Catalog.EnsureSchema(ctx); err != nil {
			return err
		}
		b.log.Info("opened SQLite catalog", "path", b.cfg.SQLitePath)
		return nil
	}
	driver, err := neo4j.NewDriverWithContext(b.cfg.Neo4jURL, neo4j.BasicAuth(b.cfg.Neo4jUser, b.cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	b.closers = append(b.closers, func() { driver.Close(context.Background()) })
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	b.Catalog = catalog.NewNeo4j(driver, b.log)
	if err := b.Catalog.EnsureSchema(ctx); err != nil {
		return err
	}
	b.log.Info("connected to Neo4j", "url", b.cfg.Neo4jURL)
	return nil
}

// Ingest builds the ingestion service over the opened backends.
func (b *Backends) Ingest() (*ingest.Service, error) {
	return ingest.NewService(ingest.Deps{
		Embedder:     b.Embedder,
		Store:        b.Store,
		Catalog:      b.Catalog,
		EmbedWorkers: b.cfg.EmbedWorkers,
		Metrics:      b.Metrics,
		Logger:       b.log,
	})
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Providers returns the generation chain: Groq first when an API key is set,
// then the local Ollama model.
func Providers(cfg config.Config) ([]generate.Provider, error) {
	var ps []generate.Provider
	if cfg.GroqAPIKey != "" {
		groq, err := openai.NewChatClient("groq", cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel)
		if err != nil {
			return nil, err
		}
		ps = append(ps, groq)
	}
	return append(ps, ollama.NewChatClient(cfg.OllamaURL, cfg.ChatModel)), nil
}

// Generator builds the failover generator over Providers.
func Generator(cfg config.Config, log *slog.Logger, reg *metrics.Registry) (*generate.Generator, error) {
	ps, err := Providers(cfg)
	if err != nil {
		return nil, err
	}
	opts := generate.DefaultOptions()
	opts.Timeout = cfg.ProviderTimeout
	opts.Logger = log
	opts.Metrics = reg
	return generate.New(opts, ps...)
}
