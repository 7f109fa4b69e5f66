// Package catalog keeps the relational side of the vault: collections,
// uploaded documents with their ingestion status, and chat history.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/pkg/repo"
)

// DefaultCollectionName is created on first start when no collection exists.
const DefaultCollectionName = "Default Knowledge Base"

// ErrNotFound is returned when a collection or document does not exist.
var ErrNotFound = repo.ErrNotFound

// ErrEmptyName rejects collections without a name.
var ErrEmptyName = errors.New("catalog: collection name is required")

// Catalog is safe for concurrent use when its repositories are.
type Catalog struct {
	collections repo.Repository[Collection, string]
	documents   repo.Repository[Document, string]
	messages    repo.Repository[Message, string]
	now         func() time.Time
	logger      *slog.Logger
}

// New builds a catalog over explicit repositories.
func New(collections repo.Repository[Collection, string], documents repo.Repository[Document, string],
	messages repo.Repository[Message, string], logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		collections: collections,
		documents:   documents,
		messages:    messages,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// NewNeo4j stores the catalog as Collection, Document and Message nodes.
func NewNeo4j(driver neo4j.DriverWithContext, logger *slog.Logger) *Catalog {
	return New(newCollectionRepo(driver), newDocumentRepo(driver), newMessageRepo(driver), logger)
}

// NewSQLite stores the catalog as JSON rows in a SQLite database. Call
// EnsureSchema before first use.
func NewSQLite(db *sql.DB, logger *slog.Logger) *Catalog {
	return New(newSQLiteCollections(db), newSQLiteDocuments(db), newSQLiteMessages(db), logger)
}

// NewMemory keeps the catalog in process.
func NewMemory(logger *slog.Logger) *Catalog {
	return New(
		repo.NewMemRepo("Collection", func(c Collection) string { return c.ID }, collectionToMap),
		repo.NewMemRepo("Document", func(d Document) string { return d.ID }, documentToMap),
		repo.NewMemRepo("Message", func(m Message) string { return m.ID }, messageToMap),
		logger,
	)
}

type indexer interface {
	EnsureIndex(ctx context.Context) error
}

// EnsureSchema creates id constraints on backends that support them.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	for _, r := range []any{c.collections, c.documents, c.messages} {
		if ix, ok := r.(indexer); ok {
			if err := ix.EnsureIndex(ctx); err != nil {
				return fmt.Errorf("catalog: ensure schema: %w", err)
			}
		}
	}
	return nil
}

// EnsureDefault returns the oldest collection, creating the default one when
// the catalog is empty.
func (c *Catalog) EnsureDefault(ctx context.Context) (Collection, error) {
	cols, err := c.collections.List(ctx, repo.ListOpts{OrderBy: "created_at", Limit: 1})
	if err != nil {
		return Collection{}, fmt.Errorf("catalog: ensure default: %w", err)
	}
	if len(cols) > 0 {
		return cols[0], nil
	}
	c.logger.Info("creating default collection", "name", DefaultCollectionName)
	return c.CreateCollection(ctx, DefaultCollectionName)
}

func (c *Catalog) CreateCollection(ctx context.Context, name string) (Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Collection{}, ErrEmptyName
	}
	col, err := c.collections.Create(ctx, Collection{ID: uuid.NewString(), Name: name, CreatedAt: c.now()})
	if err != nil {
		return Collection{}, fmt.Errorf("catalog: create collection: %w", err)
	}
	return col, nil
}

// ListCollections returns collections oldest first.
func (c *Catalog) ListCollections(ctx context.Context) ([]Collection, error) {
	cols, err := c.collections.List(ctx, repo.ListOpts{OrderBy: "created_at"})
	if err != nil {
		return nil, fmt.Errorf("catalog: list collections: %w", err)
	}
	return cols, nil
}

func (c *Catalog) GetCollection(ctx context.Context, id string) (Collection, error) {
	col, err := c.collections.Get(ctx, id)
	if err != nil {
		return Collection{}, fmt.Errorf("catalog: get collection: %w", err)
	}
	return col, nil
}

// RegisterDocument records a new upload as pending. The collection must exist.
func (c *Catalog) RegisterDocument(ctx context.Context, collectionID, filename, fileType string) (Document, error) {
	if _, err := c.collections.Get(ctx, collectionID); err != nil {
		return Document{}, fmt.Errorf("catalog: register document: %w", err)
	}
	doc, err := c.documents.Create(ctx, Document{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Filename:     filename,
		FileType:     fileType,
		Status:       StatusPending,
		CreatedAt:    c.now(),
	})
	if err != nil {
		return Document{}, fmt.Errorf("catalog: register document: %w", err)
	}
	return doc, nil
}

func (c *Catalog) GetDocument(ctx context.Context, id string) (Document, error) {
	doc, err := c.documents.Get(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("catalog: get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the documents of a collection, newest first.
func (c *Catalog) ListDocuments(ctx context.Context, collectionID string) ([]Document, error) {
	docs, err := c.documents.List(ctx, repo.ListOpts{
		Filter:  map[string]any{"collection_id": collectionID},
		OrderBy: "-created_at",
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list documents: %w", err)
	}
	return docs, nil
}

func (c *Catalog) MarkProcessing(ctx context.Context, id string) error {
	return c.updateDocument(ctx, id, func(d *Document) {
		d.Status = StatusProcessing
		d.Error = ""
	})
}

// MarkDone records a finished ingestion and its approximate token count.
func (c *Catalog) MarkDone(ctx context.Context, id string, tokenCount int) error {
	return c.updateDocument(ctx, id, func(d *Document) {
		d.Status = StatusDone
		d.TokenCount = tokenCount
		d.Error = ""
	})
}

func (c *Catalog) MarkFailed(ctx context.Context, id string, cause error) error {
	return c.updateDocument(ctx, id, func(d *Document) {
		d.Status = StatusFailed
		if cause != nil {
			d.Error = cause.Error()
		}
	})
}

func (c *Catalog) updateDocument(ctx context.Context, id string, f func(*Document)) error {
	doc, err := c.documents.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("catalog: update document: %w", err)
	}
	from := doc.Status
	f(&doc)
	if _, err := c.documents.Update(ctx, doc); err != nil {
		return fmt.Errorf("catalog: update document: %w", err)
	}
	c.logger.Debug("document status", "doc_id", id, "from", string(from), "to", string(doc.Status))
	return nil
}

// AppendMessage persists one chat turn.
func (c *Catalog) AppendMessage(ctx context.Context, collectionID, role, content string, sources []generate.Source) (Message, error) {
	m, err := c.messages.Create(ctx, Message{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Role:         role,
		Content:      content,
		Sources:      sources,
		CreatedAt:    c.now(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("catalog: append message: %w", err)
	}
	return m, nil
}

// History returns up to limit messages of a collection, oldest first.
func (c *Catalog) History(ctx context.Context, collectionID string, limit int) ([]Message, error) {
	msgs, err := c.messages.List(ctx, repo.ListOpts{
		Filter:  map[string]any{"collection_id": collectionID},
		OrderBy: "created_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: history: %w", err)
	}
	return msgs, nil
}
