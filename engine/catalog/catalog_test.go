package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/pkg/repo"
)

// newTestCatalog returns a memory catalog whose clock ticks one second per call.
func newTestCatalog() *Catalog {
	c := NewMemory(nil)
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		t = t.Add(time.Second)
		return t
	}
	return c
}

func TestEnsureDefault(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()

	first, err := c.EnsureDefault(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != DefaultCollectionName || first.ID == "" {
		t.Fatalf("unexpected default %+v", first)
	}
	again, err := c.EnsureDefault(ctx)
	if err != nil || again.ID != first.ID {
		t.Fatalf("EnsureDefault must be idempotent: %+v, %v", again, err)
	}
	cols, _ := c.ListCollections(ctx)
	if len(cols) != 1 {
		t.Fatalf("expected one collection, got %d", len(cols))
	}
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()

	if _, err := c.CreateCollection(ctx, "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	a, _ := c.CreateCollection(ctx, "Recipes")
	b, _ := c.CreateCollection(ctx, " Go notes ")
	if b.Name != "Go notes" {
		t.Fatalf("name not trimmed: %q", b.Name)
	}
	cols, err := c.ListCollections(ctx)
	if err != nil || len(cols) != 2 || cols[0].ID != a.ID {
		t.Fatalf("ListCollections = %+v, %v", cols, err)
	}
	if got, err := c.GetCollection(ctx, b.ID); err != nil || got.Name != "Go notes" {
		t.Fatalf("GetCollection = %+v, %v", got, err)
	}
	if _, err := c.GetCollection(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()
	col, _ := c.CreateCollection(ctx, "Docs")

	if _, err := c.RegisterDocument(ctx, "nope", "a.txt", "txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("registering into a missing collection should fail, got %v", err)
	}

	doc, err := c.RegisterDocument(ctx, col.ID, "guide.pdf", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != StatusPending {
		t.Fatalf("new document status = %s", doc.Status)
	}

	if err := c.MarkProcessing(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkFailed(ctx, doc.ID, errors.New("corrupt")); err != nil {
		t.Fatal(err)
	}
	got, _ := c.GetDocument(ctx, doc.ID)
	if got.Status != StatusFailed || got.Error != "corrupt" {
		t.Fatalf("after failure: %+v", got)
	}

	if err := c.MarkDone(ctx, doc.ID, 1234); err != nil {
		t.Fatal(err)
	}
	got, _ = c.GetDocument(ctx, doc.ID)
	if got.Status != StatusDone || got.TokenCount != 1234 || got.Error != "" {
		t.Fatalf("after done: %+v", got)
	}

	if err := c.MarkDone(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDocuments_ScopedAndNewestFirst(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()
	a, _ := c.CreateCollection(ctx, "A")
	b, _ := c.CreateCollection(ctx, "B")

	d1, _ := c.RegisterDocument(ctx, a.ID, "one.txt", "txt")
	c.RegisterDocument(ctx, b.ID, "other.txt", "txt")
	d2, _ := c.RegisterDocument(ctx, a.ID, "two.txt", "txt")

	docs, err := c.ListDocuments(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != d2.ID || docs[1].ID != d1.ID {
		t.Fatalf("ListDocuments = %+v", docs)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog()
	col, _ := c.CreateCollection(ctx, "Chat")
	other, _ := c.CreateCollection(ctx, "Other")

	sources := []generate.Source{{SourceDocID: "d1", PageNumber: 2, Filename: "a.pdf"}}
	c.AppendMessage(ctx, col.ID, generate.RoleUser, "what is saffron?", nil)
	c.AppendMessage(ctx, other.ID, generate.RoleUser, "unrelated", nil)
	c.AppendMessage(ctx, col.ID, generate.RoleAssistant, "A spice.", sources)

	msgs, err := c.History(ctx, col.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != generate.RoleUser || msgs[1].Content != "A spice." {
		t.Fatalf("History = %+v", msgs)
	}
	if len(msgs[1].Sources) != 1 || msgs[1].Sources[0] != sources[0] {
		t.Fatalf("sources not kept: %+v", msgs[1].Sources)
	}
	if limited, _ := c.History(ctx, col.ID, 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestPropsMapping(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	d := Document{ID: "d", CollectionID: "c", Filename: "f.md", FileType: "md", Status: StatusDone, TokenCount: 9, CreatedAt: at}
	if got := documentFromProps(documentToMap(d)); got != d {
		t.Fatalf("document mapping: %+v", got)
	}

	m := Message{ID: "m", CollectionID: "c", Role: "assistant", Content: "hi",
		Sources: []generate.Source{{SourceDocID: "d", PageNumber: 1, Filename: "f.md"}}, CreatedAt: at}
	got, err := messageFromProps(messageToMap(m))
	if err != nil || got.Content != "hi" || len(got.Sources) != 1 || !got.CreatedAt.Equal(at) {
		t.Fatalf("message mapping: %+v, %v", got, err)
	}

	if _, err := messageFromProps(map[string]any{"sources": "{not json"}); err == nil {
		t.Fatal("expected error for malformed sources")
	}
	if got := timeProp(map[string]any{"t": at.UnixNano()}, "t"); !got.Equal(at) {
		t.Fatalf("nanosecond times should convert: %v", got)
	}
	if intProp(map[string]any{"n": 3.0}, "n") != 3 {
		t.Fatal("float token counts should convert")
	}
}

func TestSQLiteCatalog(t *testing.T) {
	ctx := context.Background()
	db, err := repo.OpenSQLite(ctx, filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	c := NewSQLite(db, nil)
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	col, err := c.EnsureDefault(ctx)
	if err != nil || col.Name != DefaultCollectionName {
		t.Fatalf("EnsureDefault = %+v, %v", col, err)
	}
	if again, _ := c.EnsureDefault(ctx); again.ID != col.ID {
		t.Fatal("EnsureDefault must be idempotent")
	}

	doc, err := c.RegisterDocument(ctx, col.ID, "guide.pdf", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkFailed(ctx, doc.ID, errors.New("corrupt")); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkDone(ctx, doc.ID, 42); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetDocument(ctx, doc.ID)
	if err != nil || got.Status != StatusDone || got.TokenCount != 42 || got.Error != "" {
		t.Fatalf("GetDocument = %+v, %v", got, err)
	}
	if !got.CreatedAt.Equal(doc.CreatedAt) {
		t.Fatalf("created_at %v, want %v", got.CreatedAt, doc.CreatedAt)
	}
	if docs, _ := c.ListDocuments(ctx, col.ID); len(docs) != 1 {
		t.Fatalf("ListDocuments = %+v", docs)
	}
	if _, err := c.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sources := []generate.Source{{SourceDocID: doc.ID, PageNumber: 1, Filename: "guide.pdf"}}
	c.AppendMessage(ctx, col.ID, generate.RoleUser, "q", nil)
	c.AppendMessage(ctx, col.ID, generate.RoleAssistant, "a", sources)
	msgs, err := c.History(ctx, col.ID, 0)
	if err != nil || len(msgs) != 2 || msgs[0].Content != "q" || len(msgs[1].Sources) != 1 {
		t.Fatalf("History = %+v, %v", msgs, err)
	}
}
