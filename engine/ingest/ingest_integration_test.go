//go:build integration

package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/semantic"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestIngestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()

	// Connect Neo4j
	driver, err := neo4j.NewDriverWithContext(envOr("NEO4J_URL", "neo4j://localhost:7687"), neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	defer func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (n) WHERE n:Collection OR n:Document OR n:Message DETACH DELETE n", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	}()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Fatalf("neo4j verify: %v", err)
	}
	cat := catalog.NewNeo4j(driver, nil)
	if err := cat.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	// Connect Qdrant
	vs, err := semantic.NewQdrant(envOr("QDRANT_URL", "localhost:6334"), "test_ingest_e2e", nil)
	if err != nil {
		t.Fatalf("qdrant connect: %v", err)
	}
	defer func() {
		vs.DeleteCollection(ctx)
		vs.Close()
	}()
	emb := embed.NewHashing(64)
	if err := vs.EnsureCollection(ctx, emb.Dimension()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	svc, err := NewService(Deps{Embedder: emb, Store: vs, Catalog: cat})
	if err != nil {
		t.Fatal(err)
	}
	col, _ := cat.CreateCollection(ctx, "Integration")
	doc, err := cat.RegisterDocument(ctx, col.ID, "spice.txt", "txt")
	if err != nil {
		t.Fatal(err)
	}

	rep, err := svc.Ingest(ctx, Request{CollectionID: col.ID, DocumentID: doc.ID, Filename: "spice.txt", Data: []byte(saffron)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got, err := cat.GetDocument(ctx, doc.ID)
	if err != nil || got.Status != catalog.StatusDone {
		t.Fatalf("document = %+v, %v", got, err)
	}

	q, _ := emb.Embed(ctx, "expensive spice")
	hits, err := vs.Search(ctx, col.ID, q, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != rep.Chunks {
		t.Fatalf("expected %d hits, got %d", rep.Chunks, len(hits))
	}
}
