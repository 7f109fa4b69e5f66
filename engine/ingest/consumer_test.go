package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/rag-vault/engine/catalog"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

func watchDLQ(t *testing.T, nc *nats.Conn) <-chan DeadLetter {
	t.Helper()
	ch := make(chan DeadLetter, 4)
	sub, err := nc.Subscribe(DLQSubject, func(m *nats.Msg) {
		var dl DeadLetter
		if err := json.Unmarshal(m.Data, &dl); err == nil {
			ch <- dl
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func waitStatus(t *testing.T, c *catalog.Catalog, docID string, want catalog.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d, err := c.GetDocument(context.Background(), docID); err == nil && d.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %s never reached %s", docID, want)
}

func TestStartConsumer_Success(t *testing.T) {
	nc := startNATS(t)
	f := newFixture(t, nil)
	doc := f.register(t, "spice.txt")

	sub, err := StartConsumer(nc, f.svc, "workers")
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	err = Enqueue(context.Background(), nc, Request{CollectionID: f.col.ID, DocumentID: doc.ID, Filename: "spice.txt", Data: []byte(saffron)})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.catalog, doc.ID, catalog.StatusDone)
	if f.mem.Len() == 0 {
		t.Fatal("expected indexed chunks")
	}
}

func TestStartConsumer_RetriesThenDLQ(t *testing.T) {
	nc := startNATS(t)
	dlq := watchDLQ(t, nc)
	f := newFixture(t, nil)
	f.store.err = errors.New("qdrant down")

	sub, err := StartConsumer(nc, f.svc, "workers")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	Enqueue(context.Background(), nc, Request{CollectionID: f.col.ID, DocumentID: "d", Filename: "spice.txt", Data: []byte(saffron)})

	select {
	case dl := <-dlq:
		if dl.Retries != MaxRetries || dl.Job.DocumentID != "d" {
			t.Fatalf("unexpected dead letter %+v", dl)
		}
		if dl.Job.Data != nil {
			t.Fatal("dead letters must not carry file content")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
	if got := f.store.upserts.Load(); got != MaxRetries {
		t.Fatalf("expected %d attempts, got %d", MaxRetries, got)
	}
}

func TestStartConsumer_BadInputGoesStraightToDLQ(t *testing.T) {
	nc := startNATS(t)
	dlq := watchDLQ(t, nc)
	f := newFixture(t, nil)

	sub, err := StartConsumer(nc, f.svc, "workers")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	Enqueue(context.Background(), nc, Request{CollectionID: f.col.ID, DocumentID: "d", Filename: "setup.exe", Data: []byte("MZ")})

	select {
	case dl := <-dlq:
		if dl.Retries != 1 {
			t.Fatalf("unsupported files are not retried, got %d attempts", dl.Retries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
}

func TestStartConsumer_InvalidJSON(t *testing.T) {
	nc := startNATS(t)
	dlq := watchDLQ(t, nc)
	f := newFixture(t, nil)

	sub, err := StartConsumer(nc, f.svc, "workers")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish(Subject, []byte("not json"))
	nc.Flush()
	select {
	case dl := <-dlq:
		t.Fatalf("malformed jobs are dropped, got %+v", dl)
	case <-time.After(100 * time.Millisecond):
	}
}
