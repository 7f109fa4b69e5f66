package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/rag"
	"github.com/WessleyAI/rag-vault/engine/semantic"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/resilience"
)

type fragments struct{ frags []string }

func (f *fragments) Recv() (string, error) {
	if len(f.frags) == 0 {
		return "", io.EOF
	}
	next := f.frags[0]
	f.frags = f.frags[1:]
	return next, nil
}

func (f *fragments) Close() error { return nil }

type fakeProvider struct {
	frags []string
	err   error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(context.Context, []generate.Message) (generate.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &fragments{frags: append([]string(nil), p.frags...)}, nil
}

// slowProvider holds the stream back for delay before the first fragment.
type slowProvider struct {
	fakeProvider
	delay time.Duration
}

func (p *slowProvider) Stream(ctx context.Context, msgs []generate.Message) (generate.Stream, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.fakeProvider.Stream(ctx, msgs)
}

type fixture struct {
	*httptest.Server
	srv     *server
	catalog *catalog.Catalog
	def     catalog.Collection
}

func newFixture(t *testing.T, p generate.Provider, opts ...func(*server)) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.New()
	cat := catalog.NewMemory(log)
	def, err := cat.EnsureDefault(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	emb := embed.NewHashing(64)
	store := semantic.NewMemory(log)
	gen, err := generate.New(generate.Options{Timeout: 2 * time.Second, Logger: log, Metrics: reg}, p)
	if err != nil {
		t.Fatal(err)
	}
	ing, err := ingest.NewService(ingest.Deps{Embedder: emb, Store: store, Catalog: cat, Metrics: reg, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	srv := &server{
		catalog:      cat,
		ingest:       ing,
		rag:          rag.New(emb, store, gen, rag.DefaultOptions(), log, reg),
		embedder:     emb,
		primary:      gen.Primary(),
		metrics:      reg,
		limiter:      resilience.NewKeyed(resilience.LimiterOpts{Rate: 100, Burst: 100}),
		log:          log,
		uploadDir:    t.TempDir(),
		maxUpload:    1 << 20,
		corsOrigin:   "*",
		readyTimeout: time.Second,
	}
	for _, o := range opts {
		o(srv)
	}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &fixture{Server: ts, srv: srv, catalog: cat, def: def}
}

func (f *fixture) upload(t *testing.T, colID, filename, body string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("collection_id", colID)
	fw, _ := mw.CreateFormFile("file", filename)
	io.WriteString(fw, body)
	mw.Close()
	resp, err := http.Post(f.URL+"/ingest", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

const manual = "The pressure valve must be checked every six months. Replace the gasket when it cracks."

func TestHealth(t *testing.T) {
	f := newFixture(t, &fakeProvider{frags: []string{"OK"}})
	resp, err := http.Get(f.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body := decode[map[string]string](t, resp.Body)
	if resp.StatusCode != http.StatusOK || body["status"] != "online" || body["version"] != version {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
}

func TestReady(t *testing.T) {
	f := newFixture(t, &fakeProvider{frags: []string{"OK"}})
	resp, err := http.Get(f.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready = %d", resp.StatusCode)
	}

	down := newFixture(t, &fakeProvider{err: errors.New("connection refused")})
	resp2, err := http.Get(down.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body := decode[struct {
		Status   string `json:"status"`
		Embedder probe  `json:"embedder"`
		Provider probe  `json:"provider"`
	}](t, resp2.Body)
	if resp2.StatusCode != http.StatusServiceUnavailable || body.Status != "degraded" {
		t.Fatalf("ready with provider down = %d %+v", resp2.StatusCode, body)
	}
	if !body.Embedder.OK || body.Embedder.Dims != 64 || body.Provider.OK || body.Provider.Error == "" {
		t.Fatalf("probes = %+v", body)
	}
}

func TestCollections(t *testing.T) {
	f := newFixture(t, &fakeProvider{})

	resp, err := http.Post(f.URL+"/collections", "application/json", strings.NewReader(`{"name":"  Manuals "}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	col := decode[catalog.Collection](t, resp.Body)
	if resp.StatusCode != http.StatusCreated || col.Name != "Manuals" || col.ID == "" {
		t.Fatalf("create = %d %+v", resp.StatusCode, col)
	}

	bad, err := http.Post(f.URL+"/collections", "application/json", strings.NewReader(`{"name":" "}`))
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty name = %d", bad.StatusCode)
	}

	list, err := http.Get(f.URL + "/collections")
	if err != nil {
		t.Fatal(err)
	}
	defer list.Body.Close()
	cols := decode[[]catalog.Collection](t, list.Body)
	if len(cols) != 2 || cols[0].ID != f.def.ID {
		t.Fatalf("collections = %+v", cols)
	}

	missing, err := http.Get(f.URL + "/collections/nope/documents")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown collection = %d", missing.StatusCode)
	}
}

func TestIngestSync(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	resp := f.upload(t, f.def.ID, "manual.txt", manual)
	body := decode[IngestResponse](t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest = %d", resp.StatusCode)
	}
	if body.Document.Status != catalog.StatusDone || body.Report == nil || body.Report.Chunks != 1 {
		t.Fatalf("ingest body = %+v", body)
	}

	docs, err := http.Get(f.URL + "/collections/" + f.def.ID + "/documents")
	if err != nil {
		t.Fatal(err)
	}
	defer docs.Body.Close()
	list := decode[[]catalog.Document](t, docs.Body)
	if len(list) != 1 || list[0].Filename != "manual.txt" || list[0].FileType != "txt" {
		t.Fatalf("documents = %+v", list)
	}
}

func TestIngestRejects(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	cases := []struct {
		name     string
		colID    string
		filename string
		want     int
	}{
		{"unsupported format", f.def.ID, "slides.pptx", http.StatusUnsupportedMediaType},
		{"unknown collection", "nope", "manual.txt", http.StatusNotFound},
		{"missing collection", "", "manual.txt", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if resp := f.upload(t, tc.colID, tc.filename, manual); resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestIngestCorruptDocumentFails(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	resp := f.upload(t, f.def.ID, "broken.pdf", "not a pdf")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[struct {
		Document catalog.Document `json:"document"`
	}](t, resp.Body)
	if body.Document.Status != catalog.StatusFailed {
		t.Fatalf("document = %+v", body.Document)
	}
}

func TestIngestQueued(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	var mu sync.Mutex
	var queued []ingest.Request
	f.srv.enqueue = func(_ context.Context, req ingest.Request) error {
		mu.Lock()
		defer mu.Unlock()
		queued = append(queued, req)
		return nil
	}

	resp := f.upload(t, f.def.ID, "manual.md", manual)
	body := decode[IngestResponse](t, resp.Body)
	if resp.StatusCode != http.StatusAccepted || !body.Queued || body.Document.Status != catalog.StatusPending {
		t.Fatalf("queued ingest = %d %+v", resp.StatusCode, body)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(queued) != 1 || queued[0].DocumentID != body.Document.ID || queued[0].Path == "" || queued[0].Data != nil {
		t.Fatalf("queued = %+v", queued)
	}
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t, &fakeProvider{}, func(s *server) {
		s.limiter = resilience.NewKeyed(resilience.LimiterOpts{Rate: 0, Burst: 1})
	})

	if resp := f.upload(t, f.def.ID, "a.txt", manual); resp.StatusCode != http.StatusOK {
		t.Fatalf("first upload = %d", resp.StatusCode)
	}
	if resp := f.upload(t, f.def.ID, "b.txt", manual); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second upload = %d", resp.StatusCode)
	}
}

func TestChatOverWebsocket(t *testing.T) {
	f := newFixture(t, &fakeProvider{frags: []string{"Every ", "six months."}})
	if resp := f.upload(t, f.def.ID, "manual.txt", manual); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(f.URL, "http") + "/ws/chat/" + f.def.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("How often is the valve checked?")); err != nil {
		t.Fatal(err)
	}

	var events []generate.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev generate.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
		if ev.Kind == generate.KindDone {
			break
		}
	}

	if len(events) != 4 || events[0].Kind != generate.KindCitation || events[1].Text != "Every " || events[2].Text != "six months." {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].Sources) != 1 || events[0].Sources[0].Filename != "manual.txt" {
		t.Fatalf("citation = %+v", events[0].Sources)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := f.catalog.History(context.Background(), f.def.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 2 {
			if msgs[0].Role != generate.RoleUser || msgs[1].Content != "Every six months." {
				t.Fatalf("history = %+v", msgs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d messages", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatKeepaliveDuringSlowAnswer(t *testing.T) {
	p := &slowProvider{fakeProvider: fakeProvider{frags: []string{"Every ", "six months."}}, delay: 700 * time.Millisecond}
	f := newFixture(t, p, func(s *server) { s.pongWait = 200 * time.Millisecond })
	if resp := f.upload(t, f.def.ID, "manual.txt", manual); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(f.URL, "http") + "/ws/chat/" + f.def.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("How often is the valve checked?")); err != nil {
		t.Fatal(err)
	}

	// The client answers pings while blocked in ReadJSON.
	var text strings.Builder
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev generate.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("connection dropped mid-answer: %v", err)
		}
		if ev.Kind == generate.KindError {
			t.Fatalf("error event: %+v", ev)
		}
		if ev.Kind == generate.KindToken {
			text.WriteString(ev.Text)
		}
		if ev.Kind == generate.KindDone {
			break
		}
	}
	if text.String() != "Every six months." {
		t.Fatalf("answer = %q", text.String())
	}
}

func TestChatUnknownCollection(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	url := "ws" + strings.TrimPrefix(f.URL, "http") + "/ws/chat/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	f.upload(t, f.def.ID, "manual.txt", manual)
	resp, err := http.Get(f.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(out), `vault_ingest_documents_total{outcome="done"} 1`) {
		t.Fatalf("metrics:\n%s", out)
	}
}
