package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("vault_ingest_chunks_total", "Chunks written")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("counter = %d", c.Value())
	}
	if r.Counter("vault_ingest_chunks_total", "") != c {
		t.Fatal("same name must return the same counter")
	}

	g := r.Gauge("vault_provider_breaker_open", "")
	g.Set(1)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 0 {
		t.Fatalf("gauge = %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("vault_query_duration_seconds", "", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.3, 0.8, 2} {
		h.Observe(v)
	}
	buckets, counts, sum, count := h.snapshot()
	if buckets[0] != 0.1 || buckets[2] != 1 {
		t.Fatalf("buckets not sorted: %v", buckets)
	}
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 || count != 4 {
		t.Fatalf("counts = %v, count = %d", counts, count)
	}
	if math.Abs(sum-3.15) > 1e-9 {
		t.Fatalf("sum = %f", sum)
	}

	h.Since(time.Now().Add(-10 * time.Millisecond))
	if _, _, _, n := h.snapshot(); n != 5 {
		t.Fatalf("Since did not observe, count = %d", n)
	}
}

func TestWithLabels(t *testing.T) {
	cases := []struct {
		name string
		kvs  []string
		want string
	}{
		{"vault_provider_requests_total", []string{"provider", "groq", "outcome", "ok"}, `vault_provider_requests_total{provider="groq",outcome="ok"}`},
		{"plain", nil, "plain"},
		{"odd", []string{"k"}, "odd"},
		{"escaped", []string{"err", `say "hi"\` + "\n"}, `escaped{err="say \"hi\"\\\n"}`},
	}
	for _, tc := range cases {
		if got := WithLabels(tc.name, tc.kvs...); got != tc.want {
			t.Errorf("WithLabels(%q, %v) = %s, want %s", tc.name, tc.kvs, got, tc.want)
		}
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter(WithLabels("vault_query_total", "outcome", "ok"), "Questions by outcome").Add(7)
	r.Counter(WithLabels("vault_query_total", "outcome", "retrieval_error"), "").Add(2)
	r.Gauge(WithLabels("vault_provider_breaker_open", "provider", "ollama"), "Breaker state").Set(1)
	h := r.Histogram(WithLabels("vault_provider_first_token_seconds", "provider", "groq"), "TTFT", []float64{0.5, 1})
	h.Observe(0.2)
	h.Observe(3)

	out := r.Render()
	for _, want := range []string{
		"# HELP vault_query_total Questions by outcome",
		"# TYPE vault_query_total counter",
		`vault_query_total{outcome="ok"} 7`,
		`vault_query_total{outcome="retrieval_error"} 2`,
		"# TYPE vault_provider_breaker_open gauge",
		`vault_provider_breaker_open{provider="ollama"} 1`,
		"# TYPE vault_provider_first_token_seconds histogram",
		`vault_provider_first_token_seconds_bucket{le="0.5",provider="groq"} 1`,
		`vault_provider_first_token_seconds_bucket{le="1",provider="groq"} 1`,
		`vault_provider_first_token_seconds_bucket{le="+Inf",provider="groq"} 2`,
		`vault_provider_first_token_seconds_count{provider="groq"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE vault_query_total") != 1 {
		t.Error("each family must be declared once")
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("vault_ingest_documents_total", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "vault_ingest_documents_total 1") {
		t.Error("missing metric in handler output")
	}
}

func TestKindMismatchIsolated(t *testing.T) {
	r := New()
	r.Counter("vault_mixed", "").Add(3)
	g := r.Gauge("vault_mixed", "")
	g.Set(9)
	out := r.Render()
	if !strings.Contains(out, "# TYPE vault_mixed counter") || !strings.Contains(out, "vault_mixed 3") {
		t.Fatalf("counter family lost:\n%s", out)
	}
	if strings.Contains(out, "vault_mixed 9") {
		t.Fatal("mismatched gauge must not be rendered")
	}
}
