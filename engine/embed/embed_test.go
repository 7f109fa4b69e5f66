package embed

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

type mockProvider struct {
	dims  int
	vecs  map[string][]float32
	err   error
	calls atomic.Int32
	// active tracks concurrent Embed calls.
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (m *mockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vecs[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (m *mockProvider) Dimension() int { return m.dims }

func TestHashing_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, b := NewHashing(64), NewHashing(64)
	v1, _ := a.Embed(ctx, "The secret ingredient is saffron")
	v2, _ := b.Embed(ctx, "The secret ingredient is saffron")
	if len(v1) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
}

func TestHashing_EmptyTextIsEmptyVector(t *testing.T) {
	v, err := NewHashing(0).Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v == nil || len(v) != 0 {
		t.Fatalf("expected non-nil zero-length vector, got %v", v)
	}
}

func TestHashing_DefaultDims(t *testing.T) {
	if NewHashing(-1).Dimension() != DefaultHashingDims {
		t.Fatal("expected default dims")
	}
}

func TestHashing_Normalised(t *testing.T) {
	v, _ := NewHashing(128).Embed(context.Background(), "retrieval augmented generation pipeline")
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if math.Abs(n-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", n)
	}
}

func TestHashing_SimilarTextIsCloser(t *testing.T) {
	ctx := context.Background()
	h := NewHashing(DefaultHashingDims)
	q, _ := h.Embed(ctx, "What is the secret ingredient?")
	soup, _ := h.Embed(ctx, "The secret ingredient to the soup is saffron.")
	paris, _ := h.Embed(ctx, "The capital of France is Paris.")
	if dot(q, soup) <= dot(q, paris) {
		t.Fatalf("expected soup text to score higher: %f vs %f", dot(q, soup), dot(q, paris))
	}
}

func TestHashing_StopwordsOnlyIsZeroVector(t *testing.T) {
	v, err := NewHashing(16).Embed(context.Background(), "the of and")
	if err != nil || len(v) != 16 {
		t.Fatalf("unexpected: %v %v", v, err)
	}
	for _, x := range v {
		if x != 0 {
			t.Fatal("expected all zeros")
		}
	}
}

func TestHashing_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHashing(8).Embed(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBatch_Order(t *testing.T) {
	m := &mockProvider{vecs: map[string][]float32{"a": {1}, "b": {2}, "c": {3}}}
	out, err := Batch(context.Background(), m, []string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if out[0][0] != 3 || out[1][0] != 1 || out[2][0] != 2 {
		t.Fatalf("unexpected order: %v", out)
	}
}

func TestBatch_StopsOnError(t *testing.T) {
	boom := errors.New("model down")
	m := &mockProvider{err: boom}
	if _, err := Batch(context.Background(), m, []string{"a", "b"}); !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}
	if m.calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", m.calls.Load())
	}
}

func TestBatch_RejectsEmptyVector(t *testing.T) {
	m := &mockProvider{vecs: map[string][]float32{"": {}}}
	_, err := Batch(context.Background(), m, []string{"ok", ""})
	if !errors.Is(err, domain.ErrEmptyVector) {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
}

func TestWarm(t *testing.T) {
	dims, err := Warm(context.Background(), NewHashing(32))
	if err != nil || dims != 32 {
		t.Fatalf("Warm = %d, %v", dims, err)
	}

	boom := errors.New("unreachable")
	if _, err := Warm(context.Background(), &mockProvider{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected unreachable, got %v", err)
	}

	// Provider reports 3 dims but returns 2.
	if _, err := Warm(context.Background(), &mockProvider{dims: 3}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}

	empty := &mockProvider{vecs: map[string][]float32{probeText: {}}}
	if _, err := Warm(context.Background(), empty); !errors.Is(err, domain.ErrEmptyVector) {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
}

func TestSerialized_NoConcurrentCalls(t *testing.T) {
	m := &mockProvider{dims: 2, delay: 2 * time.Millisecond}
	s := NewSerialized(m)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Embed(context.Background(), "x")
		}()
	}
	wg.Wait()
	if m.maxSeen.Load() != 1 {
		t.Fatalf("expected serialized calls, saw %d concurrent", m.maxSeen.Load())
	}
	if s.Dimension() != 2 {
		t.Fatal("Dimension passthrough")
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
