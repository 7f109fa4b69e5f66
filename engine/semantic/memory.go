package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// Memory is an in-process brute-force Store. Entries keep the slot of their
// first insertion, so equal distances rank in insertion order.
type Memory struct {
	mu      sync.RWMutex
	entries []domain.IndexedEntry
	index   map[string]int
	logger  *slog.Logger
}

// NewMemory returns an empty store. A nil logger means slog.Default().
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{index: make(map[string]int), logger: logger}
}

// Len reports the number of indexed entries across all tenants.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Upsert(ctx context.Context, entries []domain.IndexedEntry) error {
	if err := domain.ValidateEntries(entries); err != nil {
		return fmt.Errorf("semantic: upsert: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Vector = slices.Clone(e.Vector)
		e.Metadata = maps.Clone(e.Metadata)
		if i, ok := m.index[e.ID]; ok {
			m.entries[i] = e
			continue
		}
		m.index[e.ID] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]domain.SearchResult, error) {
	if err := domain.ValidateSearch(tenantID, vector); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var hits []domain.SearchResult
	for _, e := range m.entries {
		if e.CollectionID() != tenantID {
			continue
		}
		if len(e.Vector) != len(vector) {
			m.mu.RUnlock()
			return nil, fmt.Errorf("%w: query %d, entry %s has %d", ErrDimensionMismatch, len(vector), e.ID, len(e.Vector))
		}
		hits = append(hits, domain.SearchResult{
			ID:       e.ID,
			Text:     e.Text,
			Metadata: maps.Clone(e.Metadata),
			Distance: CosineDistance(vector, e.Vector),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k := normTopK(topK); len(hits) > k {
		hits = hits[:k]
	}
	return isolate(m.logger, tenantID, hits), nil
}

func (m *Memory) DeleteByDocID(_ context.Context, tenantID, docID string) error {
	if tenantID == "" {
		return fmt.Errorf("semantic: delete: %w", domain.ErrMissingTenant)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.CollectionID() == tenantID && e.Metadata[domain.KeySourceDocID] == docID {
			continue
		}
		kept = append(kept, e)
	}
	clear(m.entries[len(kept):])
	m.entries = kept
	clear(m.index)
	for i, e := range m.entries {
		m.index[e.ID] = i
	}
	return nil
}
