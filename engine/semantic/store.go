// Package semantic owns the tenant-partitioned nearest-neighbor index.
// Every search is scoped to one collection_id; results from any other tenant
// are never returned.
package semantic

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// DefaultTopK is the number of hits returned when the caller asks for none.
const DefaultTopK = 4

// ErrDimensionMismatch is returned when a query vector does not match the
// dimensionality of the indexed vectors.
var ErrDimensionMismatch = errors.New("semantic: vector dimension mismatch")

// Store is a multi-tenant vector index. Implementations must allow concurrent
// Upsert and Search calls across tenants.
type Store interface {
	// Upsert inserts or replaces entries by id. A failure partway through may
	// leave earlier entries of the batch indexed.
	Upsert(ctx context.Context, entries []domain.IndexedEntry) error
	// Search returns at most topK entries of tenantID ordered by ascending
	// cosine distance.
	Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]domain.SearchResult, error)
	// DeleteByDocID removes every entry of tenantID that came from docID.
	DeleteByDocID(ctx context.Context, tenantID, docID string) error
}

// CosineDistance returns 1 - cos(a, b). A zero vector is at distance 1 from
// everything.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

func normTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	return k
}

// isolate drops any hit whose collection_id is not tenantID. A dropped hit
// means the backend ignored the tenant filter, so it is logged as an error.
func isolate(logger *slog.Logger, tenantID string, hits []domain.SearchResult) []domain.SearchResult {
	out := hits[:0]
	for _, h := range hits {
		if h.CollectionID() != tenantID {
			logger.Error("semantic: dropped cross-tenant hit",
				"tenant", tenantID, "hit_tenant", h.CollectionID(), "id", h.ID)
			continue
		}
		out = append(out, h)
	}
	return out
}
