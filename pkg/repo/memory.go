package repo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemRepo is an in-process Repository. toMap provides the properties used
// by ListOpts filters and ordering, with the same keys as the Neo4j mapping.
type MemRepo[T any, ID comparable] struct {
	mu    sync.RWMutex
	label string
	idOf  func(T) ID
	toMap func(T) map[string]any
	order []ID
	items map[ID]T
}

// NewMemRepo creates an empty in-memory repository.
func NewMemRepo[T any, ID comparable](label string, idOf func(T) ID, toMap func(T) map[string]any) *MemRepo[T, ID] {
	return &MemRepo[T, ID]{label: label, idOf: idOf, toMap: toMap, items: make(map[ID]T)}
}

var _ Repository[any, string] = (*MemRepo[any, string])(nil)

func (r *MemRepo[T, ID]) Get(_ context.Context, id ID) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return v, nil
}

func (r *MemRepo[T, ID]) List(_ context.Context, opts ListOpts) ([]T, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []T
	var props []map[string]any
	for _, id := range r.order {
		v := r.items[id]
		m := r.toMap(v)
		if !matches(m, opts.Filter) {
			continue
		}
		out = append(out, v)
		props = append(props, m)
	}
	r.mu.RUnlock()

	if opts.OrderBy != "" {
		key, desc := orderKey(opts.OrderBy), opts.OrderBy[0] == '-'
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			c := compareProps(props[a][key], props[b][key])
			if desc {
				return -c
			}
			return c
		})
		sorted := make([]T, len(out))
		for i, j := range idx {
			sorted[i] = out[j]
		}
		out = sorted
	}

	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if l := opts.limit(); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (r *MemRepo[T, ID]) Create(_ context.Context, entity T) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.idOf(entity)
	if _, ok := r.items[id]; ok {
		var zero T
		return zero, fmt.Errorf("repo: create %s %v: already exists", r.label, id)
	}
	r.items[id] = entity
	r.order = append(r.order, id)
	return entity, nil
}

func (r *MemRepo[T, ID]) Update(_ context.Context, entity T) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.idOf(entity)
	if _, ok := r.items[id]; !ok {
		var zero T
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	r.items[id] = entity
	return entity, nil
}

func (r *MemRepo[T, ID]) Delete(_ context.Context, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return nil
	}
	delete(r.items, id)
	r.order = slices.DeleteFunc(r.order, func(x ID) bool { return x == id })
	return nil
}

func matches(props, filter map[string]any) bool {
	for k, want := range filter {
		if props[k] != want {
			return false
		}
	}
	return true
}

// compareProps orders the property kinds the catalog stores. Mixed or
// unknown kinds compare equal.
func compareProps(a, b any) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return 0
}
