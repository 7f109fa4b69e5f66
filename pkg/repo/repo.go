// Package repo defines the generic Repository interface and list options,
// with a Neo4j-backed and an in-memory implementation.
package repo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Get and Update when no entity has the given id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	// Filter keeps entities whose property equals the value, for every key.
	Filter map[string]any
	// OrderBy names a property to sort ascending by. Prefix with "-" for
	// descending. Empty means store order.
	OrderBy string
}

// DefaultLimit applies when ListOpts.Limit is zero or negative.
const DefaultLimit = 100

var propertyName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validate rejects property names that cannot be safely spliced into a query.
func (o ListOpts) validate() error {
	for k := range o.Filter {
		if !propertyName.MatchString(k) {
			return fmt.Errorf("repo: invalid filter key %q", k)
		}
	}
	if o.OrderBy != "" && !propertyName.MatchString(orderKey(o.OrderBy)) {
		return fmt.Errorf("repo: invalid order key %q", o.OrderBy)
	}
	return nil
}

func (o ListOpts) limit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return o.Limit
}

func orderKey(s string) string {
	if len(s) > 0 && s[0] == '-' {
		return s[1:]
	}
	return s
}
