package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates) a SQLite database file. Writes go through
// a single connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("repo: sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repo: sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("repo: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// SQLiteRepo stores each entity as a JSON document in a table named after
// its label. Filters and ordering read properties with json_extract, so it
// accepts the same ListOpts as the other repositories. time.Time properties
// are stored as Unix nanoseconds and come back as int64.
type SQLiteRepo[T any, ID comparable] struct {
	db        *sql.DB
	table     string
	idKey     string
	indexes   []string
	toMap     func(T) map[string]any
	fromProps func(map[string]any) (T, error)
}

// SQLiteOption configures a SQLiteRepo.
type SQLiteOption[T any, ID comparable] func(*SQLiteRepo[T, ID])

// WithIndexes adds expression indexes on the given properties.
func WithIndexes[T any, ID comparable](keys ...string) SQLiteOption[T, ID] {
	return func(r *SQLiteRepo[T, ID]) { r.indexes = append(r.indexes, keys...) }
}

// NewSQLiteRepo creates a repository over table. Call EnsureIndex before use.
func NewSQLiteRepo[T any, ID comparable](
	db *sql.DB,
	table string,
	toMap func(T) map[string]any,
	fromProps func(map[string]any) (T, error),
	opts ...SQLiteOption[T, ID],
) *SQLiteRepo[T, ID] {
	r := &SQLiteRepo[T, ID]{db: db, table: table, idKey: "id", toMap: toMap, fromProps: fromProps}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Repository[any, string] = (*SQLiteRepo[any, string])(nil)

// EnsureIndex creates the table and its property indexes.
func (r *SQLiteRepo[T, ID]) EnsureIndex(ctx context.Context) error {
	if !propertyName.MatchString(r.table) {
		return fmt.Errorf("repo: invalid table name %q", r.table)
	}
	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, props TEXT NOT NULL)`, r.table)}
	for _, k := range r.indexes {
		if !propertyName.MatchString(k) {
			return fmt.Errorf("repo: invalid index key %q", k)
		}
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s ON %s (json_extract(props, '$.%s'))`,
			strings.ToLower(r.table), k, r.table, k))
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("repo: ensure index %s: %w", r.table, err)
		}
	}
	return nil
}

func (r *SQLiteRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	var raw string
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT props FROM %s WHERE id = ?`, r.table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %v: %w", r.table, id, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.table, err)
	}
	return r.decode(raw)
}

func (r *SQLiteRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	q, args := r.listQuery(opts)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.table, err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("repo: list %s: %w", r.table, err)
		}
		item, err := r.decode(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.table, err)
	}
	return items, nil
}

// listQuery orders ties by insertion, like MemRepo.
func (r *SQLiteRepo[T, ID]) listQuery(opts ListOpts) (string, []any) {
	var b strings.Builder
	var args []any
	fmt.Fprintf(&b, "SELECT props FROM %s", r.table)

	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "json_extract(props, '$.%s') = ?", k)
		args = append(args, encodeValue(opts.Filter[k]))
	}

	b.WriteString(" ORDER BY ")
	if opts.OrderBy != "" {
		fmt.Fprintf(&b, "json_extract(props, '$.%s')", orderKey(opts.OrderBy))
		if opts.OrderBy[0] == '-' {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	b.WriteString("rowid LIMIT ? OFFSET ?")
	args = append(args, opts.limit(), opts.Offset)
	return b.String(), args
}

func (r *SQLiteRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	props := r.toMap(entity)
	raw, err := encodeProps(props)
	if err != nil {
		return zero, fmt.Errorf("repo: create %s: %w", r.table, err)
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, props) VALUES (?, ?)`, r.table), props[r.idKey], raw); err != nil {
		return zero, fmt.Errorf("repo: create %s: %w", r.table, err)
	}
	return r.decode(raw)
}

// Update merges the entity's properties into the stored document.
func (r *SQLiteRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	var zero T
	props := r.toMap(entity)
	raw, err := encodeProps(props)
	if err != nil {
		return zero, fmt.Errorf("repo: update %s: %w", r.table, err)
	}
	var merged string
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET props = json_patch(props, ?) WHERE id = ? RETURNING props`, r.table),
		raw, props[r.idKey]).Scan(&merged)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s %v: %w", r.table, props[r.idKey], ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("repo: update %s: %w", r.table, err)
	}
	return r.decode(merged)
}

func (r *SQLiteRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.table), id); err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.table, err)
	}
	return nil
}

func (r *SQLiteRepo[T, ID]) decode(raw string) (T, error) {
	props, err := decodeProps(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("repo: decode %s: %w", r.table, err)
	}
	return r.fromProps(props)
}

func encodeValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixNano()
	}
	return v
}

func encodeProps(props map[string]any) (string, error) {
	enc := make(map[string]any, len(props))
	for k, v := range props {
		enc[k] = encodeValue(v)
	}
	b, err := json.Marshal(enc)
	return string(b), err
}

// decodeProps keeps integers exact: int64 when they fit, float64 otherwise.
func decodeProps(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var props map[string]any
	if err := dec.Decode(&props); err != nil {
		return nil, err
	}
	for k, v := range props {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			props[k] = i
		} else if f, err := n.Float64(); err == nil {
			props[k] = f
		}
	}
	return props, nil
}
