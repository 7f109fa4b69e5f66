package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &mockResult{}, nil
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error {
	m.closed++
	return nil
}

type note struct {
	ID    string
	Owner string
}

func noteMap(n note) map[string]any { return map[string]any{"id": n.ID, "owner": n.Owner} }

func makeRecord(id, owner string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "owner": owner}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[note, string] {
	repo := NewNeo4jRepo[note, string](
		nil, "Note", noteMap,
		func(rec *neo4j.Record) (note, error) {
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return note{}, errors.New("bad type")
			}
			return note{ID: m["id"].(string), Owner: m["owner"].(string)}, nil
		},
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

// --- Tests ---

func TestNeo4jGet(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("n1", "ann")}}}
	got, err := newTestRepo(r).Get(context.Background(), "n1")
	if err != nil || got.Owner != "ann" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if r.cyphers[0] != "MATCH (n:Note {id: $id}) RETURN n" || r.params[0]["id"] != "n1" {
		t.Fatalf("unexpected query %q %v", r.cyphers[0], r.params[0])
	}
	if r.closed != 1 {
		t.Fatal("session not closed")
	}
}

func TestNeo4jGet_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNeo4jGet_RunError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := newTestRepo(&mockRunner{err: boom}).Get(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped run error, got %v", err)
	}
}

func TestNeo4jList_Query(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("a", "ann"), makeRecord("b", "ann")}}}
	items, err := newTestRepo(r).List(context.Background(), ListOpts{
		Offset:  5,
		Filter:  map[string]any{"owner": "ann", "id": "a"},
		OrderBy: "-id",
	})
	if err != nil || len(items) != 2 {
		t.Fatalf("List = %+v, %v", items, err)
	}
	want := "MATCH (n:Note) WHERE n.id = $f_id AND n.owner = $f_owner RETURN n ORDER BY n.id DESC SKIP $offset LIMIT $limit"
	if r.cyphers[0] != want {
		t.Fatalf("cypher =\n%s\nwant\n%s", r.cyphers[0], want)
	}
	p := r.params[0]
	if p["f_owner"] != "ann" || p["offset"] != 5 || p["limit"] != DefaultLimit {
		t.Fatalf("unexpected params %v", p)
	}
}

func TestNeo4jList_RejectsUnsafeKeys(t *testing.T) {
	r := &mockRunner{}
	repo := newTestRepo(r)
	if _, err := repo.List(context.Background(), ListOpts{Filter: map[string]any{"x} DETACH DELETE n //": 1}}); err == nil {
		t.Fatal("expected invalid filter key error")
	}
	if _, err := repo.List(context.Background(), ListOpts{OrderBy: "-a b"}); err == nil {
		t.Fatal("expected invalid order key error")
	}
	if len(r.cyphers) != 0 {
		t.Fatal("no query may run for invalid options")
	}
}

func TestNeo4jCreateUpdateDelete(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("n1", "bob")}}}
	repo := newTestRepo(r)
	ctx := context.Background()

	if _, err := repo.Create(ctx, note{ID: "n1", Owner: "bob"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(r.cyphers[0], "CREATE (n:Note $props)") {
		t.Fatalf("unexpected create %q", r.cyphers[0])
	}

	r.result = &mockResult{records: []*neo4j.Record{makeRecord("n1", "bob")}}
	if _, err := repo.Update(ctx, note{ID: "n1", Owner: "bob"}); err != nil {
		t.Fatal(err)
	}
	if r.params[1]["id"] != "n1" {
		t.Fatalf("update must match on id, got %v", r.params[1])
	}

	r.result = &mockResult{}
	if _, err := repo.Update(ctx, note{ID: "gone"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Create(ctx, note{ID: "n2"}); err == nil {
		t.Fatal("expected error when create returns no row")
	}

	if err := repo.Delete(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if last := r.cyphers[len(r.cyphers)-1]; last != "MATCH (n:Note {id: $id}) DETACH DELETE n" {
		t.Fatalf("unexpected delete %q", last)
	}
}

func TestNeo4jEnsureIndex(t *testing.T) {
	r := &mockRunner{}
	if err := newTestRepo(r).EnsureIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.cyphers[0] != "CREATE CONSTRAINT note_id IF NOT EXISTS FOR (n:Note) REQUIRE n.id IS UNIQUE" {
		t.Fatalf("unexpected cypher %q", r.cyphers[0])
	}
}

func TestWithIDKey(t *testing.T) {
	r := &mockRunner{}
	repo := NewNeo4jRepo[note, string](nil, "Note", noteMap, nil, WithIDKey[note, string]("uid"))
	repo.newSession = func(context.Context) runner { return r }
	repo.Delete(context.Background(), "x")
	if !strings.Contains(r.cyphers[0], "{uid: $id}") {
		t.Fatalf("id key not applied: %q", r.cyphers[0])
	}
}
