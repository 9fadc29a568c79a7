package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// testDB opens a store in a temporary directory.
func testDB(t *testing.T, pageSize int) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := OpenWithConfig(path, &Config{PageSize: pageSize})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seriesLeaf(id string) backend.Leaf {
	return backend.Leaf{
		DataID:              id,
		Kind:                backend.KindSeries,
		Name:                "Signal1",
		Path:                "Root/Sub/Signal1",
		UnitOfMeasure:       "degC",
		InterpolationMethod: "linear",
	}
}

// TestOpen_CreatesSchema tests that every table exists after Open.
func TestOpen_CreatesSchema(t *testing.T) {
	db := testDB(t, 0)

	if db.PageSize() != backend.DefaultPageSize {
		t.Errorf("PageSize() = %d, want %d", db.PageSize(), backend.DefaultPageSize)
	}

	tables := []string{"nodes", "leaves", "relationships", "properties", "samples", "intervals"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	// Idempotent
	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestUpsertNodes_Idempotent(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	nodes := []backend.Node{
		{DataID: "root", Name: "Root", Path: "Root", Root: true},
		{DataID: "sub", Name: "Sub", Path: "Root/Sub"},
	}

	for i := 0; i < 2; i++ {
		refs, err := db.UpsertNodes(ctx, nodes)
		if err != nil {
			t.Fatalf("UpsertNodes() pass %d failed: %v", i, err)
		}
		if len(refs) != 2 || refs[1].ID != "sub" {
			t.Errorf("refs = %+v", refs)
		}
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Nodes != 2 {
		t.Errorf("Nodes = %d, want 2", stats.Nodes)
	}
}

func TestUpsertRejectsOversizedPage(t *testing.T) {
	db := testDB(t, 2)
	ctx := context.Background()

	nodes := make([]backend.Node, 3)
	for i := range nodes {
		nodes[i] = backend.Node{DataID: fmt.Sprint(i), Name: fmt.Sprint(i), Path: fmt.Sprint(i)}
	}

	_, err := db.UpsertNodes(ctx, nodes)
	if !errors.Is(err, backend.ErrPageTooLarge) {
		t.Fatalf("UpsertNodes() error = %v, want ErrPageTooLarge", err)
	}
}

func TestRelationships(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	rels := []backend.Relationship{
		{ParentDataID: "root", ChildDataID: "sub"},
		{ParentDataID: "sub", ChildDataID: "leaf"},
	}
	for i := 0; i < 2; i++ {
		if err := db.UpsertRelationships(ctx, rels); err != nil {
			t.Fatalf("UpsertRelationships() failed: %v", err)
		}
	}

	children, err := db.Children(ctx, "sub")
	if err != nil {
		t.Fatalf("Children() failed: %v", err)
	}
	if len(children) != 1 || children[0] != "leaf" {
		t.Errorf("children = %v, want [leaf]", children)
	}
}

func TestProperties(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	if _, ok, err := db.GetProperty(ctx, "leaf", "DatastoreStatus"); err != nil || ok {
		t.Fatalf("GetProperty() on unset = ok %v, err %v", ok, err)
	}

	if err := db.SetProperty(ctx, "leaf", "DatastoreStatus", "Active"); err != nil {
		t.Fatalf("SetProperty() failed: %v", err)
	}
	if err := db.SetProperty(ctx, "leaf", "DatastoreStatus", "Sealed"); err != nil {
		t.Fatalf("SetProperty() failed: %v", err)
	}

	value, ok, err := db.GetProperty(ctx, "leaf", "DatastoreStatus")
	if err != nil || !ok {
		t.Fatalf("GetProperty() = ok %v, err %v", ok, err)
	}
	if value != "Sealed" {
		t.Errorf("value = %q, want Sealed", value)
	}
}

func TestWriteSamples(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	if _, err := db.UpsertLeaves(ctx, []backend.Leaf{seriesLeaf("s1")}); err != nil {
		t.Fatalf("UpsertLeaves() failed: %v", err)
	}

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []backend.Sample{
		{Key: t1, Value: 1.5},
		{Key: t1.Add(time.Minute), Value: nil},
		{Key: t1.Add(2 * time.Minute), Value: 3.0},
	}
	if err := db.WriteSamples(ctx, "s1", samples); err != nil {
		t.Fatalf("WriteSamples() failed: %v", err)
	}

	// Overwrite the first sample
	if err := db.WriteSamples(ctx, "s1", []backend.Sample{{Key: t1, Value: 9.0}}); err != nil {
		t.Fatalf("WriteSamples() overwrite failed: %v", err)
	}

	got, err := db.Samples("s1")
	if err != nil {
		t.Fatalf("Samples() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(got))
	}
	if got[0].Value != 9.0 {
		t.Errorf("first value = %v, want 9", got[0].Value)
	}
	if got[1].Value != nil {
		t.Errorf("second value = %v, want nil", got[1].Value)
	}
	if !got[2].Key.Equal(t1.Add(2 * time.Minute)) {
		t.Errorf("third key = %v", got[2].Key)
	}
}

func TestWriteSamples_UnknownLeaf(t *testing.T) {
	db := testDB(t, 0)

	err := db.WriteSamples(context.Background(), "missing", []backend.Sample{{Key: time.Now(), Value: 1.0}})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("WriteSamples() error = %v, want ErrNotFound", err)
	}
}

func TestWriteIntervals(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	leaf := backend.Leaf{
		DataID:          "c1",
		Kind:            backend.KindCondition,
		Name:            "Batch",
		Path:            "Root/Batch",
		MaximumDuration: 24 * time.Hour,
	}
	if _, err := db.UpsertLeaves(ctx, []backend.Leaf{leaf}); err != nil {
		t.Fatalf("UpsertLeaves() failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	intervals := []backend.Interval{
		{Start: start, End: start.Add(time.Hour), Properties: map[string]string{"Operator": "kim"}},
	}
	if err := db.WriteIntervals(ctx, "c1", intervals); err != nil {
		t.Fatalf("WriteIntervals() failed: %v", err)
	}

	// A series write against a condition is rejected
	if err := db.WriteSamples(ctx, "c1", []backend.Sample{{Key: start, Value: 1.0}}); err == nil {
		t.Error("WriteSamples() on a condition succeeded, want error")
	}

	got, err := db.Intervals("c1")
	if err != nil {
		t.Fatalf("Intervals() failed: %v", err)
	}
	if len(got) != 1 || got[0].Properties["Operator"] != "kim" {
		t.Errorf("intervals = %+v", got)
	}

	stored, err := db.Leaf("c1")
	if err != nil {
		t.Fatalf("Leaf() failed: %v", err)
	}
	if stored.MaximumDuration != 24*time.Hour {
		t.Errorf("MaximumDuration = %v, want 24h", stored.MaximumDuration)
	}
}

// TestResolveLeaf tests that a stored leaf resolves to its own DataID and an
// unknown one reports ErrNotFound.
func TestResolveLeaf(t *testing.T) {
	db := testDB(t, 0)
	ctx := context.Background()

	if _, err := db.UpsertLeaves(ctx, []backend.Leaf{seriesLeaf("leaf-1")}); err != nil {
		t.Fatalf("UpsertLeaves() failed: %v", err)
	}

	ref, err := db.ResolveLeaf(ctx, "leaf-1")
	if err != nil {
		t.Fatalf("ResolveLeaf() failed: %v", err)
	}
	if ref.DataID != "leaf-1" || ref.ID != "leaf-1" {
		t.Errorf("ResolveLeaf() = %+v, want leaf-1/leaf-1", ref)
	}

	if _, err := db.ResolveLeaf(ctx, "missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("ResolveLeaf(missing) error = %v, want ErrNotFound", err)
	}
}
