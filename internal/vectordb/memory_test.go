package vectordb

import (
	"context"
	"errors"
	"testing"
)

func testSchema(name string) Schema {
	return Schema{
		Name: name,
		Fields: []Field{
			{Name: "index", Type: FieldInt64, PrimaryKey: true},
			{Name: "vec", Type: FieldFloatVector, Dim: 2, Metric: MetricL2},
			{Name: "label", Type: FieldVarChar},
		},
	}
}

func seedRows(t *testing.T, coll Collection, n int) {
	t.Helper()
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			"index": int64(i),
			"vec":   []float32{float32(i), 0},
			"label": "row",
		}
	}
	if err := coll.Insert(context.Background(), rows); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.HasCollection(ctx, "a")
	if err != nil || ok {
		t.Fatalf("HasCollection on empty store = %v, %v", ok, err)
	}

	if _, err := s.CreateCollection(ctx, testSchema("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateCollection(ctx, testSchema("a")); err == nil {
		t.Fatal("duplicate create accepted")
	}
	if _, err := s.CreateCollection(ctx, testSchema("b")); err != nil {
		t.Fatal(err)
	}

	names, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("ListCollections = %v", names)
	}

	if err := s.DropCollection(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	// Dropping an absent collection is not an error.
	if err := s.DropCollection(ctx, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryCollectionMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := s.Collection("ghost")

	if _, err := c.NumEntities(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("NumEntities error = %v, want ErrNotFound", err)
	}
	if err := c.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
	if _, err := c.QueryRange(ctx, 0, 10, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueryRange error = %v, want ErrNotFound", err)
	}
}

func TestMemoryQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll, err := s.CreateCollection(ctx, testSchema("q"))
	if err != nil {
		t.Fatal(err)
	}
	seedRows(t, coll, 10)

	n, err := coll.NumEntities(ctx)
	if err != nil || n != 10 {
		t.Fatalf("NumEntities = %d, %v", n, err)
	}

	rows, err := coll.QueryRange(ctx, 3, 7, []string{"label"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("QueryRange returned %d rows", len(rows))
	}
	// Projection always carries the primary key.
	if _, ok := rows[0]["index"].(int64); !ok {
		t.Error("projected row lost its primary key")
	}
	if _, ok := rows[0]["vec"]; ok {
		t.Error("projection leaked an unrequested field")
	}

	byID, err := coll.QueryByIDs(ctx, []int64{2, 99, 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(byID) != 2 {
		t.Fatalf("QueryByIDs returned %d rows, want the 2 present", len(byID))
	}
}

func TestMemorySearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll, err := s.CreateCollection(ctx, testSchema("s"))
	if err != nil {
		t.Fatal(err)
	}
	seedRows(t, coll, 5)

	hits, err := coll.Search(ctx, "vec", []float32{2.2, 0}, MetricL2, 3, []string{"label"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits", len(hits))
	}
	if hits[0].ID != 2 {
		t.Errorf("nearest = %d, want 2", hits[0].ID)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Error("hits not ordered best-first")
	}

	// Exact match has distance zero.
	hits, err = coll.Search(ctx, "vec", []float32{4, 0}, MetricL2, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].ID != 4 || hits[0].Distance != 0 {
		t.Errorf("exact match hit = %+v", hits[0])
	}
}

func TestMemorySearchCosine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll, err := s.CreateCollection(ctx, testSchema("c"))
	if err != nil {
		t.Fatal(err)
	}
	rows := []Row{
		{"index": int64(0), "vec": []float32{1, 0}, "label": "x"},
		{"index": int64(1), "vec": []float32{0, 1}, "label": "y"},
		{"index": int64(2), "vec": []float32{-1, 0}, "label": "negx"},
	}
	if err := coll.Insert(ctx, rows); err != nil {
		t.Fatal(err)
	}

	hits, err := coll.Search(ctx, "vec", []float32{2, 0}, MetricCosine, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Cosine similarity is scale-invariant; distance is 1 - similarity.
	if hits[0].ID != 0 || hits[0].Distance != 0 {
		t.Errorf("best hit = %+v", hits[0])
	}
	if hits[2].ID != 2 || hits[2].Distance != 2 {
		t.Errorf("opposite vector hit = %+v", hits[2])
	}
}

func TestMemoryLoadRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.CreateCollection(ctx, testSchema("l")); err != nil {
		t.Fatal(err)
	}
	c := s.Collection("l").(*MemoryCollection)

	if c.Loaded() {
		t.Fatal("collection loaded before Load")
	}
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Loaded() || c.LoadCount() != 2 {
		t.Errorf("loaded=%v loads=%d", c.Loaded(), c.LoadCount())
	}
	if err := c.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Loaded() || c.ReleaseCount() != 1 {
		t.Errorf("loaded=%v releases=%d", c.Loaded(), c.ReleaseCount())
	}
}

func TestMemoryFailInsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll, err := s.CreateCollection(ctx, testSchema("f"))
	if err != nil {
		t.Fatal(err)
	}
	s.FailInsert("f", 2)

	row := []Row{{"index": int64(0), "vec": []float32{0, 0}, "label": "a"}}
	if err := coll.Insert(ctx, row); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := coll.Insert(ctx, row); !errors.Is(err, ErrStore) {
		t.Fatalf("second insert error = %v, want ErrStore", err)
	}
	if err := coll.Insert(ctx, row); err != nil {
		t.Fatalf("third insert failed: %v", err)
	}

	s.FailInsert("f", 0)
	if err := coll.Insert(ctx, row); err != nil {
		t.Fatal(err)
	}
}
