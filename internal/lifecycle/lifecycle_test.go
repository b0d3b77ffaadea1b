package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fmoretti/semamap/internal/vectordb"
)

func newStoreWith(t *testing.T, names ...string) *vectordb.MemoryStore {
	t.Helper()
	s := vectordb.NewMemoryStore()
	for _, name := range names {
		schema := vectordb.Schema{
			Name: name,
			Fields: []vectordb.Field{
				{Name: "index", Type: vectordb.FieldInt64, PrimaryKey: true},
			},
		}
		if _, err := s.CreateCollection(context.Background(), schema); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func mem(s *vectordb.MemoryStore, name string) *vectordb.MemoryCollection {
	return s.Collection(name).(*vectordb.MemoryCollection)
}

func TestCounterDecay(t *testing.T) {
	ctx := context.Background()
	s := newStoreWith(t, "A", "B")
	r := NewRegistry(s, 3)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"A", "A", "B", "B", "B", "B"} {
		if _, err := r.Acquire(ctx, name); err != nil {
			t.Fatalf("Acquire(%s): %v", name, err)
		}
	}

	if got := r.Counter("A"); got != 0 {
		t.Errorf("counter A = %d, want 0", got)
	}
	if got := r.Counter("B"); got != 3 {
		t.Errorf("counter B = %d, want 3", got)
	}
	a, b := mem(s, "A"), mem(s, "B")
	if a.Loaded() {
		t.Error("A still loaded")
	}
	if a.LoadCount() != 1 || a.ReleaseCount() != 1 {
		t.Errorf("A loads=%d releases=%d, want 1/1", a.LoadCount(), a.ReleaseCount())
	}
	if !b.Loaded() || b.LoadCount() != 1 {
		t.Errorf("B loaded=%v loads=%d", b.Loaded(), b.LoadCount())
	}
}

func TestReleasedExactlyOnceAfterDecay(t *testing.T) {
	ctx := context.Background()
	const counterMax = 8
	s := newStoreWith(t, "C", "other")
	r := NewRegistry(s, counterMax)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := r.Acquire(ctx, "C"); err != nil {
			t.Fatal(err)
		}
	}
	c := mem(s, "C")
	for i := 0; i < counterMax; i++ {
		if c.ReleaseCount() != 0 {
			t.Fatalf("C released after only %d unrelated accesses", i)
		}
		if _, err := r.Acquire(ctx, "other"); err != nil {
			t.Fatal(err)
		}
	}
	if c.ReleaseCount() != 1 || c.Loaded() {
		t.Fatalf("C releases=%d loaded=%v, want exactly one release", c.ReleaseCount(), c.Loaded())
	}

	// Further unrelated accesses must not release again.
	for i := 0; i < 3; i++ {
		if _, err := r.Acquire(ctx, "other"); err != nil {
			t.Fatal(err)
		}
	}
	if c.ReleaseCount() != 1 {
		t.Errorf("C releases=%d after extra accesses", c.ReleaseCount())
	}
}

func TestRepeatAccessLoadsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStoreWith(t, "A")
	r := NewRegistry(s, 5)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := r.Acquire(ctx, "A"); err != nil {
			t.Fatal(err)
		}
	}
	if got := mem(s, "A").LoadCount(); got != 1 {
		t.Errorf("A loaded %d times, want 1", got)
	}
}

func TestUnknownCollectionMarksStale(t *testing.T) {
	ctx := context.Background()
	s := newStoreWith(t, "A")
	r := NewRegistry(s, 3)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := r.Acquire(ctx, "B")
	if !errors.Is(err, vectordb.ErrNotFound) {
		t.Fatalf("Acquire unknown = %v, want ErrNotFound", err)
	}
	if !r.Stale() {
		t.Error("miss did not mark the registry stale")
	}

	// After the collection appears and a refresh runs, the access succeeds.
	newStoreWithExtra(t, s, "B")
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Stale() {
		t.Error("registry still stale after refresh")
	}
	if _, err := r.Acquire(ctx, "B"); err != nil {
		t.Fatalf("Acquire after refresh: %v", err)
	}
}

func newStoreWithExtra(t *testing.T, s *vectordb.MemoryStore, name string) {
	t.Helper()
	schema := vectordb.Schema{
		Name: name,
		Fields: []vectordb.Field{
			{Name: "index", Type: vectordb.FieldInt64, PrimaryKey: true},
		},
	}
	if _, err := s.CreateCollection(context.Background(), schema); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshReturnsDatasets(t *testing.T) {
	ctx := context.Background()
	s := newStoreWith(t, "birds", "birds_zoom_levels_clusters", "birds_image_to_tile", "cars")
	r := NewRegistry(s, 3)
	datasets, err := r.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(datasets) != 2 || datasets[0] != "birds" || datasets[1] != "cars" {
		t.Fatalf("datasets = %v", datasets)
	}
}

func TestCloseReleasesLoaded(t *testing.T) {
	ctx := context.Background()
	s := newStoreWith(t, "A", "B")
	r := NewRegistry(s, 3)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	r.Close(ctx)
	if mem(s, "A").Loaded() || mem(s, "B").Loaded() {
		t.Error("collections still loaded after Close")
	}
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("c%d", i)
	}
	s := newStoreWith(t, names...)
	r := NewRegistry(s, 4)
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := r.Acquire(ctx, names[(w+i)%len(names)]); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, name := range names {
		if got := r.Counter(name); got < 0 || got > 4 {
			t.Errorf("counter %s = %d out of range", name, got)
		}
	}
}
