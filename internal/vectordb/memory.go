package vectordb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It backs the test suite and local
// experiments where a remote Milvus is not available. Semantics mirror the
// remote store closely enough for the builder and facade to run unchanged:
// primary-key queries, range queries, flat vector search with COSINE and L2
// metrics, and load/release bookkeeping.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*MemoryCollection

	// faults maps collection name to the 1-based Insert call number that
	// should fail. Used to exercise the rollback path.
	faults map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*MemoryCollection),
		faults:      make(map[string]int),
	}
}

// FailInsert arranges for the n-th Insert call on the named collection to
// return an error. n is 1-based; 0 clears the fault.
func (s *MemoryStore) FailInsert(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		delete(s.faults, name)
		return
	}
	s.faults[name] = n
}

func (s *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) HasCollection(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *MemoryStore) CreateCollection(ctx context.Context, schema Schema) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[schema.Name]; ok {
		return nil, StoreError("create collection", fmt.Errorf("collection %q already exists", schema.Name))
	}
	c := &MemoryCollection{
		store:  s,
		name:   schema.Name,
		schema: schema,
		rows:   make(map[int64]Row),
	}
	s.collections[schema.Name] = c
	return c, nil
}

func (s *MemoryStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	delete(s.faults, name)
	return nil
}

func (s *MemoryStore) Collection(name string) Collection {
	return &MemoryCollection{store: s, name: name}
}

// lookup returns the backing collection state, or nil if absent.
func (s *MemoryStore) lookup(name string) *MemoryCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[name]
}

// MemoryCollection is a Collection over in-process state. A handle obtained
// via Store.Collection resolves its backing state on every call, so handles
// stay valid across create/drop cycles.
type MemoryCollection struct {
	store  *MemoryStore
	name   string
	schema Schema

	mu         sync.RWMutex
	rows       map[int64]Row
	inserts    int // total Insert calls, for fault injection
	loaded     bool
	loadCount  int
	relCount   int
	flushCount int
}

func (c *MemoryCollection) Name() string { return c.name }

func (c *MemoryCollection) backing() (*MemoryCollection, error) {
	b := c.store.lookup(c.name)
	if b == nil {
		return nil, NotFoundf("collection %q", c.name)
	}
	return b, nil
}

func (c *MemoryCollection) NumEntities(ctx context.Context) (int64, error) {
	b, err := c.backing()
	if err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.rows)), nil
}

func (c *MemoryCollection) Load(ctx context.Context) error {
	b, err := c.backing()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = true
	b.loadCount++
	return nil
}

func (c *MemoryCollection) Release(ctx context.Context) error {
	b, err := c.backing()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	b.relCount++
	return nil
}

// Loaded reports whether the collection is currently loaded.
func (c *MemoryCollection) Loaded() bool {
	b, err := c.backing()
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// LoadCount returns how many times Load has been called.
func (c *MemoryCollection) LoadCount() int {
	b, err := c.backing()
	if err != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loadCount
}

// ReleaseCount returns how many times Release has been called.
func (c *MemoryCollection) ReleaseCount() int {
	b, err := c.backing()
	if err != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.relCount
}

func (c *MemoryCollection) Insert(ctx context.Context, rows []Row) error {
	b, err := c.backing()
	if err != nil {
		return err
	}

	c.store.mu.RLock()
	failOn := c.store.faults[c.name]
	c.store.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inserts++
	if failOn > 0 && b.inserts == failOn {
		return StoreError("insert", fmt.Errorf("injected failure on insert call %d", failOn))
	}
	for _, row := range rows {
		id, ok := primaryKey(b.schema, row)
		if !ok {
			return StoreError("insert", fmt.Errorf("row missing primary key"))
		}
		copied := make(Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		b.rows[id] = copied
	}
	return nil
}

func (c *MemoryCollection) Flush(ctx context.Context) error {
	b, err := c.backing()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushCount++
	return nil
}

func (c *MemoryCollection) QueryByIDs(ctx context.Context, ids []int64, fields []string) ([]Row, error) {
	b, err := c.backing()
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		row, ok := b.rows[id]
		if !ok {
			continue
		}
		out = append(out, project(row, fields, b.schema, id))
	}
	return out, nil
}

func (c *MemoryCollection) QueryRange(ctx context.Context, from, to int64, fields []string) ([]Row, error) {
	b, err := c.backing()
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Row
	for id := from; id < to; id++ {
		row, ok := b.rows[id]
		if !ok {
			continue
		}
		out = append(out, project(row, fields, b.schema, id))
	}
	return out, nil
}

func (c *MemoryCollection) Search(ctx context.Context, field string, vector []float32, metric Metric, limit int, fields []string) ([]SearchHit, error) {
	b, err := c.backing()
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	hits := make([]SearchHit, 0, len(b.rows))
	for id, row := range b.rows {
		stored, ok := row[field].([]float32)
		if !ok || len(stored) != len(vector) {
			continue
		}
		var d float32
		switch metric {
		case MetricL2:
			d = l2Squared(vector, stored)
		case MetricCosine:
			d = 1 - cosineSimilarity(vector, stored)
		default:
			return nil, StoreError("search", fmt.Errorf("unsupported metric %q", metric))
		}
		hits = append(hits, SearchHit{ID: id, Distance: d, Fields: project(row, fields, b.schema, id)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// project copies the requested fields of a row; an empty field list means all
// fields. The primary key is always included.
func project(row Row, fields []string, schema Schema, id int64) Row {
	out := make(Row, len(fields)+1)
	if len(fields) == 0 {
		for k, v := range row {
			out[k] = v
		}
	} else {
		for _, f := range fields {
			if v, ok := row[f]; ok {
				out[f] = v
			}
		}
	}
	for _, f := range schema.Fields {
		if f.PrimaryKey {
			out[f.Name] = id
			break
		}
	}
	return out
}

func primaryKey(schema Schema, row Row) (int64, bool) {
	for _, f := range schema.Fields {
		if f.PrimaryKey {
			v, ok := row[f.Name]
			if !ok {
				return 0, false
			}
			id, ok := v.(int64)
			return id, ok
		}
	}
	return 0, false
}

func l2Squared(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
