// Package lifecycle bounds the number of loaded remote collections. Loading
// a collection makes it servable but pins its index in the vector store's
// memory, so the registry keeps a decay counter per collection: every access
// refreshes the target's counter and ages all others, and a collection whose
// counter hits zero is released. Frequently queried collections stay
// resident; idle ones are released after CounterMax unrelated accesses
// without a separate reaper.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// DefaultCounterMax is how many unrelated accesses an idle collection
// survives before release.
const DefaultCounterMax = 10

type entry struct {
	mu      sync.Mutex
	name    string
	handle  vectordb.Collection
	counter int
}

// Registry is the process-wide collection registry. The registry lock is
// always taken before entry locks, and no two entry locks are ever held at
// once.
type Registry struct {
	store      vectordb.Store
	counterMax int

	mu      sync.Mutex
	entries map[string]*entry

	// refreshMu serializes Updater runs against each other, independent of
	// the access path.
	refreshMu sync.Mutex

	// stale is set when an access misses, so the next Updater tick
	// re-enumerates the store.
	stale atomic.Bool
}

// NewRegistry creates an empty registry; call Refresh to populate it.
// counterMax <= 0 selects DefaultCounterMax.
func NewRegistry(store vectordb.Store, counterMax int) *Registry {
	if counterMax <= 0 {
		counterMax = DefaultCounterMax
	}
	return &Registry{
		store:      store,
		counterMax: counterMax,
		entries:    make(map[string]*entry),
	}
}

// Refresh enumerates the store and registers collections not yet known. It
// returns the sorted dataset names, i.e. the embeddings collections.
func (r *Registry) Refresh(ctx context.Context) ([]string, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	names, err := r.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	var datasets []string
	r.mu.Lock()
	for _, name := range names {
		if _, ok := r.entries[name]; !ok {
			r.entries[name] = &entry{name: name, handle: r.store.Collection(name)}
			log.Debugf("registry: added collection %s", name)
		}
		if ds, family := dataset.Base(name); family == "" {
			datasets = append(datasets, ds)
		}
	}
	r.mu.Unlock()

	r.stale.Store(false)
	sort.Strings(datasets)
	return datasets, nil
}

// Acquire hands out a borrowed handle to the named collection, loading it if
// idle. Every call ages all other registered collections by one; any counter
// reaching zero triggers a release. An unknown name fails with ErrNotFound
// and marks the registry stale.
func (r *Registry) Acquire(ctx context.Context, name string) (vectordb.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.entries[name]
	if !ok {
		r.stale.Store(true)
		return nil, vectordb.NotFoundf("collection %q", name)
	}

	for _, e := range r.entries {
		e.mu.Lock()
		switch {
		case e == target:
			if e.counter == 0 {
				if err := e.handle.Load(ctx); err != nil {
					e.mu.Unlock()
					return nil, err
				}
			}
			e.counter = r.counterMax
		case e.counter > 0:
			e.counter--
			if e.counter == 0 {
				if err := e.handle.Release(ctx); err != nil {
					log.Warnf("registry: release %s: %v", e.name, err)
				}
			}
		}
		e.mu.Unlock()
	}
	return target.handle, nil
}

// Counter returns the current decay counter of a collection; -1 if unknown.
func (r *Registry) Counter(name string) int {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// Run is the Updater loop: it refreshes the registry on an interval, and
// immediately after an access has missed. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := r.Refresh(ctx); err != nil {
				log.Warnf("registry refresh: %v", err)
			}
		}
	}
}

// Stale reports whether an access missed since the last refresh.
func (r *Registry) Stale() bool { return r.stale.Load() }

// Close releases every loaded collection.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if e.counter > 0 {
			if err := e.handle.Release(ctx); err != nil {
				log.Warnf("registry: release %s: %v", e.name, err)
			}
			e.counter = 0
		}
		e.mu.Unlock()
	}
}
