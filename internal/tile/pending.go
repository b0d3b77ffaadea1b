package tile

import (
	"sort"
	"sync"
)

// pendingTiles holds finalized tiles that have not yet been written to the
// clusters collection. The full pyramid of a large corpus does not fit in
// memory, so the builder flushes eligible levels once the pending count
// crosses a soft limit. The most recently completed level is never eligible:
// the next level needs it for parent lookups, and keeping it resident makes
// those lookups memory reads instead of store searches.
type pendingTiles struct {
	mu     sync.Mutex
	levels map[int]map[Key]*Tile
	count  int
	limit  int
}

func newPendingTiles(limit int) *pendingTiles {
	return &pendingTiles{
		levels: make(map[int]map[Key]*Tile),
		limit:  limit,
	}
}

// AddLevel records a completed level.
func (p *pendingTiles) AddLevel(z int, tiles map[Key]*Tile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels[z] = tiles
	p.count += len(tiles)
}

// Get returns a resident tile, or nil if the tile's level has been evicted.
func (p *pendingTiles) Get(k Key) *Tile {
	p.mu.Lock()
	defer p.mu.Unlock()
	level, ok := p.levels[k.Z]
	if !ok {
		return nil
	}
	return level[k]
}

// Count returns the number of resident tiles.
func (p *pendingTiles) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// OverLimit reports whether the pending count exceeds the soft limit.
func (p *pendingTiles) OverLimit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit > 0 && p.count > p.limit
}

// EvictBelow removes and returns all tiles of levels strictly coarser than
// keep, ordered by linear index. The caller writes them out; the lock is not
// held across that store call.
func (p *pendingTiles) EvictBelow(keep int) []*Tile {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Tile
	for z, level := range p.levels {
		if z >= keep {
			continue
		}
		for _, t := range level {
			out = append(out, t)
		}
		p.count -= len(level)
		delete(p.levels, z)
	}
	sortTiles(out)
	return out
}

// EvictAll removes and returns every resident tile, ordered by linear index.
func (p *pendingTiles) EvictAll() []*Tile {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Tile
	for z, level := range p.levels {
		for _, t := range level {
			out = append(out, t)
		}
		p.count -= len(level)
		delete(p.levels, z)
	}
	sortTiles(out)
	return out
}

func sortTiles(tiles []*Tile) {
	// Insertion order into the collection is not semantically meaningful,
	// but deterministic output keeps runs comparable.
	sort.Slice(tiles, func(i, j int) bool {
		return LinearIndex(tiles[i].Key) < LinearIndex(tiles[j].Key)
	})
}
