package tile

import "testing"

func levelOfTiles(z int) map[Key]*Tile {
	side := 1 << z
	out := make(map[Key]*Tile, side*side)
	for x := 0; x < side; x++ {
		for y := 0; y < side; y++ {
			k := Key{Z: z, X: x, Y: y}
			out[k] = &Tile{Key: k}
		}
	}
	return out
}

func TestPendingEvictBelowKeepsCurrentLevel(t *testing.T) {
	p := newPendingTiles(3)
	p.AddLevel(0, levelOfTiles(0))
	p.AddLevel(1, levelOfTiles(1))
	if !p.OverLimit() {
		t.Fatalf("count %d should exceed limit 3", p.Count())
	}

	evicted := p.EvictBelow(1)
	if len(evicted) != 1 || evicted[0].Key != (Key{}) {
		t.Fatalf("evicted %d tiles, want just the root", len(evicted))
	}
	if p.Get(Key{}) != nil {
		t.Error("root still resident after eviction")
	}
	if p.Get(Key{Z: 1, X: 1, Y: 0}) == nil {
		t.Error("current level evicted")
	}
	if p.Count() != 4 {
		t.Errorf("count = %d, want 4", p.Count())
	}
}

func TestPendingEvictAllOrdered(t *testing.T) {
	p := newPendingTiles(0)
	p.AddLevel(1, levelOfTiles(1))
	p.AddLevel(0, levelOfTiles(0))
	p.AddLevel(2, levelOfTiles(2))

	out := p.EvictAll()
	if len(out) != 21 {
		t.Fatalf("evicted %d tiles, want 21", len(out))
	}
	for i, tl := range out {
		if LinearIndex(tl.Key) != int64(i) {
			t.Fatalf("tile %d has linear index %d", i, LinearIndex(tl.Key))
		}
	}
	if p.Count() != 0 {
		t.Errorf("count = %d after EvictAll", p.Count())
	}
}

func TestPendingOverLimitDisabled(t *testing.T) {
	p := newPendingTiles(0)
	p.AddLevel(3, levelOfTiles(3))
	if p.OverLimit() {
		t.Error("limit 0 must disable spilling")
	}
}
