// Package tile builds and models the zoom pyramid of a semantic map: a
// complete 2^z x 2^z grid of tiles per zoom level, each tile holding a small
// set of representative images sampled from the images that fall inside it.
// Representatives are continuous across levels: every representative of a
// tile reappears in exactly one of its four children, flagged in_previous.
package tile

import (
	"encoding/json"
	"fmt"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// Key identifies a tile by zoom level and grid position. Valid positions are
// 0 <= X,Y < 2^Z.
type Key struct {
	Z, X, Y int
}

func (k Key) String() string {
	return fmt.Sprintf("z%d/%d/%d", k.Z, k.X, k.Y)
}

// Parent returns the key of the enclosing tile one level up. The root is its
// own parent.
func (k Key) Parent() Key {
	if k.Z == 0 {
		return k
	}
	return Key{Z: k.Z - 1, X: k.X / 2, Y: k.Y / 2}
}

// Children returns the four keys covering k at the next level.
func (k Key) Children() [4]Key {
	z := k.Z + 1
	return [4]Key{
		{z, 2 * k.X, 2 * k.Y},
		{z, 2 * k.X, 2*k.Y + 1},
		{z, 2*k.X + 1, 2 * k.Y},
		{z, 2*k.X + 1, 2*k.Y + 1},
	}
}

// Vector returns the [zoom, tx, ty] form stored in the zoom_plus_tile field.
func (k Key) Vector() []float32 {
	return []float32{float32(k.Z), float32(k.X), float32(k.Y)}
}

// LevelOffset returns the number of tiles in all levels coarser than z,
// i.e. sum of 4^i for i < z = (4^z - 1) / 3.
func LevelOffset(z int) int64 {
	return ((int64(1) << (2 * z)) - 1) / 3
}

// PyramidSize returns the total number of tiles in a pyramid of maximum
// zoom z (levels 0..z inclusive).
func PyramidSize(z int) int64 {
	return LevelOffset(z + 1)
}

// LinearIndex maps a key to its dense primary key in the clusters
// collection: levels are laid out coarse to fine, row-major within a level.
// The layout makes both single levels and "the first n levels" contiguous
// primary-key ranges.
func LinearIndex(k Key) int64 {
	return LevelOffset(k.Z) + int64(k.X)<<k.Z + int64(k.Y)
}

// KeyFromLinearIndex inverts LinearIndex.
func KeyFromLinearIndex(idx int64) (Key, error) {
	if idx < 0 {
		return Key{}, fmt.Errorf("negative tile index %d", idx)
	}
	z := 0
	for LevelOffset(z+1) <= idx {
		z++
	}
	within := idx - LevelOffset(z)
	side := int64(1) << z
	return Key{Z: z, X: int(within / side), Y: int(within % side)}, nil
}

// MaxZoomFromSize recovers the maximum zoom level of a pyramid from its tile
// count, or an error if n is not a complete pyramid size.
func MaxZoomFromSize(n int64) (int, error) {
	for z := 0; z < 32; z++ {
		if PyramidSize(z) == n {
			return z, nil
		}
		if PyramidSize(z) > n {
			break
		}
	}
	return 0, fmt.Errorf("%d tiles is not a complete pyramid", n)
}

// Representative is one image chosen to stand for a cluster of images inside
// a tile. Zoom is the coarsest level at which the image is a representative;
// InPrevious is set when that level is coarser than the containing tile's.
type Representative struct {
	Index      int64   `json:"index"`
	Path       string  `json:"path"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Zoom       int     `json:"zoom"`
	InPrevious bool    `json:"in_previous"`
}

// Range is the coordinate bounding box recorded on the root tile.
type Range struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Tile is one entity of the clusters collection.
type Tile struct {
	Key   Key
	Data  []Representative
	Range *Range // non-nil only on the root tile
}

// Row converts the tile to its stored form.
func (t *Tile) Row() (vectordb.Row, error) {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal representatives of %s: %w", t.Key, err)
	}
	rng := json.RawMessage("null")
	if t.Range != nil {
		rng, err = json.Marshal(t.Range)
		if err != nil {
			return nil, fmt.Errorf("marshal range of %s: %w", t.Key, err)
		}
	}
	return vectordb.Row{
		dataset.FieldIndex:        LinearIndex(t.Key),
		dataset.FieldZoomPlusTile: t.Key.Vector(),
		dataset.FieldData:         json.RawMessage(data),
		dataset.FieldRange:        rng,
	}, nil
}

// FromRow reconstructs a tile from its stored form.
func FromRow(row vectordb.Row) (*Tile, error) {
	idx, ok := row[dataset.FieldIndex].(int64)
	if !ok {
		return nil, fmt.Errorf("tile row missing index")
	}
	key, err := KeyFromLinearIndex(idx)
	if err != nil {
		return nil, err
	}
	t := &Tile{Key: key}

	raw, ok := row[dataset.FieldData].(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("tile %s: missing data field", key)
	}
	if err := json.Unmarshal(raw, &t.Data); err != nil {
		return nil, fmt.Errorf("tile %s: decode representatives: %w", key, err)
	}

	if raw, ok := row[dataset.FieldRange].(json.RawMessage); ok && len(raw) > 0 && string(raw) != "null" {
		var rng Range
		if err := json.Unmarshal(raw, &rng); err != nil {
			return nil, fmt.Errorf("tile %s: decode range: %w", key, err)
		}
		t.Range = &rng
	}
	return t, nil
}
