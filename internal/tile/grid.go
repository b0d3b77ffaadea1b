package tile

import (
	"fmt"
)

// Entity is one image of the embeddings collection, reduced to the fields
// the builder needs.
type Entity struct {
	Index  int64
	Path   string
	X, Y   float64
	Width  int
	Height int
}

// Bounds is the axis-aligned bounding box of the layout.
type Bounds struct {
	MinX, MaxX, MinY, MaxY float64
}

// Span returns the extent per axis. A degenerate axis reports span 1 so that
// grid arithmetic stays finite; everything then lands in column/row 0.
func (b Bounds) span() (dx, dy float64) {
	dx = b.MaxX - b.MinX
	dy = b.MaxY - b.MinY
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	return dx, dy
}

// boundsOf computes the bounding box over all entities.
func boundsOf(entities []*Entity) Bounds {
	b := Bounds{
		MinX: entities[0].X, MaxX: entities[0].X,
		MinY: entities[0].Y, MaxY: entities[0].Y,
	}
	for _, e := range entities[1:] {
		if e.X < b.MinX {
			b.MinX = e.X
		}
		if e.X > b.MaxX {
			b.MaxX = e.X
		}
		if e.Y < b.MinY {
			b.MinY = e.Y
		}
		if e.Y > b.MaxY {
			b.MaxY = e.Y
		}
	}
	return b
}

// maxDepth bounds the depth search. 2^24 tiles per side is far beyond any
// corpus this system targets; hitting it means the data has more duplicate
// coordinates than MaxPerTile allows.
const maxDepth = 24

// Grid is the uniform partition of the layout at the maximum zoom level.
// Every entity belongs to exactly one leaf cell; a tile at a coarser level
// covers a square block of leaf cells.
type Grid struct {
	Depth  int
	Bounds Bounds
	cells  map[[2]int][]*Entity
}

// BuildGrid finds the smallest depth Z at which no leaf tile holds more than
// maxPerTile entities, then materializes that leaf grid.
func BuildGrid(entities []*Entity, maxPerTile int) (*Grid, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("no entities to tile")
	}
	if maxPerTile <= 0 {
		return nil, fmt.Errorf("maxPerTile must be positive, got %d", maxPerTile)
	}
	bounds := boundsOf(entities)

	for depth := 0; depth <= maxDepth; depth++ {
		cells := make(map[[2]int][]*Entity)
		fits := true
		for _, e := range entities {
			cx, cy := cellAt(bounds, depth, e.X, e.Y)
			cell := append(cells[[2]int{cx, cy}], e)
			cells[[2]int{cx, cy}] = cell
			if len(cell) > maxPerTile {
				fits = false
				break
			}
		}
		if fits {
			return &Grid{Depth: depth, Bounds: bounds, cells: cells}, nil
		}
	}
	return nil, fmt.Errorf("no depth <= %d satisfies %d entities per tile; duplicate coordinates?", maxDepth, maxPerTile)
}

// cellAt maps a coordinate to its leaf cell at the given depth. Points on
// the max edge clamp into the last cell.
func cellAt(b Bounds, depth int, x, y float64) (cx, cy int) {
	side := 1 << depth
	dx, dy := b.span()
	cx = int((x - b.MinX) / dx * float64(side))
	cy = int((y - b.MinY) / dy * float64(side))
	if cx >= side {
		cx = side - 1
	}
	if cy >= side {
		cy = side - 1
	}
	if cx < 0 {
		cx = 0
	}
	if cy < 0 {
		cy = 0
	}
	return cx, cy
}

// KeyOf returns the tile at level z containing the entity. Levels deeper
// than the grid's depth do not exist; z must be in [0, Depth].
func (g *Grid) KeyOf(e *Entity, z int) Key {
	cx, cy := cellAt(g.Bounds, g.Depth, e.X, e.Y)
	shift := g.Depth - z
	return Key{Z: z, X: cx >> shift, Y: cy >> shift}
}

// TileEntities returns all entities inside the tile, gathered from its
// square block of leaf cells.
func (g *Grid) TileEntities(k Key) []*Entity {
	block := 1 << (g.Depth - k.Z)
	var out []*Entity
	for x := k.X * block; x < (k.X+1)*block; x++ {
		for y := k.Y * block; y < (k.Y+1)*block; y++ {
			out = append(out, g.cells[[2]int{x, y}]...)
		}
	}
	return out
}

// TileRange returns the coordinate box a tile covers, derived from the same
// uniform division of the bounding box used to assign entities.
func (g *Grid) TileRange(k Key) Range {
	side := float64(int(1) << k.Z)
	dx, dy := g.Bounds.span()
	return Range{
		XMin: g.Bounds.MinX + float64(k.X)/side*dx,
		XMax: g.Bounds.MinX + float64(k.X+1)/side*dx,
		YMin: g.Bounds.MinY + float64(k.Y)/side*dy,
		YMax: g.Bounds.MinY + float64(k.Y+1)/side*dy,
	}
}
