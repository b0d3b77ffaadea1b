// Package server exposes the read-only query surface over a built semantic
// map: tile fetches, image lookups, text search and nearest-neighbor
// queries. Collection handles are borrowed from the lifecycle registry so
// that hot datasets stay loaded and idle ones get released.
package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/embed"
	"github.com/fmoretti/semamap/internal/lifecycle"
	"github.com/fmoretti/semamap/internal/tile"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// FirstTilesCount is how many tiles the first-tiles bootstrap query returns
// at most: the first seven pyramid levels.
var FirstTilesCount = tile.LevelOffset(7)

// Facade dispatches client requests onto the right collection family of a
// dataset.
type Facade struct {
	registry *lifecycle.Registry
	encoder  embed.TextEncoder

	// infoGroup collapses concurrent collection-info lookups for the same
	// dataset into one pass over the store.
	infoGroup singleflight.Group
}

// NewFacade creates a facade over the registry. encoder may be nil when no
// text-search backend is configured; SearchByText then fails cleanly.
func NewFacade(registry *lifecycle.Registry, encoder embed.TextEncoder) *Facade {
	return &Facade{registry: registry, encoder: encoder}
}

// CollectionInfo is the metadata the map client initializes from.
type CollectionInfo struct {
	NumberOfEntities int64 `json:"number_of_entities"`
	ZoomLevels       int   `json:"zoom_levels"`
}

// TileRecord is a tile as served to the client.
type TileRecord struct {
	Index        int64                 `json:"index"`
	ZoomPlusTile [3]int                `json:"zoom_plus_tile"`
	Data         []tile.Representative `json:"data"`
	Range        *tile.Range           `json:"range,omitempty"`
}

// ImageRef pairs an image index with its path.
type ImageRef struct {
	Index int64  `json:"index"`
	Path  string `json:"path"`
}

// ImageTile is one row of the image-to-tile collection.
type ImageTile struct {
	Index        int64  `json:"index"`
	ZoomPlusTile [3]int `json:"zoom_plus_tile"`
}

// ListCollections refreshes the registry and returns the known dataset
// names.
func (f *Facade) ListCollections(ctx context.Context) ([]string, error) {
	names, err := f.registry.Refresh(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return names, nil
}

// CollectionInfo returns the entity count and maximum zoom level of a
// dataset.
func (f *Facade) CollectionInfo(ctx context.Context, ds string) (*CollectionInfo, error) {
	if err := dataset.ValidateName(ds); err != nil {
		return nil, badRequest(err)
	}
	v, err, _ := f.infoGroup.Do(ds, func() (any, error) {
		emb, err := f.registry.Acquire(ctx, ds)
		if err != nil {
			return nil, err
		}
		n, err := emb.NumEntities(ctx)
		if err != nil {
			return nil, err
		}
		clusters, err := f.registry.Acquire(ctx, dataset.ClustersName(ds))
		if err != nil {
			return nil, err
		}
		tiles, err := clusters.NumEntities(ctx)
		if err != nil {
			return nil, err
		}
		maxZoom, err := tile.MaxZoomFromSize(tiles)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vectordb.ErrStore, err)
		}
		return &CollectionInfo{NumberOfEntities: n, ZoomLevels: maxZoom}, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return v.(*CollectionInfo), nil
}

// SearchByText embeds the query text and returns the closest image of the
// dataset as a representative record.
func (f *Facade) SearchByText(ctx context.Context, ds, text string) (*tile.Representative, error) {
	if err := dataset.ValidateName(ds); err != nil {
		return nil, badRequest(err)
	}
	if text == "" {
		return nil, badRequest(errors.New("empty query text"))
	}
	if f.encoder == nil {
		return nil, fmt.Errorf("%w: no text encoder configured", vectordb.ErrStore)
	}
	vec, err := f.encoder.EncodeText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vectordb.ErrStore, err)
	}

	emb, err := f.registry.Acquire(ctx, ds)
	if err != nil {
		return nil, storeErr(err)
	}
	hits, err := emb.Search(ctx, dataset.FieldEmbedding, vec, vectordb.MetricCosine, 1, imageFields)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(hits) == 0 {
		return nil, vectordb.NotFoundf("no match for text query in %q", ds)
	}
	return repFromFields(hits[0].Fields), nil
}

// GetTiles fetches tiles of the clusters collection by dense index. Unknown
// indexes are simply absent from the result.
func (f *Facade) GetTiles(ctx context.Context, ds string, indexes []int64) ([]*TileRecord, error) {
	ds, err := tileDataset(ds)
	if err != nil {
		return nil, err
	}
	clusters, err := f.registry.Acquire(ctx, dataset.ClustersName(ds))
	if err != nil {
		return nil, storeErr(err)
	}
	rows, err := clusters.QueryByIDs(ctx, indexes, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	return tileRecords(rows)
}

// FirstTiles returns the complete first levels of the pyramid, up to
// FirstTilesCount tiles, as one contiguous primary-key range scan.
func (f *Facade) FirstTiles(ctx context.Context, ds string) ([]*TileRecord, error) {
	ds, err := tileDataset(ds)
	if err != nil {
		return nil, err
	}
	clusters, err := f.registry.Acquire(ctx, dataset.ClustersName(ds))
	if err != nil {
		return nil, storeErr(err)
	}
	n, err := clusters.NumEntities(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	limit := n
	if limit > FirstTilesCount {
		limit = FirstTilesCount
	}
	rows, err := clusters.QueryRange(ctx, 0, limit, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	return tileRecords(rows)
}

// ImageToTile returns the coarsest tile an image represents.
func (f *Facade) ImageToTile(ctx context.Context, ds string, index int64) (*ImageTile, error) {
	if err := dataset.ValidateName(ds); err != nil {
		return nil, badRequest(err)
	}
	coll, err := f.registry.Acquire(ctx, dataset.ImageToTileName(ds))
	if err != nil {
		return nil, storeErr(err)
	}
	rows, err := coll.QueryByIDs(ctx, []int64{index}, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(rows) == 0 {
		return nil, vectordb.NotFoundf("image %d is not a representative in %q", index, ds)
	}
	vec, ok := rows[0][dataset.FieldZoomPlusTile].([]float32)
	if !ok || len(vec) != 3 {
		return nil, fmt.Errorf("%w: image %d has malformed tile vector", vectordb.ErrStore, index)
	}
	return &ImageTile{
		Index:        index,
		ZoomPlusTile: [3]int{int(vec[0]), int(vec[1]), int(vec[2])},
	}, nil
}

// Paths resolves image indexes to their paths.
func (f *Facade) Paths(ctx context.Context, ds string, indexes []int64) ([]ImageRef, error) {
	if err := dataset.ValidateName(ds); err != nil {
		return nil, badRequest(err)
	}
	emb, err := f.registry.Acquire(ctx, ds)
	if err != nil {
		return nil, storeErr(err)
	}
	rows, err := emb.QueryByIDs(ctx, indexes, []string{dataset.FieldIndex, dataset.FieldPath})
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]ImageRef, 0, len(rows))
	for _, row := range rows {
		ref := ImageRef{}
		ref.Index, _ = row[dataset.FieldIndex].(int64)
		ref.Path, _ = row[dataset.FieldPath].(string)
		out = append(out, ref)
	}
	return out, nil
}

// Neighbors returns the k images closest to the given image in embedding
// space. The image itself is the rank-1 result.
func (f *Facade) Neighbors(ctx context.Context, ds string, index int64, k int) ([]*tile.Representative, error) {
	if err := dataset.ValidateName(ds); err != nil {
		return nil, badRequest(err)
	}
	if k <= 0 {
		return nil, badRequest(fmt.Errorf("k must be positive, got %d", k))
	}
	emb, err := f.registry.Acquire(ctx, ds)
	if err != nil {
		return nil, storeErr(err)
	}
	rows, err := emb.QueryByIDs(ctx, []int64{index}, []string{dataset.FieldIndex, dataset.FieldEmbedding})
	if err != nil {
		return nil, storeErr(err)
	}
	if len(rows) == 0 {
		return nil, vectordb.NotFoundf("image %d in %q", index, ds)
	}
	vec, ok := rows[0][dataset.FieldEmbedding].([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: image %d has no embedding", vectordb.ErrStore, index)
	}

	hits, err := emb.Search(ctx, dataset.FieldEmbedding, vec, vectordb.MetricCosine, k, imageFields)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]*tile.Representative, 0, len(hits))
	for _, h := range hits {
		out = append(out, repFromFields(h.Fields))
	}
	return out, nil
}

var imageFields = []string{
	dataset.FieldIndex, dataset.FieldPath,
	dataset.FieldX, dataset.FieldY,
	dataset.FieldWidth, dataset.FieldHeight,
}

func repFromFields(row vectordb.Row) *tile.Representative {
	rep := &tile.Representative{}
	rep.Index, _ = row[dataset.FieldIndex].(int64)
	rep.Path, _ = row[dataset.FieldPath].(string)
	if x, ok := row[dataset.FieldX].(float32); ok {
		rep.X = float64(x)
	}
	if y, ok := row[dataset.FieldY].(float32); ok {
		rep.Y = float64(y)
	}
	if w, ok := row[dataset.FieldWidth].(int64); ok {
		rep.Width = int(w)
	}
	if h, ok := row[dataset.FieldHeight].(int64); ok {
		rep.Height = int(h)
	}
	return rep
}

func tileRecords(rows []vectordb.Row) ([]*TileRecord, error) {
	out := make([]*TileRecord, 0, len(rows))
	for _, row := range rows {
		t, err := tile.FromRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vectordb.ErrStore, err)
		}
		out = append(out, &TileRecord{
			Index:        tile.LinearIndex(t.Key),
			ZoomPlusTile: [3]int{t.Key.Z, t.Key.X, t.Key.Y},
			Data:         t.Data,
			Range:        t.Range,
		})
	}
	return out, nil
}

// tileDataset resolves the collection parameter of a tile query. The map
// client addresses tile queries at the clusters collection itself, so both
// the bare dataset name and the suffixed clusters name are accepted.
func tileDataset(name string) (string, error) {
	ds, family := dataset.Base(name)
	if family == dataset.ImageToTileSuffix {
		return "", badRequest(fmt.Errorf("collection %q holds no tiles", name))
	}
	if err := dataset.ValidateName(ds); err != nil {
		return "", badRequest(err)
	}
	return ds, nil
}

// badRequest tags an input validation error.
func badRequest(err error) error {
	return fmt.Errorf("%w: %v", vectordb.ErrBadRequest, err)
}

// storeErr ensures an error carries one of the taxonomy sentinels so the
// HTTP layer can map it; anything unclassified counts as a store error.
func storeErr(err error) error {
	switch {
	case errors.Is(err, vectordb.ErrNotFound),
		errors.Is(err, vectordb.ErrBadRequest),
		errors.Is(err, vectordb.ErrStore):
		return err
	default:
		return fmt.Errorf("%w: %v", vectordb.ErrStore, err)
	}
}
