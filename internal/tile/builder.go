package tile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/kmeans"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// Tunables. MaxPerTile bounds the representatives per tile and drives the
// depth of the pyramid; NumClusters is the k-means target for oversized
// tiles and must not exceed MaxPerTile.
const (
	DefaultMaxPerTile     = 30
	DefaultNumClusters    = 30
	DefaultLimitForInsert = 1_000_000

	// SearchLimit caps one read from the embeddings collection.
	SearchLimit = 16384
)

// Config configures a pyramid build.
type Config struct {
	// Dataset is the embeddings collection name.
	Dataset string

	// BatchSize is the load batch for streaming the embeddings collection;
	// clamped to SearchLimit.
	BatchSize int

	// MaxPerTile bounds representatives per tile.
	MaxPerTile int

	// NumClusters is k for oversized tiles.
	NumClusters int

	// InsertSize is the row batch for collection inserts.
	InsertSize int

	// LimitForInsert is the soft bound on pending tiles before finalized
	// levels are flushed to the store and evicted.
	LimitForInsert int

	// EarlyStop caps the number of entities loaded; -1 or 0 disables.
	EarlyStop int

	// Repopulate drops pre-existing clusters/image-to-tile collections.
	// Without it the build is a no-op when they already exist.
	Repopulate bool

	// MergeThreshold enables the cosine merge pass on representatives when
	// > 0: moving representatives whose embeddings are at least this similar
	// to an already kept one are dropped. 0 disables.
	MergeThreshold float64

	// SaveImages writes a debug composite per tile under
	// ImageDir/zoom_levels_clusters/.
	SaveImages  bool
	ImageDir    string
	ImageFormat string // "png" (default) or "webp"

	// Concurrency bounds parallel tile processing within a level.
	Concurrency int

	// Seed makes representative selection reproducible.
	Seed int64

	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 || c.BatchSize > SearchLimit {
		c.BatchSize = SearchLimit
	}
	if c.MaxPerTile <= 0 {
		c.MaxPerTile = DefaultMaxPerTile
	}
	if c.NumClusters <= 0 {
		c.NumClusters = DefaultNumClusters
	}
	if c.NumClusters > c.MaxPerTile {
		c.NumClusters = c.MaxPerTile
	}
	if c.InsertSize <= 0 {
		c.InsertSize = DefaultInsertSize
	}
	if c.LimitForInsert <= 0 {
		c.LimitForInsert = DefaultLimitForInsert
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ImageFormat == "" {
		c.ImageFormat = "png"
	}
	return c
}

// Builder creates the clusters and image-to-tile collections of a dataset
// from its finalized embeddings collection. A build either completes fully
// or leaves no trace: partial collections are dropped on any error.
type Builder struct {
	store vectordb.Store
	cfg   Config
}

// NewBuilder creates a builder over the given store.
func NewBuilder(store vectordb.Store, cfg Config) *Builder {
	return &Builder{store: store, cfg: cfg.withDefaults()}
}

// Run executes the build.
func (b *Builder) Run(ctx context.Context) error {
	cfg := b.cfg
	if err := dataset.ValidateName(cfg.Dataset); err != nil {
		return err
	}

	ok, err := b.store.HasCollection(ctx, cfg.Dataset)
	if err != nil {
		return err
	}
	if !ok {
		return vectordb.NotFoundf("embeddings collection %q", cfg.Dataset)
	}

	proceed, err := b.prepareTarget(ctx, dataset.ClustersName(cfg.Dataset))
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	// The image-to-tile collection only makes sense next to the clusters
	// collection being rebuilt; any existing one is stale.
	i2t := dataset.ImageToTileName(cfg.Dataset)
	if ok, err := b.store.HasCollection(ctx, i2t); err != nil {
		return err
	} else if ok {
		log.Infof("dropping stale collection %s", i2t)
		if err := b.store.DropCollection(ctx, i2t); err != nil {
			return err
		}
	}

	emb := b.store.Collection(cfg.Dataset)
	entities, err := b.loadEntities(ctx, emb)
	if err != nil {
		return err
	}
	log.Infof("loaded %d entities from %s", len(entities), cfg.Dataset)

	grid, err := BuildGrid(entities, cfg.MaxPerTile)
	if err != nil {
		return err
	}
	log.Infof("maximum zoom level: %d (%d leaf tiles per side)", grid.Depth, 1<<grid.Depth)

	clusters, err := b.store.CreateCollection(ctx, dataset.ClustersSchema(cfg.Dataset))
	if err != nil {
		return err
	}

	bd := &build{
		Builder:     b,
		grid:        grid,
		emb:         emb,
		clusters:    clusters,
		pending:     newPendingTiles(cfg.LimitForInsert),
		writer:      newClustersWriter(clusters, cfg.InsertSize),
		byIndex:     make(map[int64]*Entity, len(entities)),
		assignments: make(map[int64]Key, len(entities)),
	}
	for _, e := range entities {
		bd.byIndex[e.Index] = e
	}

	if err := bd.run(ctx); err != nil {
		// No partial pyramids: drop whatever was written.
		rollback(ctx, b.store, clusters.Name())
		return err
	}
	return nil
}

// prepareTarget handles the repopulate contract for one build output
// collection. It returns false when the collection exists and must be kept.
func (b *Builder) prepareTarget(ctx context.Context, name string) (bool, error) {
	ok, err := b.store.HasCollection(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if !b.cfg.Repopulate {
		n, err := b.store.Collection(name).NumEntities(ctx)
		if err != nil {
			return false, err
		}
		log.Infof("collection %s exists with %d entities; pass --repopulate to rebuild", name, n)
		return false, nil
	}
	n, _ := b.store.Collection(name).NumEntities(ctx)
	log.Infof("collection %s exists with %d entities; dropping", name, n)
	if err := b.store.DropCollection(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// loadEntities streams the embeddings collection in primary-key order.
func (b *Builder) loadEntities(ctx context.Context, emb vectordb.Collection) ([]*Entity, error) {
	total, err := emb.NumEntities(ctx)
	if err != nil {
		return nil, err
	}
	limit := total
	if b.cfg.EarlyStop > 0 && int64(b.cfg.EarlyStop) < limit {
		limit = int64(b.cfg.EarlyStop)
		log.Infof("early stop: loading %d of %d entities", limit, total)
	}

	fields := []string{
		dataset.FieldIndex, dataset.FieldPath,
		dataset.FieldX, dataset.FieldY,
		dataset.FieldWidth, dataset.FieldHeight,
	}
	entities := make([]*Entity, 0, limit)
	for from := int64(0); from < limit; from += int64(b.cfg.BatchSize) {
		to := from + int64(b.cfg.BatchSize)
		if to > limit {
			to = limit
		}
		rows, err := emb.QueryRange(ctx, from, to, fields)
		if errors.Is(err, vectordb.ErrTransient) {
			rows, err = emb.QueryRange(ctx, from, to, fields)
		}
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			e, err := entityFromRow(row)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
	}
	if int64(len(entities)) != limit {
		return nil, fmt.Errorf("embeddings collection %s: loaded %d entities, expected %d (sparse index?)",
			b.cfg.Dataset, len(entities), limit)
	}
	return entities, nil
}

func entityFromRow(row vectordb.Row) (*Entity, error) {
	idx, ok := row[dataset.FieldIndex].(int64)
	if !ok {
		return nil, fmt.Errorf("entity row missing index")
	}
	e := &Entity{Index: idx}
	if p, ok := row[dataset.FieldPath].(string); ok {
		e.Path = p
	}
	x, okX := row[dataset.FieldX].(float32)
	y, okY := row[dataset.FieldY].(float32)
	if !okX || !okY || math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
		return nil, fmt.Errorf("entity %d: layout coordinates missing; run the projection first", idx)
	}
	e.X, e.Y = float64(x), float64(y)
	if w, ok := row[dataset.FieldWidth].(int64); ok {
		e.Width = int(w)
	}
	if h, ok := row[dataset.FieldHeight].(int64); ok {
		e.Height = int(h)
	}
	return e, nil
}

// build carries the state of one running build.
type build struct {
	*Builder
	grid        *Grid
	emb         vectordb.Collection
	clusters    vectordb.Collection
	pending     *pendingTiles
	writer      *clustersWriter
	byIndex     map[int64]*Entity
	assignments map[int64]Key
}

func (bd *build) run(ctx context.Context) error {
	maxZoom := bd.grid.Depth

	for z := 0; z <= maxZoom; z++ {
		side := 1 << z
		tiles := make([]*Tile, side*side)

		var pb *progressBar
		if bd.cfg.Verbose {
			pb = newProgressBar(fmt.Sprintf("zoom %d", z), int64(side*side))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(bd.cfg.Concurrency)
		for tx := 0; tx < side; tx++ {
			for ty := 0; ty < side; ty++ {
				key := Key{Z: z, X: tx, Y: ty}
				slot := tx*side + ty
				g.Go(func() error {
					t, err := bd.processTile(gctx, key)
					if err != nil {
						return err
					}
					tiles[slot] = t
					if pb != nil {
						pb.Increment()
					}
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			if pb != nil {
				pb.Finish()
			}
			return err
		}
		if pb != nil {
			pb.Finish()
		}

		level := make(map[Key]*Tile, len(tiles))
		for _, t := range tiles {
			level[t.Key] = t
		}

		if z > 0 {
			if err := bd.verifyContinuity(z, level); err != nil {
				return err
			}
		}

		// Record coarsest-occurrence assignments in tile order so reruns
		// produce identical image-to-tile rows.
		for _, t := range tiles {
			for _, rep := range t.Data {
				if _, ok := bd.assignments[rep.Index]; !ok {
					bd.assignments[rep.Index] = t.Key
				}
			}
		}

		bd.pending.AddLevel(z, level)
		if bd.pending.OverLimit() {
			evicted := bd.pending.EvictBelow(z)
			log.Infof("pending tiles over limit; flushing %d finalized tiles", len(evicted))
			if err := bd.writer.WriteTiles(ctx, evicted); err != nil {
				return err
			}
		}
	}

	if err := bd.writer.WriteTiles(ctx, bd.pending.EvictAll()); err != nil {
		return err
	}
	if err := bd.writer.Finish(ctx, maxZoom); err != nil {
		return err
	}
	log.Infof("clusters collection %s complete: %d tiles", bd.clusters.Name(), PyramidSize(maxZoom))

	if err := writeImageToTile(ctx, bd.store, bd.cfg.Dataset, bd.assignments, bd.cfg.InsertSize); err != nil {
		return err
	}
	log.Infof("image-to-tile collection complete: %d images", len(bd.assignments))
	return nil
}

func (bd *build) processTile(ctx context.Context, key Key) (*Tile, error) {
	ents := bd.grid.TileEntities(key)

	var pinned []Representative
	if key.Z > 0 {
		parentReps, err := bd.parentReps(ctx, key.Parent())
		if err != nil {
			return nil, err
		}
		for _, r := range parentReps {
			e, ok := bd.byIndex[r.Index]
			if !ok {
				return nil, fmt.Errorf("tile %s: parent representative %d unknown", key, r.Index)
			}
			if bd.grid.KeyOf(e, key.Z) == key {
				pinned = append(pinned, r)
			}
		}
	}

	reps, err := bd.selectRepresentatives(ctx, key, ents, pinned)
	if err != nil {
		return nil, err
	}
	if len(reps) > bd.cfg.MaxPerTile {
		return nil, fmt.Errorf("tile %s: %d representatives exceed limit %d", key, len(reps), bd.cfg.MaxPerTile)
	}

	t := &Tile{Key: key, Data: reps}
	if key == (Key{}) {
		rng := bd.grid.TileRange(key)
		t.Range = &rng
	}

	if bd.cfg.SaveImages {
		if err := bd.writeComposite(t, bd.grid.TileRange(key)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// parentReps returns the representative set of a parent tile, from the
// resident level if possible, else re-read from the partially populated
// clusters collection.
func (bd *build) parentReps(ctx context.Context, parent Key) ([]Representative, error) {
	if t := bd.pending.Get(parent); t != nil {
		return t.Data, nil
	}
	return bd.fetchTile(ctx, parent)
}

// fetchTile re-reads an evicted tile via an exact-match nearest-neighbor
// search on its [zoom, tx, ty] vector. Any distance above zero means the
// tile is missing, which violates the completeness invariant and aborts the
// build.
func (bd *build) fetchTile(ctx context.Context, key Key) ([]Representative, error) {
	if err := bd.clusters.Load(ctx); err != nil {
		return nil, err
	}
	fields := []string{dataset.FieldIndex, dataset.FieldData}
	hits, err := bd.clusters.Search(ctx, dataset.FieldZoomPlusTile, key.Vector(), vectordb.MetricL2, 1, fields)
	if errors.Is(err, vectordb.ErrTransient) {
		hits, err = bd.clusters.Search(ctx, dataset.FieldZoomPlusTile, key.Vector(), vectordb.MetricL2, 1, fields)
	}
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 || hits[0].Distance != 0 {
		return nil, fmt.Errorf("tile %s not found in %s: %w", key, bd.clusters.Name(), vectordb.ErrNotFound)
	}
	t, err := FromRow(hits[0].Fields)
	if err != nil {
		return nil, err
	}
	return t.Data, nil
}

func (bd *build) selectRepresentatives(ctx context.Context, key Key, ents []*Entity, pinned []Representative) ([]Representative, error) {
	pinnedByIndex := make(map[int64]Representative, len(pinned))
	for _, r := range pinned {
		pinnedByIndex[r.Index] = r
	}

	// Small tile: every image represents itself.
	if len(ents) <= bd.cfg.MaxPerTile {
		reps := make([]Representative, 0, len(ents))
		for _, e := range ents {
			if pr, ok := pinnedByIndex[e.Index]; ok {
				pr.InPrevious = true
				reps = append(reps, pr)
			} else {
				reps = append(reps, repFromEntity(e, key.Z))
			}
		}
		sort.Slice(reps, func(i, j int) bool { return reps[i].Index < reps[j].Index })
		return reps, nil
	}

	points := make([]kmeans.Point, len(ents))
	for i, e := range ents {
		points[i] = kmeans.Point{e.X, e.Y}
	}
	fixed := make([]kmeans.Point, len(pinned))
	for i, r := range pinned {
		fixed[i] = kmeans.Point{r.X, r.Y}
	}
	k := bd.cfg.NumClusters
	if len(pinned) > k {
		k = len(pinned)
	}

	model, err := kmeans.Fit(points, fixed, kmeans.Config{
		K:       k,
		NInit:   1,
		MaxIter: 1000,
		Seed:    bd.cfg.Seed + LinearIndex(key),
	})
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", key, err)
	}

	labels := model.Assign(points)
	members := make([][]int, len(model.Centers))
	for i, l := range labels {
		members[l] = append(members[l], i)
	}

	used := make(map[int64]bool, len(pinned))
	for _, r := range pinned {
		used[r.Index] = true
	}

	reps := make([]Representative, 0, len(model.Centers))
	for j, center := range model.Centers {
		if j < model.Fixed {
			pr := pinned[j]
			pr.InPrevious = true
			reps = append(reps, pr)
			continue
		}
		// The representative of a moving cluster is the member closest to
		// its center; ties break to the lowest index.
		best := -1
		bestDist := math.Inf(1)
		for _, i := range members[j] {
			e := ents[i]
			if used[e.Index] {
				continue
			}
			dx, dy := e.X-center[0], e.Y-center[1]
			d := dx*dx + dy*dy
			if d < bestDist || (d == bestDist && best >= 0 && e.Index < ents[best].Index) {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			continue
		}
		e := ents[best]
		used[e.Index] = true
		reps = append(reps, repFromEntity(e, key.Z))
	}

	if bd.cfg.MergeThreshold > 0 {
		merged, err := bd.mergeSimilar(ctx, reps, model.Fixed)
		if err != nil {
			return nil, err
		}
		reps = merged
	}
	return reps, nil
}

func repFromEntity(e *Entity, zoom int) Representative {
	return Representative{
		Index:  e.Index,
		Path:   e.Path,
		X:      e.X,
		Y:      e.Y,
		Width:  e.Width,
		Height: e.Height,
		Zoom:   zoom,
	}
}

// verifyContinuity checks that every representative of the previous level
// reappears in exactly one child tile with in_previous set.
func (bd *build) verifyContinuity(z int, level map[Key]*Tile) error {
	parentSide := 1 << (z - 1)
	for px := 0; px < parentSide; px++ {
		for py := 0; py < parentSide; py++ {
			parent := Key{Z: z - 1, X: px, Y: py}
			pt := bd.pending.Get(parent)
			if pt == nil {
				// Parent level already evicted; the spill policy keeps the
				// previous level resident, so this cannot happen.
				return fmt.Errorf("parent tile %s not resident during continuity check", parent)
			}
			for _, rep := range pt.Data {
				found := 0
				for _, child := range parent.Children() {
					ct := level[child]
					if ct == nil {
						continue
					}
					for _, cr := range ct.Data {
						if cr.Index == rep.Index && cr.InPrevious {
							found++
						}
					}
				}
				if found != 1 {
					return fmt.Errorf("representative %d of %s appears in %d children with in_previous, want 1",
						rep.Index, parent, found)
				}
			}
		}
	}
	return nil
}

// mergeSimilar drops moving representatives whose 512-d embeddings are
// near-duplicates of an already kept representative. Pinned representatives
// are never dropped; continuity depends on them.
func (bd *build) mergeSimilar(ctx context.Context, reps []Representative, fixed int) ([]Representative, error) {
	if len(reps) <= fixed+1 {
		return reps, nil
	}
	ids := make([]int64, len(reps))
	for i, r := range reps {
		ids[i] = r.Index
	}
	rows, err := bd.emb.QueryByIDs(ctx, ids, []string{dataset.FieldIndex, dataset.FieldEmbedding})
	if err != nil {
		return nil, err
	}
	vecs := make(map[int64][]float32, len(rows))
	for _, row := range rows {
		idx, _ := row[dataset.FieldIndex].(int64)
		if v, ok := row[dataset.FieldEmbedding].([]float32); ok {
			vecs[idx] = v
		}
	}

	kept := reps[:fixed:fixed]
	for _, r := range reps[fixed:] {
		v := vecs[r.Index]
		similar := false
		for _, kr := range kept {
			kv := vecs[kr.Index]
			if v == nil || kv == nil {
				continue
			}
			if cosine(v, kv) >= bd.cfg.MergeThreshold {
				similar = true
				break
			}
		}
		if !similar {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
