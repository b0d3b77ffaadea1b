package tile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// DefaultInsertSize is the row batch size for collection inserts.
const DefaultInsertSize = 500

// inserter writes rows to a collection in fixed-size batches. A transient
// store error is retried once; any other failure is surfaced to the caller,
// which rolls the whole collection back.
type inserter struct {
	coll      vectordb.Collection
	batchSize int
	written   int64
}

func newInserter(coll vectordb.Collection, batchSize int) *inserter {
	if batchSize <= 0 {
		batchSize = DefaultInsertSize
	}
	return &inserter{coll: coll, batchSize: batchSize}
}

func (w *inserter) insert(ctx context.Context, rows []vectordb.Row) error {
	for i := 0; i < len(rows); i += w.batchSize {
		end := i + w.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[i:end]
		err := w.coll.Insert(ctx, batch)
		if errors.Is(err, vectordb.ErrTransient) {
			log.Warnf("transient insert error on %s, retrying once: %v", w.coll.Name(), err)
			err = w.coll.Insert(ctx, batch)
		}
		if err != nil {
			return fmt.Errorf("insert batch into %s: %w", w.coll.Name(), err)
		}
		w.written += int64(len(batch))
	}
	return nil
}

func (w *inserter) flush(ctx context.Context) error {
	err := w.coll.Flush(ctx)
	if errors.Is(err, vectordb.ErrTransient) {
		log.Warnf("transient flush error on %s, retrying once: %v", w.coll.Name(), err)
		err = w.coll.Flush(ctx)
	}
	if err != nil {
		return fmt.Errorf("flush %s: %w", w.coll.Name(), err)
	}
	return nil
}

// clustersWriter persists finalized tiles into the clusters collection.
type clustersWriter struct {
	ins *inserter
}

func newClustersWriter(coll vectordb.Collection, batchSize int) *clustersWriter {
	return &clustersWriter{ins: newInserter(coll, batchSize)}
}

func (w *clustersWriter) WriteTiles(ctx context.Context, tiles []*Tile) error {
	if len(tiles) == 0 {
		return nil
	}
	rows := make([]vectordb.Row, 0, len(tiles))
	for _, t := range tiles {
		row, err := t.Row()
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return w.ins.insert(ctx, rows)
}

// Finish flushes the collection and verifies that the number of written
// tiles matches the complete pyramid. A mismatch means a level was lost and
// the pyramid must not be exposed.
func (w *clustersWriter) Finish(ctx context.Context, maxZoom int) error {
	if err := w.ins.flush(ctx); err != nil {
		return err
	}
	if want := PyramidSize(maxZoom); w.written() != want {
		return fmt.Errorf("clusters collection %s: wrote %d tiles, expected %d", w.ins.coll.Name(), w.written(), want)
	}
	return nil
}

func (w *clustersWriter) written() int64 { return w.ins.written }

// writeImageToTile creates and populates the image-to-tile collection from
// the coarsest-occurrence map. On any failure the collection is dropped so
// no partial mapping is ever served.
func writeImageToTile(ctx context.Context, store vectordb.Store, ds string, assignments map[int64]Key, batchSize int) error {
	name := dataset.ImageToTileName(ds)
	coll, err := store.CreateCollection(ctx, dataset.ImageToTileSchema(ds))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	indexes := make([]int64, 0, len(assignments))
	for idx := range assignments {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	rows := make([]vectordb.Row, 0, len(indexes))
	for _, idx := range indexes {
		rows = append(rows, vectordb.Row{
			dataset.FieldIndex:        idx,
			dataset.FieldZoomPlusTile: assignments[idx].Vector(),
		})
	}

	ins := newInserter(coll, batchSize)
	if err := ins.insert(ctx, rows); err != nil {
		rollback(ctx, store, name)
		return err
	}
	if err := ins.flush(ctx); err != nil {
		rollback(ctx, store, name)
		return err
	}
	return nil
}

// rollback drops a half-written collection. Failure to drop is logged, not
// returned: the original error is the one the caller must see.
func rollback(ctx context.Context, store vectordb.Store, name string) {
	log.Warnf("rolling back collection %s", name)
	if err := store.DropCollection(ctx, name); err != nil {
		log.Errorf("rollback of %s failed: %v", name, err)
	}
}
