package dataset

import "github.com/fmoretti/semamap/internal/vectordb"

// Field names shared by the builder and the query facade.
const (
	FieldIndex        = "index"
	FieldEmbedding    = "embedding"
	FieldX            = "x"
	FieldY            = "y"
	FieldPath         = "path"
	FieldWidth        = "width"
	FieldHeight       = "height"
	FieldZoomPlusTile = "zoom_plus_tile"
	FieldData         = "data"
	FieldRange        = "range"
)

// EmbeddingDim is the dimensionality of the image/text embedding vectors.
const EmbeddingDim = 512

// EmbeddingsSchema describes the embeddings collection of a dataset: one row
// per image, cosine-indexed 512-d embedding, 2-D layout coordinates, and the
// image metadata the map client renders from. Dynamic fields carry any
// dataset-specific attributes (author, genre, date).
func EmbeddingsSchema(dataset string) vectordb.Schema {
	return vectordb.Schema{
		Name:        dataset,
		Description: "image embeddings and 2-D layout",
		Dynamic:     true,
		Fields: []vectordb.Field{
			{Name: FieldIndex, Type: vectordb.FieldInt64, PrimaryKey: true},
			{Name: FieldEmbedding, Type: vectordb.FieldFloatVector, Dim: EmbeddingDim, Metric: vectordb.MetricCosine},
			{Name: FieldX, Type: vectordb.FieldFloat},
			{Name: FieldY, Type: vectordb.FieldFloat},
			{Name: FieldPath, Type: vectordb.FieldVarChar},
			{Name: FieldWidth, Type: vectordb.FieldInt64},
			{Name: FieldHeight, Type: vectordb.FieldInt64},
		},
	}
}

// ClustersSchema describes the zoom pyramid collection: one row per tile,
// addressed both by the dense pyramid index (primary key) and by an L2 search
// on the [zoom, tx, ty] vector. The data field holds the tile's
// representative records as JSON; range is non-null only on the root tile.
func ClustersSchema(dataset string) vectordb.Schema {
	return vectordb.Schema{
		Name:        ClustersName(dataset),
		Description: "zoom pyramid tiles with cluster representatives",
		Fields: []vectordb.Field{
			{Name: FieldIndex, Type: vectordb.FieldInt64, PrimaryKey: true},
			{Name: FieldZoomPlusTile, Type: vectordb.FieldFloatVector, Dim: 3, Metric: vectordb.MetricL2},
			{Name: FieldData, Type: vectordb.FieldJSON},
			{Name: FieldRange, Type: vectordb.FieldJSON},
		},
	}
}

// ImageToTileSchema describes the image-to-tile collection: for each image
// that is a representative anywhere in the pyramid, the coarsest tile it
// first appears in.
func ImageToTileSchema(dataset string) vectordb.Schema {
	return vectordb.Schema{
		Name:        ImageToTileName(dataset),
		Description: "coarsest tile per representative image",
		Fields: []vectordb.Field{
			{Name: FieldIndex, Type: vectordb.FieldInt64, PrimaryKey: true},
			{Name: FieldZoomPlusTile, Type: vectordb.FieldFloatVector, Dim: 3, Metric: vectordb.MetricL2},
		},
	}
}
