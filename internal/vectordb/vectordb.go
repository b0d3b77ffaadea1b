// Package vectordb defines the contract the semantic-map core has with its
// vector store: typed collections with a 64-bit integer primary key, scalar
// fields, indexed vector fields, and primary-key / nearest-neighbor reads.
//
// Two implementations exist: a Milvus-backed store (milvus.go) used in
// deployments, and an in-memory store (memory.go) used by the test suite and
// for local experiments. The builder and the query facade only ever see the
// interfaces below.
package vectordb

import "context"

// Metric identifies the distance metric of a vector index.
type Metric string

const (
	MetricCosine Metric = "COSINE"
	MetricL2     Metric = "L2"
)

// Field data types. The store only needs the handful of types the three
// collection families use.
type FieldType int

const (
	FieldInt64 FieldType = iota
	FieldFloat
	FieldVarChar
	FieldJSON
	FieldFloatVector
)

// Field describes one column of a collection schema.
type Field struct {
	Name       string
	Type       FieldType
	PrimaryKey bool
	// Dim is the vector dimension; only meaningful for FieldFloatVector.
	Dim int
	// Metric selects the index metric for a vector field.
	Metric Metric
}

// Schema describes a collection to be created. Dynamic allows rows to carry
// fields not declared in the schema (used for the root tile's range).
type Schema struct {
	Name        string
	Description string
	Fields      []Field
	Dynamic     bool
}

// Row is one entity, keyed by field name. Values are int64, float32, string,
// []float32 (vectors) or json.RawMessage (JSON fields), matching the schema.
type Row map[string]any

// SearchHit is one result of a vector search.
type SearchHit struct {
	ID       int64
	Distance float32
	Fields   Row
}

// Collection is a handle to one remote collection. Handles are cheap; the
// heavyweight load/release lifecycle is driven by the lifecycle registry.
type Collection interface {
	Name() string

	// NumEntities returns the number of rows currently flushed.
	NumEntities(ctx context.Context) (int64, error)

	// Load makes the collection servable; Release frees its memory on the
	// store side. Both are idempotent.
	Load(ctx context.Context) error
	Release(ctx context.Context) error

	// Insert appends rows. Rows must carry every schema field.
	Insert(ctx context.Context, rows []Row) error

	// Flush persists pending inserts.
	Flush(ctx context.Context) error

	// QueryByIDs returns the rows whose primary key is in ids, restricted to
	// the named output fields. Missing ids are simply absent from the result.
	QueryByIDs(ctx context.Context, ids []int64, fields []string) ([]Row, error)

	// QueryRange returns rows with from <= primary key < to.
	QueryRange(ctx context.Context, from, to int64, fields []string) ([]Row, error)

	// Search runs a nearest-neighbor search on the named vector field and
	// returns up to limit hits ordered best-first.
	Search(ctx context.Context, field string, vector []float32, metric Metric, limit int, fields []string) ([]SearchHit, error)
}

// Store is the vector store itself.
type Store interface {
	// ListCollections enumerates all collection names in the database.
	ListCollections(ctx context.Context) ([]string, error)

	HasCollection(ctx context.Context, name string) (bool, error)

	// CreateCollection creates a collection with its vector indexes.
	CreateCollection(ctx context.Context, schema Schema) (Collection, error)

	// DropCollection removes a collection. Dropping an absent collection is
	// not an error.
	DropCollection(ctx context.Context, name string) error

	// Collection returns a handle without checking existence; operations on
	// a missing collection fail with ErrNotFound.
	Collection(name string) Collection
}
