package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MilvusConfig holds the connection parameters for a Milvus deployment.
type MilvusConfig struct {
	Address  string // host:port
	Username string
	Password string
	Database string
}

// MilvusStore adapts a Milvus deployment to the Store interface. All
// collections are created with a single shard and FLAT vector indexes; the
// collections this system manages are small enough that a graph index would
// only add build time.
type MilvusStore struct {
	c client.Client
}

// ConnectMilvus opens a connection to Milvus and selects the database.
func ConnectMilvus(ctx context.Context, cfg MilvusConfig) (*MilvusStore, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, classify("connect", err)
	}
	return &MilvusStore{c: c}, nil
}

// Close releases the underlying connection.
func (s *MilvusStore) Close() error {
	return s.c.Close()
}

func (s *MilvusStore) ListCollections(ctx context.Context) ([]string, error) {
	colls, err := s.c.ListCollections(ctx)
	if err != nil {
		return nil, classify("list collections", err)
	}
	names := make([]string, 0, len(colls))
	for _, c := range colls {
		names = append(names, c.Name)
	}
	return names, nil
}

func (s *MilvusStore) HasCollection(ctx context.Context, name string) (bool, error) {
	ok, err := s.c.HasCollection(ctx, name)
	if err != nil {
		return false, classify("has collection", err)
	}
	return ok, nil
}

func (s *MilvusStore) CreateCollection(ctx context.Context, schema Schema) (Collection, error) {
	ms := entity.NewSchema().
		WithName(schema.Name).
		WithDescription(schema.Description).
		WithDynamicFieldEnabled(schema.Dynamic)
	for _, f := range schema.Fields {
		mf := entity.NewField().WithName(f.Name)
		switch f.Type {
		case FieldInt64:
			mf = mf.WithDataType(entity.FieldTypeInt64)
		case FieldFloat:
			mf = mf.WithDataType(entity.FieldTypeFloat)
		case FieldVarChar:
			mf = mf.WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)
		case FieldJSON:
			mf = mf.WithDataType(entity.FieldTypeJSON)
		case FieldFloatVector:
			mf = mf.WithDataType(entity.FieldTypeFloatVector).WithDim(int64(f.Dim))
		default:
			return nil, fmt.Errorf("unsupported field type %d for %q", f.Type, f.Name)
		}
		if f.PrimaryKey {
			mf = mf.WithIsPrimaryKey(true)
		}
		ms = ms.WithField(mf)
	}

	if err := s.c.CreateCollection(ctx, ms, 1); err != nil {
		return nil, classify("create collection "+schema.Name, err)
	}

	// FLAT index per vector field, matching the declared metric.
	for _, f := range schema.Fields {
		if f.Type != FieldFloatVector {
			continue
		}
		idx, err := entity.NewIndexFlat(milvusMetric(f.Metric))
		if err != nil {
			return nil, classify("index "+f.Name, err)
		}
		if err := s.c.CreateIndex(ctx, schema.Name, f.Name, idx, false); err != nil {
			return nil, classify("create index "+f.Name, err)
		}
	}

	return &milvusCollection{store: s, name: schema.Name, schema: schema}, nil
}

func (s *MilvusStore) DropCollection(ctx context.Context, name string) error {
	ok, err := s.c.HasCollection(ctx, name)
	if err != nil {
		return classify("drop collection "+name, err)
	}
	if !ok {
		return nil
	}
	if err := s.c.DropCollection(ctx, name); err != nil {
		return classify("drop collection "+name, err)
	}
	return nil
}

func (s *MilvusStore) Collection(name string) Collection {
	return &milvusCollection{store: s, name: name}
}

type milvusCollection struct {
	store  *MilvusStore
	name   string
	schema Schema // zero value for handles obtained via Collection()
}

func (c *milvusCollection) Name() string { return c.name }

func (c *milvusCollection) NumEntities(ctx context.Context) (int64, error) {
	stats, err := c.store.c.GetCollectionStatistics(ctx, c.name)
	if err != nil {
		return 0, c.classifyMissing("statistics", err)
	}
	n, err := strconv.ParseInt(stats["row_count"], 10, 64)
	if err != nil {
		return 0, StoreError("statistics "+c.name, err)
	}
	return n, nil
}

func (c *milvusCollection) Load(ctx context.Context) error {
	if err := c.store.c.LoadCollection(ctx, c.name, false); err != nil {
		return c.classifyMissing("load", err)
	}
	return nil
}

func (c *milvusCollection) Release(ctx context.Context) error {
	if err := c.store.c.ReleaseCollection(ctx, c.name); err != nil {
		return c.classifyMissing("release", err)
	}
	return nil
}

func (c *milvusCollection) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols, err := columnsFromRows(c.schema, rows)
	if err != nil {
		return err
	}
	if _, err := c.store.c.Insert(ctx, c.name, "", cols...); err != nil {
		return classify("insert into "+c.name, err)
	}
	return nil
}

func (c *milvusCollection) Flush(ctx context.Context) error {
	if err := c.store.c.Flush(ctx, c.name, false); err != nil {
		return classify("flush "+c.name, err)
	}
	return nil
}

func (c *milvusCollection) QueryByIDs(ctx context.Context, ids []int64, fields []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	expr := fmt.Sprintf("index in [%s]", strings.Join(parts, ","))
	return c.query(ctx, expr, fields)
}

func (c *milvusCollection) QueryRange(ctx context.Context, from, to int64, fields []string) ([]Row, error) {
	expr := fmt.Sprintf("index >= %d && index < %d", from, to)
	return c.query(ctx, expr, fields)
}

func (c *milvusCollection) query(ctx context.Context, expr string, fields []string) ([]Row, error) {
	rs, err := c.store.c.Query(ctx, c.name, nil, expr, fields)
	if err != nil {
		return nil, c.classifyMissing("query", err)
	}
	return rowsFromResultSet(rs)
}

func (c *milvusCollection) Search(ctx context.Context, field string, vector []float32, metric Metric, limit int, fields []string) ([]SearchHit, error) {
	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, StoreError("search param", err)
	}
	results, err := c.store.c.Search(ctx, c.name, nil, "", fields,
		[]entity.Vector{entity.FloatVector(vector)}, field, milvusMetric(metric), limit, sp)
	if err != nil {
		return nil, c.classifyMissing("search", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	res := results[0]
	rows, err := rowsFromColumns(res.Fields)
	if err != nil {
		return nil, err
	}
	ids, ok := res.IDs.(*entity.ColumnInt64)
	if !ok {
		return nil, StoreError("search "+c.name, fmt.Errorf("unexpected id column type %T", res.IDs))
	}

	hits := make([]SearchHit, 0, res.ResultCount)
	for i := 0; i < res.ResultCount; i++ {
		d := res.Scores[i]
		if metric == MetricCosine {
			// Milvus reports cosine as similarity; normalize to a distance
			// so smaller is always better for callers.
			d = 1 - d
		}
		hit := SearchHit{ID: ids.Data()[i], Distance: d}
		if i < len(rows) {
			hit.Fields = rows[i]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// classifyMissing maps "collection not found" store errors to ErrNotFound and
// classifies the rest.
func (c *milvusCollection) classifyMissing(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "not found") || strings.Contains(msg, "not exist") {
		return NotFoundf("collection %q", c.name)
	}
	return classify(op+" "+c.name, err)
}

// classify wraps a Milvus error into the taxonomy. Connectivity failures are
// marked transient so the builder can retry them once.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		}
	}
	return StoreError(op, err)
}

func milvusMetric(m Metric) entity.MetricType {
	if m == MetricCosine {
		return entity.COSINE
	}
	return entity.L2
}

// columnsFromRows converts row-oriented input to the column-oriented form the
// SDK insists on. The schema drives column typing, so every row must carry
// every declared field.
func columnsFromRows(schema Schema, rows []Row) ([]entity.Column, error) {
	if len(schema.Fields) == 0 {
		return nil, StoreError("insert", fmt.Errorf("no schema for collection"))
	}
	cols := make([]entity.Column, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		switch f.Type {
		case FieldInt64:
			data := make([]int64, len(rows))
			for i, r := range rows {
				v, ok := r[f.Name].(int64)
				if !ok {
					return nil, typeMismatch(f.Name, r[f.Name])
				}
				data[i] = v
			}
			cols = append(cols, entity.NewColumnInt64(f.Name, data))
		case FieldFloat:
			data := make([]float32, len(rows))
			for i, r := range rows {
				v, ok := r[f.Name].(float32)
				if !ok {
					return nil, typeMismatch(f.Name, r[f.Name])
				}
				data[i] = v
			}
			cols = append(cols, entity.NewColumnFloat(f.Name, data))
		case FieldVarChar:
			data := make([]string, len(rows))
			for i, r := range rows {
				v, ok := r[f.Name].(string)
				if !ok {
					return nil, typeMismatch(f.Name, r[f.Name])
				}
				data[i] = v
			}
			cols = append(cols, entity.NewColumnVarChar(f.Name, data))
		case FieldJSON:
			data := make([][]byte, len(rows))
			for i, r := range rows {
				v, ok := r[f.Name].(json.RawMessage)
				if !ok {
					return nil, typeMismatch(f.Name, r[f.Name])
				}
				data[i] = []byte(v)
			}
			cols = append(cols, entity.NewColumnJSONBytes(f.Name, data))
		case FieldFloatVector:
			data := make([][]float32, len(rows))
			for i, r := range rows {
				v, ok := r[f.Name].([]float32)
				if !ok {
					return nil, typeMismatch(f.Name, r[f.Name])
				}
				data[i] = v
			}
			cols = append(cols, entity.NewColumnFloatVector(f.Name, f.Dim, data))
		}
	}
	return cols, nil
}

func typeMismatch(field string, v any) error {
	return StoreError("insert", fmt.Errorf("field %q: unexpected value type %T", field, v))
}

func rowsFromResultSet(rs client.ResultSet) ([]Row, error) {
	return rowsFromColumns([]entity.Column(rs))
}

// rowsFromColumns transposes SDK columns back into rows.
func rowsFromColumns(cols []entity.Column) ([]Row, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	n := cols[0].Len()
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = make(Row, len(cols))
	}
	for _, col := range cols {
		for i := 0; i < n && i < col.Len(); i++ {
			switch c := col.(type) {
			case *entity.ColumnInt64:
				rows[i][col.Name()] = c.Data()[i]
			case *entity.ColumnFloat:
				rows[i][col.Name()] = c.Data()[i]
			case *entity.ColumnVarChar:
				rows[i][col.Name()] = c.Data()[i]
			case *entity.ColumnJSONBytes:
				rows[i][col.Name()] = json.RawMessage(c.Data()[i])
			case *entity.ColumnFloatVector:
				rows[i][col.Name()] = c.Data()[i]
			default:
				v, err := col.Get(i)
				if err != nil {
					return nil, StoreError("decode column "+col.Name(), err)
				}
				rows[i][col.Name()] = v
			}
		}
	}
	return rows, nil
}
