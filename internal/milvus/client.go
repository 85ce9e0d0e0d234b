// Package milvus wraps the Milvus Go SDK behind a narrow client
// interface so the vector store engine can be exercised against fakes.
package milvus

import (
	"context"
	"strings"
)

// DataType enumerates the field types the engine works with.
type DataType int

const (
	DataTypeBool DataType = iota
	DataTypeInt64
	DataTypeFloat
	DataTypeDouble
	DataTypeVarChar
	DataTypeFloatVector
)

// String returns the Milvus wire name for the type.
func (t DataType) String() string {
	switch t {
	case DataTypeBool:
		return "Bool"
	case DataTypeInt64:
		return "Int64"
	case DataTypeFloat:
		return "Float"
	case DataTypeDouble:
		return "Double"
	case DataTypeVarChar:
		return "VarChar"
	case DataTypeFloatVector:
		return "FloatVector"
	default:
		return "Unknown"
	}
}

// ParseDataType maps a wire name back to a DataType.
func ParseDataType(name string) (DataType, bool) {
	switch strings.ToLower(name) {
	case "bool":
		return DataTypeBool, true
	case "int64":
		return DataTypeInt64, true
	case "float":
		return DataTypeFloat, true
	case "double":
		return DataTypeDouble, true
	case "varchar":
		return DataTypeVarChar, true
	case "floatvector":
		return DataTypeFloatVector, true
	default:
		return DataTypeBool, false
	}
}

// FieldSchema describes one collection field.
type FieldSchema struct {
	Name         string
	DataType     DataType
	IsPrimaryKey bool
	AutoID       bool
	Description  string

	// Dimension applies to FloatVector fields.
	Dimension int

	// MaxLength applies to VarChar fields.
	MaxLength int
}

// CollectionSchema describes a collection to create.
type CollectionSchema struct {
	Name        string
	Description string
	Fields      []FieldSchema
	Properties  map[string]string
	ShardNum    int32
}

// CollectionInfo describes an existing collection.
type CollectionInfo struct {
	Name        string
	Description string
	Fields      []FieldSchema
	Properties  map[string]string
	Loaded      bool
	ShardNum    int32
}

// IndexParams configures the HNSW vector index.
type IndexParams struct {
	MetricType     string // "COSINE", "L2", "IP"
	M              int
	EfConstruction int
}

// Column carries one field's values for a batch insert. Values must be
// a slice matching Type: []bool, []int64, []float32, []float64,
// []string, or [][]float32 for vectors.
type Column struct {
	Name   string
	Type   DataType
	Values any

	// Dimension applies to FloatVector columns.
	Dimension int
}

// SearchRequest is a single-vector similarity search.
type SearchRequest struct {
	Collection   string
	Vector       []float32
	VectorField  string
	Expr         string
	OutputFields []string
	TopK         int
	MetricType   string
	SearchEf     int
}

// SearchHit is one row of a search result. Score is the raw metric
// value returned by Milvus for the configured metric type.
type SearchHit struct {
	ID     int64
	Score  float32
	Fields map[string]any
}

// Client is the subset of Milvus operations the engine needs.
type Client interface {
	// Collection lifecycle.
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, schema CollectionSchema) error
	CreateIndex(ctx context.Context, collection, field string, params IndexParams) error
	LoadCollection(ctx context.Context, name string) error
	DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error)
	GetRowCount(ctx context.Context, name string) (int64, error)
	ListCollections(ctx context.Context) ([]string, error)
	DropCollection(ctx context.Context, name string) error
	AlterCollectionProperties(ctx context.Context, name string, props map[string]string) error

	// Data operations.
	Insert(ctx context.Context, collection string, columns []Column) error
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)
	Query(ctx context.Context, collection, expr string, outputFields []string, limit int) ([]map[string]any, error)
	Delete(ctx context.Context, collection, expr string) error
	Flush(ctx context.Context, collection string) error

	// Health verifies the server connection.
	Health(ctx context.Context) error

	// Close closes the client connection.
	Close() error
}
