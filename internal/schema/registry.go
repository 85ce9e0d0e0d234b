// Package schema describes vector collections and memoizes the result.
// A collection's schema is treated as immutable for the process
// lifetime; out-of-band schema changes require Invalidate.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/milvus"
)

// ErrSchema indicates a collection that is missing or undescribable.
var ErrSchema = errors.New("schema error")

const (
	// DefaultTextField is assumed when a schema has no field literally
	// named "text". Callers must tolerate the field being absent.
	DefaultTextField = "text"

	// TypeKnowledgeHub marks collections holding document-chunk
	// embeddings with extracted metadata.
	TypeKnowledgeHub = "KNOWLEDGE_HUB"

	// TypeGeneral is the fallback collection type.
	TypeGeneral = "GENERAL"

	// PropertyCollectionType is the collection property naming the type.
	PropertyCollectionType = "collectionType"

	// PropertyTeamID is the collection property naming the owning team.
	PropertyTeamID = "teamId"
)

// knowledgeHubFields is the field set whose presence marks an untyped
// collection as a knowledge hub.
var knowledgeHubFields = []string{"embedding", "text", "documentId", "collectionId", "chunkId"}

// CollectionSchema is the cached description of one collection.
type CollectionSchema struct {
	Name               string
	Fields             map[string]milvus.FieldSchema
	VectorField        string
	TextField          string
	TextFieldMaxLength int // 0 means no limit enforced
	CollectionType     string
	Properties         map[string]string
	Loaded             bool
}

// HasField reports whether the schema declares the named field.
func (s *CollectionSchema) HasField(name string) bool {
	_, ok := s.Fields[name]
	return ok
}

// FieldNames returns the declared field names, unordered.
func (s *CollectionSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	return names
}

// Registry describes collections and caches the result per name.
// Concurrent racers for the same name compute the same value, so the
// cache needs no locking beyond the map's own atomicity.
type Registry struct {
	client milvus.Client
	logger *zap.Logger
	cache  sync.Map // collection name -> *CollectionSchema
}

// NewRegistry creates a schema registry over the given client.
func NewRegistry(client milvus.Client, logger *zap.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.Named("schema"),
	}
}

// Describe returns the collection's schema, memoized per name.
func (r *Registry) Describe(ctx context.Context, name string) (*CollectionSchema, error) {
	if cached, ok := r.cache.Load(name); ok {
		return cached.(*CollectionSchema), nil
	}

	info, err := r.client.DescribeCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: describe collection %s: %v", ErrSchema, name, err)
	}
	if info == nil || len(info.Fields) == 0 {
		return nil, fmt.Errorf("%w: collection %s returned no schema", ErrSchema, name)
	}

	schema := buildSchema(info)
	r.logger.Debug("collection schema cached",
		zap.String("collection", name),
		zap.String("vector_field", schema.VectorField),
		zap.String("text_field", schema.TextField),
		zap.String("collection_type", schema.CollectionType),
		zap.Int("fields", len(schema.Fields)),
	)

	actual, _ := r.cache.LoadOrStore(name, schema)
	return actual.(*CollectionSchema), nil
}

// Invalidate drops the cached schema for a collection.
func (r *Registry) Invalidate(name string) {
	r.cache.Delete(name)
}

func buildSchema(info *milvus.CollectionInfo) *CollectionSchema {
	schema := &CollectionSchema{
		Name:       info.Name,
		Fields:     make(map[string]milvus.FieldSchema, len(info.Fields)),
		TextField:  DefaultTextField,
		Properties: info.Properties,
		Loaded:     info.Loaded,
	}

	for _, f := range info.Fields {
		schema.Fields[f.Name] = f
		if schema.VectorField == "" && f.DataType == milvus.DataTypeFloatVector {
			schema.VectorField = f.Name
		}
	}

	if text, ok := schema.Fields[DefaultTextField]; ok {
		schema.TextFieldMaxLength = text.MaxLength
	}

	schema.CollectionType = resolveCollectionType(schema)
	return schema
}

func resolveCollectionType(schema *CollectionSchema) string {
	if t, ok := schema.Properties[PropertyCollectionType]; ok && t != "" {
		return t
	}
	for _, name := range knowledgeHubFields {
		if !schema.HasField(name) {
			return TypeGeneral
		}
	}
	return TypeKnowledgeHub
}
