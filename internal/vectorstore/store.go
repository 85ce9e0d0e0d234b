package vectorstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

// StoreRecordRequest inserts one record into a collection. Embedding,
// when set, is stored as-is; otherwise one is generated from the text
// field synchronously.
type StoreRecordRequest struct {
	Collection    string
	Record        map[string]any
	TeamID        string
	TextField     string
	ModelCategory string
	ModelName     string
	Embedding     []float32
}

// StoreRecord validates, embeds, and inserts a single record. Fields
// absent from the collection schema are dropped; schema fields absent
// from the record get zero defaults. Returns the generated primary key.
func (e *Engine) StoreRecord(ctx context.Context, req StoreRecordRequest) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.StoreRecord")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	if strings.TrimSpace(req.TeamID) == "" {
		return 0, e.fail(span, fmt.Errorf("%w: teamId is required", ErrValidation))
	}

	cs, err := e.registry.Describe(ctx, req.Collection)
	if err != nil {
		return 0, e.fail(span, err)
	}

	textField := req.TextField
	if textField == "" {
		textField = cs.TextField
	}
	text, ok := req.Record[textField].(string)
	if !ok || text == "" {
		return 0, e.fail(span, fmt.Errorf("%w: record is missing text field %q", ErrValidation, textField))
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		embedding, err = e.provider.Embed(ctx, text, req.ModelCategory, req.ModelName, req.TeamID)
		if err != nil {
			return 0, e.fail(span, fmt.Errorf("generating embedding: %w", err))
		}
	}

	vectorField, vectorDim := cs.VectorField, 0
	if f, ok := cs.Fields[cs.VectorField]; ok {
		vectorDim = f.Dimension
	}
	if vectorDim > 0 && len(embedding) != vectorDim {
		return 0, e.fail(span, fmt.Errorf("%w: embedding dimension %d does not match collection dimension %d",
			ErrValidation, len(embedding), vectorDim))
	}

	record := make(map[string]any, len(req.Record))
	for k, v := range req.Record {
		record[k] = v
	}
	if cs.HasField(schema.PropertyTeamID) {
		record[schema.PropertyTeamID] = req.TeamID
	}

	id := generatePrimaryKey()
	columns, err := e.buildColumns(cs, record, id, vectorField, embedding)
	if err != nil {
		return 0, e.fail(span, err)
	}

	if err := e.client.Insert(ctx, req.Collection, columns); err != nil {
		return 0, e.fail(span, fmt.Errorf("%w: inserting into %s: %v", ErrStorage, req.Collection, err))
	}

	e.logger.Debug("record stored",
		zap.String("collection", req.Collection),
		zap.Int64("id", id),
		zap.Int("fields", len(columns)),
	)
	return id, nil
}

// buildColumns maps the record onto the collection schema, one
// single-row column per schema field.
func (e *Engine) buildColumns(cs *schema.CollectionSchema, record map[string]any, id int64, vectorField string, embedding []float32) ([]milvus.Column, error) {
	names := cs.FieldNames()
	sort.Strings(names)

	columns := make([]milvus.Column, 0, len(names))
	for _, name := range names {
		field := cs.Fields[name]

		if field.IsPrimaryKey {
			if field.AutoID {
				continue
			}
			columns = append(columns, milvus.Column{Name: name, Type: field.DataType, Values: []int64{id}})
			continue
		}
		if name == vectorField {
			columns = append(columns, milvus.Column{
				Name:      name,
				Type:      milvus.DataTypeFloatVector,
				Values:    [][]float32{embedding},
				Dimension: field.Dimension,
			})
			continue
		}

		value, present := record[name]
		if !present && (name == "createdAt" || name == "created_at") && field.DataType == milvus.DataTypeInt64 {
			value, present = time.Now().UnixMilli(), true
		}
		columns = append(columns, coerceColumn(field, value, present, e.logger))
	}

	for name := range record {
		if !cs.HasField(name) {
			e.logger.Debug("dropping field not in collection schema",
				zap.String("collection", cs.Name),
				zap.String("field", name),
			)
		}
	}
	return columns, nil
}

// coerceColumn converts a record value to the field's type. Missing or
// unconvertible values fall back to the type's zero value.
func coerceColumn(field milvus.FieldSchema, value any, present bool, logger *zap.Logger) milvus.Column {
	col := milvus.Column{Name: field.Name, Type: field.DataType}
	switch field.DataType {
	case milvus.DataTypeBool:
		col.Values = []bool{coerceBool(value, present)}
	case milvus.DataTypeInt64:
		col.Values = []int64{coerceInt64(value, present, field.Name, logger)}
	case milvus.DataTypeFloat:
		col.Values = []float32{float32(coerceFloat64(value, present, field.Name, logger))}
	case milvus.DataTypeDouble:
		col.Values = []float64{coerceFloat64(value, present, field.Name, logger)}
	default:
		col.Type = milvus.DataTypeVarChar
		col.Values = []string{coerceString(value, present)}
	}
	return col
}

func coerceBool(value any, present bool) bool {
	if !present {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func coerceInt64(value any, present bool, name string, logger *zap.Logger) int64 {
	if !present || value == nil {
		return 0
	}
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case string:
		if v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Warn("cannot coerce value to integer, using 0",
				zap.String("field", name),
				zap.String("value", v),
			)
			return 0
		}
		return n
	default:
		return 0
	}
}

func coerceFloat64(value any, present bool, name string, logger *zap.Logger) float64 {
	if !present || value == nil {
		return 0
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if v == "" {
			return 0
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Warn("cannot coerce value to float, using 0",
				zap.String("field", name),
				zap.String("value", v),
			)
			return 0
		}
		return f
	default:
		return 0
	}
}

func coerceString(value any, present bool) string {
	if !present || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// generatePrimaryKey derives a non-negative int64 key from a random
// UUID's most significant bytes.
func generatePrimaryKey() int64 {
	u := uuid.New()
	msb := binary.BigEndian.Uint64(u[0:8])
	return int64(msb & 0x7fffffffffffffff)
}
