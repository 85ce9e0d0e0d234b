// Package milvustest provides an in-memory fake of the milvus.Client
// interface for tests.
package milvustest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/vectord/internal/milvus"
)

// FakeCollection holds the in-memory state of one collection.
type FakeCollection struct {
	Schema     milvus.CollectionSchema
	Properties map[string]string
	Loaded     bool
	Indexed    bool
	IndexField string
	Index      milvus.IndexParams
	Rows       []map[string]any
}

// Fake is an in-memory milvus.Client. Error injection uses FailNext;
// Search returns canned results via SearchResults or SearchFunc.
type Fake struct {
	mu          sync.Mutex
	collections map[string]*FakeCollection

	// Calls counts invocations per operation name.
	Calls map[string]int

	// failures maps operation name to an error returned on the next
	// call of that operation (consumed once).
	failures map[string]error

	// SearchResults is returned by Search when SearchFunc is nil.
	SearchResults []milvus.SearchHit

	// SearchFunc, when set, computes Search results per request.
	SearchFunc func(req milvus.SearchRequest) ([]milvus.SearchHit, error)

	// LastSearch records the most recent search request.
	LastSearch milvus.SearchRequest

	// RowCountOverride, when non-negative, is returned by GetRowCount
	// for every collection.
	RowCountOverride int64
}

// NewFake returns an empty fake client.
func NewFake() *Fake {
	return &Fake{
		collections:      make(map[string]*FakeCollection),
		Calls:            make(map[string]int),
		failures:         make(map[string]error),
		RowCountOverride: -1,
	}
}

// FailNext makes the next call of the named operation return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Collection returns the named collection's state, or nil.
func (f *Fake) Collection(name string) *FakeCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collections[name]
}

// AddCollection seeds a collection directly.
func (f *Fake) AddCollection(schema milvus.CollectionSchema) *FakeCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll := &FakeCollection{
		Schema:     schema,
		Properties: make(map[string]string),
	}
	for k, v := range schema.Properties {
		coll.Properties[k] = v
	}
	f.collections[schema.Name] = coll
	return coll
}

func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *Fake) HasCollection(_ context.Context, name string) (bool, error) {
	if err := f.begin("HasCollection"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *Fake) CreateCollection(_ context.Context, schema milvus.CollectionSchema) error {
	if err := f.begin("CreateCollection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[schema.Name]; ok {
		return fmt.Errorf("collection %s already exists", schema.Name)
	}
	coll := &FakeCollection{
		Schema:     schema,
		Properties: make(map[string]string),
	}
	for k, v := range schema.Properties {
		coll.Properties[k] = v
	}
	f.collections[schema.Name] = coll
	return nil
}

func (f *Fake) CreateIndex(_ context.Context, collection, field string, params milvus.IndexParams) error {
	if err := f.begin("CreateIndex"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	coll.Indexed = true
	coll.IndexField = field
	coll.Index = params
	return nil
}

func (f *Fake) LoadCollection(_ context.Context, name string) error {
	if err := f.begin("LoadCollection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[name]
	if !ok {
		return fmt.Errorf("collection %s not found", name)
	}
	coll.Loaded = true
	return nil
}

func (f *Fake) DescribeCollection(_ context.Context, name string) (*milvus.CollectionInfo, error) {
	if err := f.begin("DescribeCollection"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	props := make(map[string]string, len(coll.Properties))
	for k, v := range coll.Properties {
		props[k] = v
	}
	return &milvus.CollectionInfo{
		Name:        name,
		Description: coll.Schema.Description,
		Fields:      append([]milvus.FieldSchema(nil), coll.Schema.Fields...),
		Properties:  props,
		Loaded:      coll.Loaded,
		ShardNum:    coll.Schema.ShardNum,
	}, nil
}

func (f *Fake) GetRowCount(_ context.Context, name string) (int64, error) {
	if err := f.begin("GetRowCount"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RowCountOverride >= 0 {
		return f.RowCountOverride, nil
	}
	coll, ok := f.collections[name]
	if !ok {
		return 0, fmt.Errorf("collection %s not found", name)
	}
	return int64(len(coll.Rows)), nil
}

func (f *Fake) ListCollections(_ context.Context) ([]string, error) {
	if err := f.begin("ListCollections"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	return names, nil
}

func (f *Fake) DropCollection(_ context.Context, name string) error {
	if err := f.begin("DropCollection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *Fake) AlterCollectionProperties(_ context.Context, name string, props map[string]string) error {
	if err := f.begin("AlterCollectionProperties"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[name]
	if !ok {
		return fmt.Errorf("collection %s not found", name)
	}
	for k, v := range props {
		coll.Properties[k] = v
	}
	return nil
}

func (f *Fake) Insert(_ context.Context, collection string, columns []milvus.Column) error {
	if err := f.begin("Insert"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}

	rowCount := 0
	for _, col := range columns {
		if n := columnLen(col); n > rowCount {
			rowCount = n
		}
	}
	for i := 0; i < rowCount; i++ {
		row := make(map[string]any, len(columns))
		for _, col := range columns {
			if v, ok := columnValue(col, i); ok {
				row[col.Name] = v
			}
		}
		coll.Rows = append(coll.Rows, row)
	}
	return nil
}

func (f *Fake) Search(_ context.Context, req milvus.SearchRequest) ([]milvus.SearchHit, error) {
	if err := f.begin("Search"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.LastSearch = req
	fn := f.SearchFunc
	canned := f.SearchResults
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return canned, nil
}

func (f *Fake) Query(_ context.Context, collection, expr string, outputFields []string, limit int) ([]map[string]any, error) {
	if err := f.begin("Query"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", collection)
	}

	var rows []map[string]any
	for _, row := range coll.Rows {
		if !matchExpr(row, expr) {
			continue
		}
		projected := make(map[string]any, len(outputFields))
		if len(outputFields) == 0 {
			for k, v := range row {
				projected[k] = v
			}
		} else {
			for _, field := range outputFields {
				if v, ok := row[field]; ok {
					projected[field] = v
				}
			}
		}
		rows = append(rows, projected)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func (f *Fake) Delete(_ context.Context, collection, expr string) error {
	if err := f.begin("Delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	kept := coll.Rows[:0]
	for _, row := range coll.Rows {
		if !matchExpr(row, expr) {
			kept = append(kept, row)
		}
	}
	coll.Rows = kept
	return nil
}

func (f *Fake) Flush(_ context.Context, collection string) error {
	return f.begin("Flush")
}

func (f *Fake) Health(_ context.Context) error {
	return f.begin("Health")
}

func (f *Fake) Close() error {
	return nil
}

// matchExpr evaluates conjunctions of `field == value` terms, which is
// the only expression shape the engine emits.
func matchExpr(row map[string]any, expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	for _, term := range strings.Split(expr, "&&") {
		parts := strings.SplitN(term, "==", 2)
		if len(parts) != 2 {
			return false
		}
		field := strings.TrimSpace(parts[0])
		want := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		got, ok := row[field]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func columnLen(col milvus.Column) int {
	switch values := col.Values.(type) {
	case []bool:
		return len(values)
	case []int64:
		return len(values)
	case []float32:
		return len(values)
	case []float64:
		return len(values)
	case []string:
		return len(values)
	case [][]float32:
		return len(values)
	default:
		return 0
	}
}

func columnValue(col milvus.Column, i int) (any, bool) {
	switch values := col.Values.(type) {
	case []bool:
		if i < len(values) {
			return values[i], true
		}
	case []int64:
		if i < len(values) {
			return values[i], true
		}
	case []float32:
		if i < len(values) {
			return values[i], true
		}
	case []float64:
		if i < len(values) {
			return values[i], true
		}
	case []string:
		if i < len(values) {
			return values[i], true
		}
	case [][]float32:
		if i < len(values) {
			return values[i], true
		}
	}
	return nil, false
}

var _ milvus.Client = (*Fake)(nil)
