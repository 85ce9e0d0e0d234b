package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

const encryptionKeyVersionField = "encryptionKeyVersion"

// QueryRequest is a vector similarity query against one collection.
type QueryRequest struct {
	Collection   string
	Vector       []float32
	TopK         int
	OutputFields []string
	TeamID       string
}

// Query runs a team-scoped similarity search and decrypts the text
// field of every hit. A hit whose ciphertext cannot be decrypted is
// returned as-is rather than dropped.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", req.Collection),
		attribute.Int("top_k", req.TopK),
	)

	cs, err := e.registry.Describe(ctx, req.Collection)
	if err != nil {
		return nil, e.fail(span, err)
	}

	hits, err := e.search(ctx, cs, req.Vector, req.TopK, req.OutputFields, teamFilter(cs, req.TeamID))
	if err != nil {
		return nil, e.fail(span, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, e.toResult(cs, req.TeamID, hit))
	}
	span.SetAttributes(attribute.Int("hits", len(results)))
	return results, nil
}

// VerifyRequest checks whether text is already stored in a collection.
type VerifyRequest struct {
	Collection    string
	Text          string
	TeamID        string
	Filters       map[string]string
	ModelCategory string
	ModelName     string
}

// VerifyRecord embeds the text and looks for it in the collection. An
// exact case-insensitive text match is reported as such; otherwise the
// closest hit is classified by its metric distance. No match is a
// Found=false result, not an error.
func (e *Engine) VerifyRecord(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.VerifyRecord")
	defer span.End()
	span.SetAttributes(attribute.String("collection", req.Collection))

	if strings.TrimSpace(req.Text) == "" {
		return nil, e.fail(span, fmt.Errorf("%w: search text is required", ErrValidation))
	}

	cs, err := e.registry.Describe(ctx, req.Collection)
	if err != nil {
		return nil, e.fail(span, err)
	}

	vector, err := e.provider.Embed(ctx, req.Text, req.ModelCategory, req.ModelName, req.TeamID)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("embedding search text: %w", err))
	}

	expr := combineExpr(teamFilter(cs, req.TeamID), filterExpr(req.Filters))
	hits, err := e.search(ctx, cs, vector, 5, nil, expr)
	if err != nil {
		return nil, e.fail(span, err)
	}

	if len(hits) == 0 {
		return &VerifyResult{Found: false, SearchText: req.Text}, nil
	}

	best := e.toResult(cs, req.TeamID, hits[0])
	result := &VerifyResult{
		Found:      true,
		ID:         best.ID,
		Text:       best.Text,
		Distance:   best.Distance,
		SearchText: req.Text,
		Metadata:   best.Metadata,
		MatchType:  classifyDistance(best.Distance),
	}
	for _, hit := range hits {
		candidate := e.toResult(cs, req.TeamID, hit)
		if strings.EqualFold(strings.TrimSpace(candidate.Text), strings.TrimSpace(req.Text)) {
			result.ID = candidate.ID
			result.Text = candidate.Text
			result.Distance = candidate.Distance
			result.Metadata = candidate.Metadata
			result.MatchType = MatchExact
			break
		}
	}
	return result, nil
}

// DeleteDocumentEmbeddings removes every row of one document from a
// collection and returns how many were removed. A missing collection
// deletes nothing and is not an error.
func (e *Engine) DeleteDocumentEmbeddings(ctx context.Context, collection, documentID, teamID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteDocumentEmbeddings")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("document_id", documentID),
	)

	exists, err := e.client.HasCollection(ctx, collection)
	if err != nil {
		return 0, e.fail(span, fmt.Errorf("%w: checking collection %s: %v", ErrStorage, collection, err))
	}
	if !exists {
		return 0, nil
	}

	count, err := e.CountDocumentEmbeddings(ctx, collection, documentID, teamID)
	if err != nil {
		return 0, e.fail(span, err)
	}
	if count == 0 {
		return 0, nil
	}

	expr := documentExpr(documentID, teamID)
	if err := e.client.Delete(ctx, collection, expr); err != nil {
		return 0, e.fail(span, fmt.Errorf("%w: deleting document %s from %s: %v", ErrStorage, documentID, collection, err))
	}
	if err := e.client.Flush(ctx, collection); err != nil {
		e.logger.Warn("flush after delete failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}

	e.logger.Info("document embeddings deleted",
		zap.String("collection", collection),
		zap.String("document_id", documentID),
		zap.Int64("count", count),
	)
	span.SetAttributes(attribute.Int64("deleted", count))
	return count, nil
}

// CountDocumentEmbeddings counts a document's rows in a collection.
func (e *Engine) CountDocumentEmbeddings(ctx context.Context, collection, documentID, teamID string) (int64, error) {
	rows, err := e.client.Query(ctx, collection, documentExpr(documentID, teamID), []string{"chunkId"}, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: counting document %s in %s: %v", ErrStorage, documentID, collection, err)
	}
	return int64(len(rows)), nil
}

// search issues the raw similarity search, expanding output fields per
// the collection type and retrying once after loading an unloaded
// collection.
func (e *Engine) search(ctx context.Context, cs *schema.CollectionSchema, vector []float32, topK int, outputFields []string, expr string) ([]milvus.SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	req := milvus.SearchRequest{
		Collection:   cs.Name,
		Vector:       vector,
		VectorField:  cs.VectorField,
		Expr:         expr,
		OutputFields: e.resolveOutputFields(cs, outputFields),
		TopK:         topK,
		MetricType:   MetricType,
		SearchEf:     SearchEf,
	}

	hits, err := e.client.Search(ctx, req)
	if err != nil && isNotLoaded(err) {
		e.logger.Info("collection not loaded, loading and retrying",
			zap.String("collection", cs.Name),
		)
		if loadErr := e.client.LoadCollection(ctx, cs.Name); loadErr != nil {
			return nil, fmt.Errorf("%w: loading collection %s: %v", ErrStorage, cs.Name, loadErr)
		}
		hits, err = e.client.Search(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: searching %s: %v", ErrStorage, cs.Name, err)
	}
	return hits, nil
}

// resolveOutputFields filters the requested fields to the schema, adds
// the team and key-version fields when present, and merges the default
// provenance fields for knowledge hub collections.
func (e *Engine) resolveOutputFields(cs *schema.CollectionSchema, requested []string) []string {
	seen := make(map[string]bool)
	var fields []string
	add := func(name string) {
		if name == "" || seen[name] || !cs.HasField(name) {
			return
		}
		seen[name] = true
		fields = append(fields, name)
	}

	for _, f := range requested {
		add(f)
	}
	if len(fields) == 0 {
		add(cs.TextField)
	}
	add(schema.PropertyTeamID)
	add(encryptionKeyVersionField)

	if strings.EqualFold(cs.CollectionType, schema.TypeKnowledgeHub) {
		add(cs.TextField)
		for _, f := range knowledgeHubDefaultOutFields {
			add(f)
		}
	}
	return fields
}

// toResult decrypts the hit's text and splits the remaining fields
// into metadata.
func (e *Engine) toResult(cs *schema.CollectionSchema, teamID string, hit milvus.SearchHit) SearchResult {
	result := SearchResult{
		ID:       hit.ID,
		Distance: hit.Score,
		Metadata: make(map[string]any, len(hit.Fields)),
	}

	keyVersion := crypto.LegacyKeyVersion
	if v, ok := hit.Fields[encryptionKeyVersionField].(string); ok && v != "" {
		keyVersion = v
	}

	for name, value := range hit.Fields {
		if name == cs.TextField {
			text, _ := value.(string)
			if plaintext, err := e.gateway.Decrypt(teamID, keyVersion, text); err == nil {
				result.Text = plaintext
			} else {
				e.logger.Warn("decryption failed, returning stored text",
					zap.String("collection", cs.Name),
					zap.Int64("id", hit.ID),
					zap.String("key_version", keyVersion),
					zap.Error(err),
				)
				result.Text = text
			}
			continue
		}
		result.Metadata[name] = value
	}
	if len(result.Metadata) == 0 {
		result.Metadata = nil
	}
	return result
}

func teamFilter(cs *schema.CollectionSchema, teamID string) string {
	if teamID == "" || !cs.HasField(schema.PropertyTeamID) {
		return ""
	}
	return fmt.Sprintf("%s == %q", schema.PropertyTeamID, teamID)
}

func filterExpr(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s == %q", k, filters[k]))
	}
	return strings.Join(parts, " && ")
}

func combineExpr(exprs ...string) string {
	var parts []string
	for _, e := range exprs {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, " && ")
}

func documentExpr(documentID, teamID string) string {
	return combineExpr(
		fmt.Sprintf("documentId == %q", documentID),
		fmt.Sprintf("%s == %q", schema.PropertyTeamID, teamID),
	)
}

func isNotLoaded(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not loaded")
}
