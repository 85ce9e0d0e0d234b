// Package vectorstore implements the vector collection engine:
// lifecycle, record storage, semantic search, and document-scoped
// deletion, all team-isolated.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/audit"
	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/vectord/internal/vectorstore")

// WorkflowRegistry reports whether stored automation addresses a
// collection by name. A positive answer locks the collection's name.
type WorkflowRegistry interface {
	ReferencesCollection(ctx context.Context, name string) (bool, error)
}

// Engine is the vector store engine over a Milvus client.
type Engine struct {
	client    milvus.Client
	registry  *schema.Registry
	provider  embeddings.Provider
	gateway   crypto.Gateway
	auditSink audit.Sink
	workflows WorkflowRegistry
	logger    *zap.Logger
}

// NewEngine creates the engine. auditSink and workflows may be nil;
// audit becomes a no-op and no collection name is considered locked.
func NewEngine(
	client milvus.Client,
	registry *schema.Registry,
	provider embeddings.Provider,
	gateway crypto.Gateway,
	auditSink audit.Sink,
	workflows WorkflowRegistry,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		client:    client,
		registry:  registry,
		provider:  provider,
		gateway:   gateway,
		auditSink: auditSink,
		workflows: workflows,
		logger:    logger.Named("vectorstore"),
	}
}

// CreateCollectionRequest describes a collection to create.
type CreateCollectionRequest struct {
	Name           string
	Fields         []milvus.FieldSchema
	Description    string
	TeamID         string
	CollectionType string
	Properties     map[string]string
}

// CreateCollection creates, indexes, and loads a collection. The call
// is idempotent: an existing collection is only ensured loaded, its
// schema is never altered.
func (e *Engine) CreateCollection(ctx context.Context, req CreateCollectionRequest) error {
	ctx, span := tracer.Start(ctx, "vectorstore.CreateCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", req.Name),
		attribute.String("team_id", req.TeamID),
	)
	start := time.Now()

	exists, err := e.client.HasCollection(ctx, req.Name)
	if err != nil {
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: checking collection %s: %v", ErrStorage, req.Name, err))
	}

	if exists {
		if err := e.client.LoadCollection(ctx, req.Name); err != nil {
			e.logger.Warn("failed to load existing collection",
				zap.String("collection", req.Name),
				zap.Error(err),
			)
		}
		e.logger.Info("collection already exists, skipping creation",
			zap.String("collection", req.Name),
			zap.String("team_id", req.TeamID),
		)
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultSkipped, "collection already exists", start)
		return nil
	}

	vectorField := firstVectorField(req.Fields)
	if vectorField == "" {
		err := fmt.Errorf("%w: collection %s has no vector field", ErrValidation, req.Name)
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, err)
	}

	if err := e.client.CreateCollection(ctx, milvus.CollectionSchema{
		Name:        req.Name,
		Description: req.Description,
		Fields:      req.Fields,
		ShardNum:    ShardsNum,
	}); err != nil {
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: creating collection %s: %v", ErrStorage, req.Name, err))
	}

	if err := e.client.CreateIndex(ctx, req.Name, vectorField, milvus.IndexParams{
		MetricType:     MetricType,
		M:              IndexM,
		EfConstruction: IndexEfConstruction,
	}); err != nil {
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: indexing collection %s: %v", ErrStorage, req.Name, err))
	}

	if err := e.client.LoadCollection(ctx, req.Name); err != nil {
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: loading collection %s: %v", ErrStorage, req.Name, err))
	}

	props := map[string]string{
		schema.PropertyTeamID: req.TeamID,
	}
	if req.CollectionType != "" {
		props[schema.PropertyCollectionType] = req.CollectionType
	}
	for k, v := range req.Properties {
		props[k] = v
	}
	if err := e.client.AlterCollectionProperties(ctx, req.Name, props); err != nil {
		e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: stamping properties on %s: %v", ErrStorage, req.Name, err))
	}

	e.logger.Info("collection created",
		zap.String("collection", req.Name),
		zap.String("team_id", req.TeamID),
		zap.String("collection_type", req.CollectionType),
		zap.Duration("duration", time.Since(start)),
	)
	e.recordAudit(ctx, req.Name, req.TeamID, "CREATE", audit.ResultSuccess, "collection created", start)
	return nil
}

// DeleteCollection drops a collection. It refuses when the collection
// still holds rows, or when the caller does not own it.
func (e *Engine) DeleteCollection(ctx context.Context, name, teamID string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))
	start := time.Now()

	info, err := e.client.DescribeCollection(ctx, name)
	if err != nil {
		return e.fail(span, fmt.Errorf("%w: describe collection %s: %v", schema.ErrSchema, name, err))
	}
	if owner := info.Properties[schema.PropertyTeamID]; owner != "" && owner != teamID {
		return e.fail(span, fmt.Errorf("%w: collection %s belongs to another team", ErrForbidden, name))
	}

	rowCount, err := e.client.GetRowCount(ctx, name)
	if err != nil {
		return e.fail(span, fmt.Errorf("%w: row count for %s: %v", ErrStorage, name, err))
	}
	if rowCount > 0 {
		e.recordAudit(ctx, name, teamID, "DELETE", audit.ResultFailure,
			fmt.Sprintf("collection holds %d rows", rowCount), start)
		return e.fail(span, fmt.Errorf("%w: collection %s holds %d rows, delete its documents first", ErrConflict, name, rowCount))
	}

	if err := e.client.DropCollection(ctx, name); err != nil {
		e.recordAudit(ctx, name, teamID, "DELETE", audit.ResultFailure, err.Error(), start)
		return e.fail(span, fmt.Errorf("%w: dropping collection %s: %v", ErrStorage, name, err))
	}
	e.registry.Invalidate(name)

	e.logger.Info("collection deleted", zap.String("collection", name), zap.String("team_id", teamID))
	e.recordAudit(ctx, name, teamID, "DELETE", audit.ResultSuccess, "collection deleted", start)
	return nil
}

// UpdateCollectionMetadata updates collection properties. The caller
// must own the collection, and a name or alias change is refused while
// stored workflows reference the collection by name.
func (e *Engine) UpdateCollectionMetadata(ctx context.Context, name, teamID string, metadata map[string]string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.UpdateCollectionMetadata")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	info, err := e.client.DescribeCollection(ctx, name)
	if err != nil {
		return e.fail(span, fmt.Errorf("%w: describe collection %s: %v", schema.ErrSchema, name, err))
	}
	if owner := info.Properties[schema.PropertyTeamID]; owner != "" && owner != teamID {
		return e.fail(span, fmt.Errorf("%w: collection %s belongs to another team", ErrForbidden, name))
	}

	if alias, ok := metadata["alias"]; ok && alias != info.Properties["alias"] {
		locked, err := e.collectionNameLocked(ctx, name)
		if err != nil {
			e.logger.Warn("unable to determine collection name lock",
				zap.String("collection", name),
				zap.Error(err),
			)
		}
		if locked {
			return e.fail(span, fmt.Errorf("%w: collection %s is referenced by stored workflows, rename is not allowed", ErrConflict, name))
		}
	}

	if err := e.client.AlterCollectionProperties(ctx, name, metadata); err != nil {
		return e.fail(span, fmt.Errorf("%w: updating properties on %s: %v", ErrStorage, name, err))
	}

	e.logger.Info("collection metadata updated",
		zap.String("collection", name),
		zap.Int("properties", len(metadata)),
	)
	return nil
}

// VerifyCollection checks that a collection exists, is owned by the
// caller, and returns its details.
func (e *Engine) VerifyCollection(ctx context.Context, name, teamID string) (*CollectionDetails, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.VerifyCollection")
	defer span.End()

	info, err := e.client.DescribeCollection(ctx, name)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("%w: describe collection %s: %v", schema.ErrSchema, name, err))
	}
	if owner := info.Properties[schema.PropertyTeamID]; owner != "" && owner != teamID {
		return nil, e.fail(span, fmt.Errorf("%w: collection %s belongs to another team", ErrForbidden, name))
	}
	return e.describeDetails(ctx, info), nil
}

// ListCollections enumerates the caller's collections, optionally
// filtered by collection type.
func (e *Engine) ListCollections(ctx context.Context, teamID, typeFilter string) ([]CollectionDetails, error) {
	all, err := e.ListAllCollections(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []CollectionDetails
	for _, details := range all {
		if details.TeamID != teamID {
			continue
		}
		if typeFilter != "" && !strings.EqualFold(details.CollectionType, typeFilter) {
			continue
		}
		filtered = append(filtered, details)
	}
	return filtered, nil
}

// ListAllCollections describes every collection concurrently. A
// row-count failure yields "unknown" and a describe failure skips the
// collection; neither aborts the listing.
func (e *Engine) ListAllCollections(ctx context.Context) ([]CollectionDetails, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.ListAllCollections")
	defer span.End()

	names, err := e.client.ListCollections(ctx)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("%w: listing collections: %v", ErrStorage, err))
	}

	results := make([]*CollectionDetails, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			info, err := e.client.DescribeCollection(ctx, name)
			if err != nil {
				e.logger.Warn("describe failed during listing",
					zap.String("collection", name),
					zap.Error(err),
				)
				return
			}
			results[i] = e.describeDetails(ctx, info)
		}(i, name)
	}
	wg.Wait()

	details := make([]CollectionDetails, 0, len(results))
	for _, d := range results {
		if d != nil {
			details = append(details, *d)
		}
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	span.SetAttributes(attribute.Int("collections", len(details)))
	return details, nil
}

func (e *Engine) describeDetails(ctx context.Context, info *milvus.CollectionInfo) *CollectionDetails {
	details := &CollectionDetails{
		Name:           info.Name,
		TeamID:         info.Properties[schema.PropertyTeamID],
		CollectionType: info.Properties[schema.PropertyCollectionType],
		Description:    info.Description,
		Properties:     info.Properties,
		RowCount:       "unknown",
	}

	for _, f := range info.Fields {
		if f.DataType == milvus.DataTypeFloatVector {
			details.VectorField = f.Name
			details.VectorDimension = f.Dimension
			break
		}
	}

	if details.CollectionType == "" {
		details.CollectionType = inferCollectionType(info.Fields)
	}
	if info.Properties["collectionNameLocked"] == "true" {
		details.NameLocked = true
	}

	if count, err := e.client.GetRowCount(ctx, info.Name); err == nil {
		details.RowCount = fmt.Sprintf("%d", count)
	} else {
		e.logger.Debug("row count unavailable",
			zap.String("collection", info.Name),
			zap.Error(err),
		)
	}
	return details
}

func (e *Engine) collectionNameLocked(ctx context.Context, name string) (bool, error) {
	if e.workflows == nil {
		return false, nil
	}
	return e.workflows.ReferencesCollection(ctx, name)
}

// recordAudit emits a best-effort audit event; failures are logged and
// swallowed.
func (e *Engine) recordAudit(ctx context.Context, collection, teamID, action, result, message string, start time.Time) {
	if e.auditSink == nil {
		return
	}
	event := audit.Event{
		EventType:    "COLLECTION_LIFECYCLE",
		Action:       action,
		ResourceType: "collection",
		ResourceID:   collection,
		Message:      message,
		Context: map[string]string{
			"teamId":     teamID,
			"durationMs": fmt.Sprintf("%d", time.Since(start).Milliseconds()),
		},
		CollectionID: collection,
		Result:       result,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.auditSink.LogEvent(ctx, event); err != nil {
		e.logger.Warn("audit event failed",
			zap.String("collection", collection),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func firstVectorField(fields []milvus.FieldSchema) string {
	for _, f := range fields {
		if f.DataType == milvus.DataTypeFloatVector {
			return f.Name
		}
	}
	return ""
}

func inferCollectionType(fields []milvus.FieldSchema) string {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.Name] = true
	}
	for _, required := range []string{"embedding", "text", "documentId", "collectionId", "chunkId"} {
		if !names[required] {
			return schema.TypeGeneral
		}
	}
	return schema.TypeKnowledgeHub
}
