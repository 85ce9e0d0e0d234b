package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/chunking"
	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/schema"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/vectord/internal/ingest")

// VectorStore is the subset of engine operations the pipeline needs.
type VectorStore interface {
	StoreRecord(ctx context.Context, req vectorstore.StoreRecordRequest) (int64, error)
	DeleteDocumentEmbeddings(ctx context.Context, collection, documentID, teamID string) (int64, error)
}

// SchemaSource resolves collection schemas.
type SchemaSource interface {
	Describe(ctx context.Context, name string) (*schema.CollectionSchema, error)
}

// Options tunes the embedding pipeline.
type Options struct {
	// MaxContextTokens overrides the model context window. Zero means
	// derive it from the collection's vector dimension.
	MaxContextTokens int

	DefaultModelCategory string
	DefaultModelName     string
}

// Orchestrator runs the embedding stage for one document at a time.
// Chunks are embedded with overlapping windows and stored in order.
type Orchestrator struct {
	repo      DocumentRepository
	blobs     BlobStore
	store     VectorStore
	schemas   SchemaSource
	marshaler *vectorstore.Marshaler
	cache     *embeddings.Cache
	gateway   crypto.Gateway
	notifier  StatusNotifier
	opts      Options
	logger    *zap.Logger
}

// NewOrchestrator wires the embedding pipeline. notifier may be nil;
// a nil gateway skips processed-payload decryption.
func NewOrchestrator(
	repo DocumentRepository,
	blobs BlobStore,
	store VectorStore,
	schemas SchemaSource,
	marshaler *vectorstore.Marshaler,
	cache *embeddings.Cache,
	gateway crypto.Gateway,
	notifier StatusNotifier,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		blobs:     blobs,
		store:     store,
		schemas:   schemas,
		marshaler: marshaler,
		cache:     cache,
		gateway:   gateway,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.Named("ingest"),
	}
}

// EmbedRequest asks for one document to be embedded into a collection.
type EmbedRequest struct {
	DocumentID    string
	Collection    string
	TeamID        string
	ModelCategory string
	ModelName     string
}

// EmbedResult summarizes a completed embedding run.
type EmbedResult struct {
	DocumentID string `json:"documentId"`
	Embeddings int    `json:"embeddings"`
	Windows    int    `json:"windows"`
	Deleted    int64  `json:"deleted"`
}

// EmbedDocument runs the full pipeline for one document: validate the
// document and its processed payload, clear any previously stored rows,
// transition to EMBEDDING, embed every chunk, store the records in
// chunk order, and finalize the status. Validation failures reject the
// request before anything is mutated; failures past that point mark
// the document FAILED.
func (o *Orchestrator) EmbedDocument(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.EmbedDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", req.DocumentID),
		attribute.String("collection", req.Collection),
	)
	start := time.Now()

	doc, err := o.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, o.fail(span, fmt.Errorf("loading document %s: %w", req.DocumentID, err))
	}
	if !CanStartEmbedding(doc.Status) {
		return nil, o.fail(span, fmt.Errorf("%w: document %s in status %s cannot start embedding",
			ErrState, doc.ID, doc.Status))
	}
	if req.TeamID == "" {
		req.TeamID = doc.TeamID
	}
	if doc.TeamID != "" && req.TeamID != doc.TeamID {
		return nil, o.fail(span, fmt.Errorf("%w: document %s belongs to another team",
			vectorstore.ErrForbidden, doc.ID))
	}

	// The processed payload is a precondition: a document without one
	// must be rejected before any prior embeddings are touched.
	processed, err := o.blobs.FetchProcessed(ctx, doc.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, o.fail(span, fmt.Errorf("%w: document %s has no processed payload",
				vectorstore.ErrValidation, doc.ID))
		}
		return nil, o.fail(span, fmt.Errorf("fetching processed document %s: %w", doc.ID, err))
	}
	if len(processed.Chunks) == 0 {
		return nil, o.fail(span, fmt.Errorf("%w: document %s has no chunks to embed",
			vectorstore.ErrValidation, doc.ID))
	}

	deleted, err := o.store.DeleteDocumentEmbeddings(ctx, req.Collection, doc.ID, req.TeamID)
	if err != nil {
		deleted = 0
		o.logger.Warn("clearing previous embeddings failed, continuing",
			zap.String("document_id", doc.ID),
			zap.String("collection", req.Collection),
			zap.Error(err),
		)
	}

	o.transition(ctx, doc, StatusEmbedding, 0, "")

	result, err := o.run(ctx, doc, req, processed, deleted)
	if err != nil {
		o.transition(ctx, doc, StatusFailed, 0, err.Error())
		return nil, o.fail(span, err)
	}

	o.transition(ctx, doc, StatusAIReady, result.Embeddings, "")
	o.logger.Info("document embedded",
		zap.String("document_id", doc.ID),
		zap.String("collection", req.Collection),
		zap.Int("embeddings", result.Embeddings),
		zap.Int("windows", result.Windows),
		zap.Int64("replaced", result.Deleted),
		zap.Duration("duration", time.Since(start)),
	)
	span.SetAttributes(attribute.Int("embeddings", result.Embeddings))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, doc *Document, req EmbedRequest, processed *ProcessedDocument, deleted int64) (*EmbedResult, error) {
	o.decryptProcessed(doc, processed)

	cs, err := o.schemas.Describe(ctx, req.Collection)
	if err != nil {
		return nil, err
	}

	modelName := req.ModelName
	if modelName == "" {
		modelName = o.opts.DefaultModelName
	}
	modelCategory := req.ModelCategory
	if modelCategory == "" {
		modelCategory = o.opts.DefaultModelCategory
	}

	dimension := 0
	if f, ok := cs.Fields[cs.VectorField]; ok {
		dimension = f.Dimension
	}
	maxTokens := chunking.ResolveContextWindow(o.opts.MaxContextTokens, dimension)

	vectors, windowCount, err := o.embedChunks(ctx, doc.ID, req.TeamID, modelCategory, modelName, processed.Chunks, maxTokens)
	if err != nil {
		return nil, err
	}

	metadata := processed.Metadata
	if metadata == nil {
		metadata = doc.Metadata
	}
	language := processed.Language
	if language == "" {
		language = doc.Language
	}

	stored := 0
	for i, chunk := range processed.Chunks {
		vector, ok := vectors[i]
		if !ok {
			continue
		}
		record, err := o.marshaler.BuildRecord(cs, vectorstore.RecordInput{
			DocumentID:         doc.ID,
			CollectionID:       doc.CollectionID,
			TeamID:             req.TeamID,
			FileName:           doc.FileName,
			MimeType:           doc.MimeType,
			Chunk:              chunk,
			ResolvedChunkIndex: i,
			FallbackLanguage:   language,
			Metadata:           metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("building record for chunk %d: %w", i, err)
		}
		if _, err := o.store.StoreRecord(ctx, vectorstore.StoreRecordRequest{
			Collection:    req.Collection,
			Record:        record,
			TeamID:        req.TeamID,
			TextField:     cs.TextField,
			ModelCategory: modelCategory,
			ModelName:     modelName,
			Embedding:     vector,
		}); err != nil {
			return nil, fmt.Errorf("storing chunk %d: %w", i, err)
		}
		stored++
	}

	return &EmbedResult{
		DocumentID: doc.ID,
		Embeddings: stored,
		Windows:    windowCount,
		Deleted:    deleted,
	}, nil
}

// embedChunks produces one vector per non-empty chunk. When the chunk
// sequence is long enough, overlapping windows are embedded once each
// and pooled back per chunk; chunks left uncovered fall back to a
// direct embedding.
func (o *Orchestrator) embedChunks(
	ctx context.Context,
	documentID, teamID, modelCategory, modelName string,
	chunks []chunking.Chunk,
	maxTokens int,
) (map[int][]float32, int, error) {
	windows := chunking.BuildWindows(chunks, maxTokens, chunking.Stride(maxTokens))

	vectors := make(map[int][]float32, len(chunks))

	var pooled map[int][][]float32
	if len(windows) > 0 {
		windowVectors := make([][]float32, len(windows))
		for i, w := range windows {
			key := embeddings.WindowKey(documentID, modelName, w.StartIndex, w.EndIndex)
			vector, err := o.cache.GetOrCompute(ctx, key,
				chunking.EnforceTokenLimit(w.Text, maxTokens), modelCategory, modelName, teamID)
			if err != nil {
				return nil, 0, fmt.Errorf("embedding window [%d-%d]: %w", w.StartIndex, w.EndIndex, err)
			}
			windowVectors[i] = vector
		}
		pooled = chunking.PoolWindowEmbeddings(windows, windowVectors, len(chunks))
	}

	for i, chunk := range chunks {
		if strings.TrimSpace(chunk.Text) == "" {
			continue
		}
		if vector := chunking.Average(pooled[i]); vector != nil {
			vectors[i] = vector
			continue
		}

		key := embeddings.ChunkIndexKey(documentID, modelName, i)
		if chunk.ID != "" {
			key = embeddings.ChunkIDKey(documentID, modelName, chunk.ID)
		}
		vector, err := o.cache.GetOrCompute(ctx, key,
			chunking.EnforceTokenLimit(chunk.Text, maxTokens), modelCategory, modelName, teamID)
		if err != nil {
			return nil, 0, fmt.Errorf("embedding chunk %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, len(windows), nil
}

// decryptProcessed decrypts chunk text and extracted metadata with the
// document's recorded key version. A chunk that fails to decrypt keeps
// its stored text; the run continues.
func (o *Orchestrator) decryptProcessed(doc *Document, processed *ProcessedDocument) {
	if o.gateway == nil {
		return
	}
	keyVersion := doc.EncryptionKeyVersion
	if keyVersion == "" {
		keyVersion = crypto.LegacyKeyVersion
	}

	decrypt := func(value string) string {
		if value == "" {
			return value
		}
		plaintext, err := o.gateway.Decrypt(doc.TeamID, keyVersion, value)
		if err != nil {
			return value
		}
		return plaintext
	}

	for i := range processed.Chunks {
		processed.Chunks[i].Text = decrypt(processed.Chunks[i].Text)
	}
	if m := processed.Metadata; m != nil {
		m.Title = decrypt(m.Title)
		m.Author = decrypt(m.Author)
		m.Subject = decrypt(m.Subject)
		m.Category = decrypt(m.Category)
	}
}

// transition persists and broadcasts a status change. Both are
// best-effort: the pipeline outcome is decided by the embedding work,
// not by bookkeeping.
func (o *Orchestrator) transition(ctx context.Context, doc *Document, status string, count int, errorMessage string) {
	if err := o.repo.UpdateStatus(ctx, doc.ID, status, count, errorMessage); err != nil {
		o.logger.Warn("status update failed",
			zap.String("document_id", doc.ID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
	doc.Status = status

	if o.notifier == nil {
		return
	}
	event := StatusEvent{
		DocumentID:   doc.ID,
		CollectionID: doc.CollectionID,
		TeamID:       doc.TeamID,
		Status:       status,
		Embeddings:   count,
		Timestamp:    time.Now().UTC(),
	}
	if err := o.notifier.NotifyStatus(ctx, event); err != nil {
		o.logger.Warn("status broadcast failed",
			zap.String("document_id", doc.ID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
