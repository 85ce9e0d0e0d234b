package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/chunking"
	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

const testTeam = "team-a"

type memRepo struct {
	mu        sync.Mutex
	docs      map[string]*Document
	statusLog []string
	lastTotal int
}

func newMemRepo(docs ...*Document) *memRepo {
	r := &memRepo{docs: make(map[string]*Document)}
	for _, d := range docs {
		r.docs[d.ID] = d
	}
	return r
}

func (r *memRepo) GetDocument(_ context.Context, id string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *doc
	return &copied, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id, status string, totalEmbeddings int, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	doc.Status = status
	doc.TotalEmbeddings = totalEmbeddings
	doc.ErrorMessage = errorMessage
	r.statusLog = append(r.statusLog, status)
	r.lastTotal = totalEmbeddings
	return nil
}

type memBlobs struct {
	docs map[string]*ProcessedDocument
}

func (b *memBlobs) FetchProcessed(_ context.Context, documentID string) (*ProcessedDocument, error) {
	doc, ok := b.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: processed payload for %s", ErrNotFound, documentID)
	}
	return doc, nil
}

type fakeStore struct {
	mu        sync.Mutex
	records   []vectorstore.StoreRecordRequest
	ops       []string
	deleted   int64
	storeErr  error
	deleteErr error
	onDelete  func()
}

func (s *fakeStore) StoreRecord(_ context.Context, req vectorstore.StoreRecordRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return 0, s.storeErr
	}
	s.records = append(s.records, req)
	s.ops = append(s.ops, "store")
	return int64(len(s.records)), nil
}

func (s *fakeStore) DeleteDocumentEmbeddings(_ context.Context, _, _, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "delete")
	if s.onDelete != nil {
		s.onDelete()
	}
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return s.deleted, nil
}

type staticSchemas struct {
	cs *schema.CollectionSchema
}

func (s *staticSchemas) Describe(context.Context, string) (*schema.CollectionSchema, error) {
	return s.cs, nil
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (p *countingProvider) Embed(_ context.Context, text, _, _, _ string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls++
	p.texts = append(p.texts, text)
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *recordingNotifier) NotifyStatus(_ context.Context, event StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func testSchema() *schema.CollectionSchema {
	fields := map[string]milvus.FieldSchema{
		"id":                   {Name: "id", DataType: milvus.DataTypeInt64, IsPrimaryKey: true},
		"embedding":            {Name: "embedding", DataType: milvus.DataTypeFloatVector, Dimension: 4},
		"text":                 {Name: "text", DataType: milvus.DataTypeVarChar, MaxLength: 5000},
		"documentId":           {Name: "documentId", DataType: milvus.DataTypeVarChar},
		"collectionId":         {Name: "collectionId", DataType: milvus.DataTypeVarChar},
		"chunkId":              {Name: "chunkId", DataType: milvus.DataTypeVarChar},
		"chunkIndex":           {Name: "chunkIndex", DataType: milvus.DataTypeInt64},
		"teamId":               {Name: "teamId", DataType: milvus.DataTypeVarChar},
		"encryptionKeyVersion": {Name: "encryptionKeyVersion", DataType: milvus.DataTypeVarChar},
		"tokenCount":           {Name: "tokenCount", DataType: milvus.DataTypeInt64},
		"language":             {Name: "language", DataType: milvus.DataTypeVarChar},
		"createdAt":            {Name: "createdAt", DataType: milvus.DataTypeInt64},
	}
	return &schema.CollectionSchema{
		Name:               "kh_docs",
		Fields:             fields,
		VectorField:        "embedding",
		TextField:          "text",
		TextFieldMaxLength: 5000,
		CollectionType:     schema.TypeKnowledgeHub,
	}
}

func testMarshaler(t *testing.T) *vectorstore.Marshaler {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
	gw, err := crypto.NewAESGateway(crypto.Config{
		Keys:           map[string]string{"v1": key},
		CurrentVersion: "v1",
	})
	require.NoError(t, err)
	return vectorstore.NewMarshaler(gw, zap.NewNop())
}

type pipeline struct {
	orch     *Orchestrator
	repo     *memRepo
	store    *fakeStore
	provider *countingProvider
	notifier *recordingNotifier
}

func newPipeline(t *testing.T, doc *Document, processed *ProcessedDocument, opts Options) *pipeline {
	t.Helper()
	repo := newMemRepo(doc)
	store := &fakeStore{deleted: 4}
	provider := &countingProvider{}
	notifier := &recordingNotifier{}
	cache := embeddings.NewCache(embeddings.NewMemoryBackend(), provider, embeddings.DefaultCacheTTL, zap.NewNop(), nil)

	blobs := &memBlobs{docs: map[string]*ProcessedDocument{}}
	if processed != nil {
		blobs.docs[doc.ID] = processed
	}
	orch := NewOrchestrator(
		repo,
		blobs,
		store,
		&staticSchemas{cs: testSchema()},
		testMarshaler(t),
		cache,
		nil,
		notifier,
		opts,
		zap.NewNop(),
	)
	return &pipeline{orch: orch, repo: repo, store: store, provider: provider, notifier: notifier}
}

func chunkOfTokens(index, tokens int) chunking.Chunk {
	return chunking.Chunk{
		ID:         fmt.Sprintf("chunk-%d", index),
		Index:      index,
		Text:       strings.Repeat("x", 40) + fmt.Sprintf(" #%d", index),
		TokenCount: tokens,
	}
}

func TestEmbedDocumentWindows(t *testing.T) {
	doc := &Document{ID: "d1", CollectionID: "c1", TeamID: testTeam, FileName: "a.pdf",
		MimeType: "application/pdf", Status: StatusAIReady}
	processed := &ProcessedDocument{
		DocumentID: "d1",
		Language:   "en",
		Chunks: []chunking.Chunk{
			chunkOfTokens(0, 2000),
			chunkOfTokens(1, 500),
			chunkOfTokens(2, 3000),
		},
	}
	p := newPipeline(t, doc, processed, Options{MaxContextTokens: 4096})

	result, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1",
		Collection: "kh_docs",
		TeamID:     testTeam,
		ModelName:  "embed-small",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Embeddings)
	assert.Equal(t, 2, result.Windows)
	assert.Equal(t, int64(4), result.Deleted)

	// Prior rows are cleared before anything is stored.
	require.NotEmpty(t, p.store.ops)
	assert.Equal(t, "delete", p.store.ops[0])

	// Records land in chunk order with precomputed vectors.
	require.Len(t, p.store.records, 3)
	for i, rec := range p.store.records {
		assert.Equal(t, "kh_docs", rec.Collection)
		assert.Len(t, rec.Embedding, 4)
		assert.Equal(t, int64(i), rec.Record["chunkIndex"])
		assert.Equal(t, "d1", rec.Record["documentId"])
	}

	// Two windows embedded, no per-chunk fallback calls.
	assert.Equal(t, 2, p.provider.calls)

	assert.Equal(t, []string{StatusEmbedding, StatusAIReady}, p.repo.statusLog)
	assert.Equal(t, 3, p.repo.lastTotal)
	require.Len(t, p.notifier.events, 2)
	assert.Equal(t, StatusEmbedding, p.notifier.events[0].Status)
	assert.Equal(t, StatusAIReady, p.notifier.events[1].Status)
	assert.Equal(t, 3, p.notifier.events[1].Embeddings)
}

func TestEmbedDocumentReusesCache(t *testing.T) {
	doc := &Document{ID: "d1", CollectionID: "c1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{
		DocumentID: "d1",
		Chunks:     []chunking.Chunk{chunkOfTokens(0, 2000), chunkOfTokens(1, 500)},
	}
	p := newPipeline(t, doc, processed, Options{MaxContextTokens: 3000})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam, ModelName: "embed-small",
	})
	require.NoError(t, err)
	firstCalls := p.provider.calls

	_, err = p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam, ModelName: "embed-small",
	})
	require.NoError(t, err)
	assert.Equal(t, firstCalls, p.provider.calls)
}

func TestEmbedDocumentSkipsBlankChunks(t *testing.T) {
	doc := &Document{ID: "d1", CollectionID: "c1", TeamID: testTeam, Status: StatusMetadataExtraction}
	processed := &ProcessedDocument{
		DocumentID: "d1",
		Chunks: []chunking.Chunk{
			{Index: -1, Text: "first chunk"},
			{Index: -1, Text: "   "},
			{Index: -1, Text: "third chunk"},
		},
	}
	p := newPipeline(t, doc, processed, Options{MaxContextTokens: 3000})

	result, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Embeddings)

	require.Len(t, p.store.records, 2)
	assert.Equal(t, int64(0), p.store.records[0].Record["chunkIndex"])
	assert.Equal(t, int64(2), p.store.records[1].Record["chunkIndex"])
}

func TestEmbedDocumentInvalidStatus(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: "QUEUED"}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	assert.ErrorIs(t, err, ErrState)
	assert.Empty(t, p.store.ops)
	assert.Empty(t, p.repo.statusLog)
}

func TestEmbedDocumentFailureMarksFailed(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})
	p.provider.err = errors.New("provider down")

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.Error(t, err)
	assert.Equal(t, []string{StatusEmbedding, StatusFailed}, p.repo.statusLog)
	require.Len(t, p.notifier.events, 2)
	assert.Equal(t, StatusFailed, p.notifier.events[1].Status)
}

func TestEmbedDocumentStoreFailure(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})
	p.store.storeErr = errors.New("insert rejected")

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.Error(t, err)
	assert.Equal(t, []string{StatusEmbedding, StatusFailed}, p.repo.statusLog)
}

func TestEmbedDocumentUnknownDocument(t *testing.T) {
	p := newPipeline(t, &Document{ID: "other", Status: StatusAIReady},
		&ProcessedDocument{DocumentID: "other"}, Options{})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "missing", Collection: "kh_docs", TeamID: testTeam,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmbedDocumentToleratesDeleteFailure(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})
	p.store.deleteErr = errors.New("delete timeout")

	result, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Embeddings)
	assert.Zero(t, result.Deleted)
	assert.Equal(t, []string{StatusEmbedding, StatusAIReady}, p.repo.statusLog)
}

func TestEmbedDocumentMissingPayloadRejected(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	p := newPipeline(t, doc, nil, Options{})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	assert.ErrorIs(t, err, vectorstore.ErrValidation)
	// A rejected document keeps its prior embeddings and status.
	assert.Empty(t, p.store.ops)
	assert.Empty(t, p.repo.statusLog)
	stored, getErr := p.repo.GetDocument(context.Background(), "d1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusAIReady, stored.Status)
}

func TestEmbedDocumentEmptyPayloadRejected(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1"}
	p := newPipeline(t, doc, processed, Options{})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	assert.ErrorIs(t, err, vectorstore.ErrValidation)
	assert.Empty(t, p.store.ops)
	assert.Empty(t, p.repo.statusLog)
}

func TestEmbedDocumentClearsBeforeStatusTransition(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})

	var statusesAtDelete []string
	p.store.onDelete = func() {
		statusesAtDelete = append([]string{}, p.repo.statusLog...)
	}

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.NoError(t, err)
	assert.Empty(t, statusesAtDelete)
	assert.Equal(t, []string{StatusEmbedding, StatusAIReady}, p.repo.statusLog)
}

func TestEmbedDocumentDecryptsProcessedPayload(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
	gw, err := crypto.NewAESGateway(crypto.Config{
		Keys:           map[string]string{"v1": key},
		CurrentVersion: "v1",
	})
	require.NoError(t, err)
	ciphertext, keyVersion, err := gw.Encrypt(testTeam, "decrypted chunk text")
	require.NoError(t, err)

	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady,
		EncryptionKeyVersion: keyVersion}
	processed := &ProcessedDocument{
		DocumentID: "d1",
		Chunks:     []chunking.Chunk{{Index: 0, Text: ciphertext}},
	}

	repo := newMemRepo(doc)
	store := &fakeStore{}
	provider := &countingProvider{}
	cache := embeddings.NewCache(embeddings.NewMemoryBackend(), provider, embeddings.DefaultCacheTTL, zap.NewNop(), nil)
	orch := NewOrchestrator(
		repo,
		&memBlobs{docs: map[string]*ProcessedDocument{"d1": processed}},
		store,
		&staticSchemas{cs: testSchema()},
		testMarshaler(t),
		cache,
		gw,
		nil,
		Options{},
		zap.NewNop(),
	)

	_, err = orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.NoError(t, err)

	// The provider sees plaintext, never the stored ciphertext.
	require.NotEmpty(t, provider.texts)
	assert.Equal(t, "decrypted chunk text", provider.texts[0])
}

func TestEmbedDocumentTeamMismatch(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: "team-b", Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	assert.ErrorIs(t, err, vectorstore.ErrForbidden)
	assert.Empty(t, p.repo.statusLog)
}

func TestEmbedDocumentFailureRecordsMessage(t *testing.T) {
	doc := &Document{ID: "d1", TeamID: testTeam, Status: StatusAIReady}
	processed := &ProcessedDocument{DocumentID: "d1", Chunks: []chunking.Chunk{chunkOfTokens(0, 10)}}
	p := newPipeline(t, doc, processed, Options{})
	p.provider.err = errors.New("provider down")

	_, err := p.orch.EmbedDocument(context.Background(), EmbedRequest{
		DocumentID: "d1", Collection: "kh_docs", TeamID: testTeam,
	})
	require.Error(t, err)
	stored, err := p.repo.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "provider down")
}

func TestCanStartEmbedding(t *testing.T) {
	cases := map[string]bool{
		StatusMetadataExtraction: true,
		StatusFailed:             true,
		StatusAIReady:            true,
		StatusEmbedding:          true,
		"UNKNOWN":                false,
		"":                       false,
	}
	for status, want := range cases {
		assert.Equal(t, want, CanStartEmbedding(status), status)
	}
}
