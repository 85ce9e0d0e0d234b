package vectorstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/milvus/milvustest"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

const (
	testTeam       = "team-a"
	testCollection = "kh_docs"
	testDimension  = 4
)

func testGateway(t *testing.T) crypto.Gateway {
	t.Helper()
	v1 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
	v2 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5c}, 32))
	gw, err := crypto.NewAESGateway(crypto.Config{
		Keys:           map[string]string{"v1": v1, "v2": v2},
		CurrentVersion: "v2",
	})
	require.NoError(t, err)
	return gw
}

type fakeProvider struct {
	vector   []float32
	err      error
	calls    int
	lastText string
}

func (p *fakeProvider) Embed(_ context.Context, text, _, _, _ string) ([]float32, error) {
	p.calls++
	p.lastText = text
	if p.err != nil {
		return nil, p.err
	}
	return p.vector, nil
}

type fakeWorkflows struct {
	locked bool
	err    error
}

func (w *fakeWorkflows) ReferencesCollection(context.Context, string) (bool, error) {
	return w.locked, w.err
}

func newTestEngine(t *testing.T, client *milvustest.Fake, provider *fakeProvider, workflows WorkflowRegistry) *Engine {
	t.Helper()
	logger := zap.NewNop()
	if provider == nil {
		provider = &fakeProvider{vector: testVector()}
	}
	return NewEngine(
		client,
		schema.NewRegistry(client, logger),
		provider,
		testGateway(t),
		nil,
		workflows,
		logger,
	)
}

func testVector() []float32 {
	return []float32{0.1, 0.2, 0.3, 0.4}
}

func hubFields() []milvus.FieldSchema {
	varChar := func(name string, maxLen int) milvus.FieldSchema {
		return milvus.FieldSchema{Name: name, DataType: milvus.DataTypeVarChar, MaxLength: maxLen}
	}
	int64Field := func(name string) milvus.FieldSchema {
		return milvus.FieldSchema{Name: name, DataType: milvus.DataTypeInt64}
	}
	return []milvus.FieldSchema{
		{Name: "id", DataType: milvus.DataTypeInt64, IsPrimaryKey: true},
		{Name: EmbeddingField, DataType: milvus.DataTypeFloatVector, Dimension: testDimension},
		varChar("text", 5000),
		varChar("documentId", 64),
		varChar("collectionId", 64),
		varChar("chunkId", 64),
		int64Field("chunkIndex"),
		varChar("teamId", 64),
		varChar("encryptionKeyVersion", 16),
		int64Field("tokenCount"),
		{Name: "qualityScore", DataType: milvus.DataTypeDouble},
		int64Field("createdAt"),
		{Name: "metadataOnly", DataType: milvus.DataTypeBool},
		varChar("fileName", 256),
		varChar("pageNumbers", 128),
		varChar("language", 16),
		int64Field("startPosition"),
		int64Field("endPosition"),
		varChar("title", 512),
		varChar("author", 256),
		varChar("subject", 512),
		varChar("category", 128),
		varChar("documentType", 16),
		varChar("mimeType", 128),
		varChar("collectionType", 32),
	}
}

func seedHubCollection(fake *milvustest.Fake, name, teamID string) *milvustest.FakeCollection {
	coll := fake.AddCollection(milvus.CollectionSchema{
		Name:   name,
		Fields: hubFields(),
		Properties: map[string]string{
			schema.PropertyTeamID:         teamID,
			schema.PropertyCollectionType: schema.TypeKnowledgeHub,
		},
	})
	coll.Loaded = true
	return coll
}
