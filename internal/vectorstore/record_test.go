package vectorstore

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/chunking"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

func hubSchema(t *testing.T) *schema.CollectionSchema {
	t.Helper()
	fields := make(map[string]milvus.FieldSchema)
	for _, f := range hubFields() {
		fields[f.Name] = f
	}
	return &schema.CollectionSchema{
		Name:               testCollection,
		Fields:             fields,
		VectorField:        EmbeddingField,
		TextField:          "text",
		TextFieldMaxLength: 5000,
		CollectionType:     schema.TypeKnowledgeHub,
	}
}

func TestBuildRecord(t *testing.T) {
	gw := testGateway(t)
	m := NewMarshaler(gw, zap.NewNop())

	record, err := m.BuildRecord(hubSchema(t), RecordInput{
		DocumentID:   "d1",
		CollectionID: "c1",
		TeamID:       testTeam,
		FileName:     "report.pdf",
		MimeType:     "application/pdf",
		Chunk: chunking.Chunk{
			ID:            "chunk-1",
			Index:         2,
			Text:          "quarterly revenue grew",
			TokenCount:    12,
			PageNumbers:   []int{3, 4},
			QualityScore:  0.9,
			StartPosition: 100,
			EndPosition:   180,
			Language:      "en",
		},
		Metadata: &ExtractedMetadata{Title: "Q3 Report", Author: "Finance"},
	})
	require.NoError(t, err)

	assert.Equal(t, "chunk-1", record["chunkId"])
	assert.Equal(t, int64(2), record["chunkIndex"])
	assert.Equal(t, "d1", record["documentId"])
	assert.Equal(t, "c1", record["collectionId"])
	assert.Equal(t, "report.pdf", record["fileName"])
	assert.Equal(t, "3,4", record["pageNumbers"])
	assert.Equal(t, int64(12), record["tokenCount"])
	assert.Equal(t, "en", record["language"])
	assert.Equal(t, testTeam, record["teamId"])
	assert.Equal(t, 0.9, record["qualityScore"])
	assert.Equal(t, int64(100), record["startPosition"])
	assert.Equal(t, int64(180), record["endPosition"])
	assert.Equal(t, "Q3 Report", record["title"])
	assert.Equal(t, "Finance", record["author"])
	assert.Equal(t, "PDF", record["documentType"])
	assert.Equal(t, "application/pdf", record["mimeType"])
	assert.Equal(t, schema.TypeKnowledgeHub, record["collectionType"])
	assert.Greater(t, record["createdAt"], int64(0))

	// Text is stored encrypted under the current key version.
	keyVersion, _ := record["encryptionKeyVersion"].(string)
	require.NotEmpty(t, keyVersion)
	ciphertext, _ := record["text"].(string)
	plaintext, err := gw.Decrypt(testTeam, keyVersion, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "quarterly revenue grew", plaintext)
}

func TestBuildRecordTruncatesToEncryptedLimit(t *testing.T) {
	gw := testGateway(t)
	m := NewMarshaler(gw, zap.NewNop())
	cs := hubSchema(t)

	record, err := m.BuildRecord(cs, RecordInput{
		DocumentID: "d1",
		TeamID:     testTeam,
		Chunk:      chunking.Chunk{ID: "chunk-1", Text: strings.Repeat("a", 10000)},
	})
	require.NoError(t, err)

	ciphertext := record["text"].(string)
	assert.LessOrEqual(t, len(ciphertext), cs.TextFieldMaxLength)

	plaintext, err := gw.Decrypt(testTeam, record["encryptionKeyVersion"].(string), ciphertext)
	require.NoError(t, err)
	assert.Len(t, plaintext, 3000)
}

func TestBuildRecordTruncationKeepsRunesIntact(t *testing.T) {
	gw := testGateway(t)
	m := NewMarshaler(gw, zap.NewNop())
	cs := hubSchema(t)

	// 1 ASCII byte then 3-byte runes: the 3000-byte cap lands mid-rune.
	text := "a" + strings.Repeat("世", 2000)
	record, err := m.BuildRecord(cs, RecordInput{
		DocumentID: "d1",
		TeamID:     testTeam,
		Chunk:      chunking.Chunk{ID: "chunk-1", Text: text},
	})
	require.NoError(t, err)

	plaintext, err := gw.Decrypt(testTeam, record["encryptionKeyVersion"].(string), record["text"].(string))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(plaintext))
	assert.LessOrEqual(t, len(plaintext), 3000)
	assert.True(t, strings.HasPrefix(text, plaintext))
}

func TestBuildRecordSmallFieldLimit(t *testing.T) {
	m := NewMarshaler(testGateway(t), zap.NewNop())
	cs := hubSchema(t)
	cs.TextFieldMaxLength = 150

	record, err := m.BuildRecord(cs, RecordInput{
		TeamID: testTeam,
		Chunk:  chunking.Chunk{Text: strings.Repeat("b", 500)},
	})
	require.NoError(t, err)

	plaintext, err := testGateway(t).Decrypt(testTeam, record["encryptionKeyVersion"].(string), record["text"].(string))
	require.NoError(t, err)
	assert.Len(t, plaintext, 100)
}

func TestBuildRecordSkipsUndeclaredAndGeneralFields(t *testing.T) {
	m := NewMarshaler(testGateway(t), zap.NewNop())
	cs := hubSchema(t)
	cs.CollectionType = schema.TypeGeneral
	delete(cs.Fields, "pageNumbers")

	record, err := m.BuildRecord(cs, RecordInput{
		DocumentID: "d1",
		TeamID:     testTeam,
		Chunk:      chunking.Chunk{Text: "hello", PageNumbers: []int{1}},
		Metadata:   &ExtractedMetadata{Title: "ignored"},
	})
	require.NoError(t, err)

	assert.NotContains(t, record, "pageNumbers")
	assert.NotContains(t, record, "title")
	assert.Equal(t, schema.TypeGeneral, record["collectionType"])
}

func TestBuildRecordGeneratesChunkID(t *testing.T) {
	m := NewMarshaler(testGateway(t), zap.NewNop())

	record, err := m.BuildRecord(hubSchema(t), RecordInput{
		TeamID:             testTeam,
		ResolvedChunkIndex: -1,
		Chunk:              chunking.Chunk{Index: -1, Text: "hello"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record["chunkId"])
	assert.NotContains(t, record, "chunkIndex")
}

func TestBuildRecordResolvedChunkIndexFallback(t *testing.T) {
	m := NewMarshaler(testGateway(t), zap.NewNop())

	record, err := m.BuildRecord(hubSchema(t), RecordInput{
		TeamID:             testTeam,
		ResolvedChunkIndex: 7,
		Chunk:              chunking.Chunk{Index: -1, Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), record["chunkIndex"])
}

func TestDetermineDocumentType(t *testing.T) {
	cases := []struct {
		mime string
		want string
	}{
		{"application/pdf", "PDF"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "DOCX"},
		{"application/msword", "DOCX"},
		{"text/plain", "TXT"},
		{"text/html", "TXT"},
		{"application/xhtml+xml", "HTML"},
		{"application/json", "JSON"},
		{"image/png", "UNKNOWN"},
		{"", "UNKNOWN"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetermineDocumentType(tc.mime), tc.mime)
	}
}
