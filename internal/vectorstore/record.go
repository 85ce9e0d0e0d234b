package vectorstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/chunking"
	"github.com/fyrsmithlabs/vectord/internal/crypto"
	"github.com/fyrsmithlabs/vectord/internal/schema"
)

// RecordInput carries everything needed to build one stored record.
// The chunk is read-only and never mutated.
type RecordInput struct {
	DocumentID   string
	CollectionID string
	TeamID       string
	FileName     string
	MimeType     string

	Chunk chunking.Chunk

	// ResolvedChunkIndex is the positional fallback when the chunk
	// itself carries no index. Negative means unknown.
	ResolvedChunkIndex int

	// FallbackLanguage is used when the chunk has no language.
	FallbackLanguage string

	Metadata     *ExtractedMetadata
	MetadataOnly bool
}

// Marshaler converts chunks into schema-filtered, encrypted records.
type Marshaler struct {
	gateway crypto.Gateway
	logger  *zap.Logger
}

// NewMarshaler creates a record marshaler.
func NewMarshaler(gateway crypto.Gateway, logger *zap.Logger) *Marshaler {
	return &Marshaler{
		gateway: gateway,
		logger:  logger.Named("marshaler"),
	}
}

// BuildRecord builds the field map for one chunk. Only fields declared
// by the schema are set, except the text field which the store layer
// requires unconditionally.
func (m *Marshaler) BuildRecord(cs *schema.CollectionSchema, in RecordInput) (map[string]any, error) {
	plaintext := m.enforceTextFieldLimit(cs, in)
	ciphertext, keyVersion, err := m.gateway.Encrypt(in.TeamID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting chunk text: %w", err)
	}

	record := make(map[string]any)
	record[cs.TextField] = ciphertext
	putIfAllowed(record, cs, "encryptionKeyVersion", keyVersion)

	chunkID := in.Chunk.ID
	if chunkID == "" {
		chunkID = uuid.NewString()
	}
	putIfAllowed(record, cs, "chunkId", chunkID)

	if idx, ok := effectiveChunkIndex(in); ok {
		putIfAllowed(record, cs, "chunkIndex", int64(idx))
	}

	putIfAllowed(record, cs, "documentId", in.DocumentID)
	putIfAllowed(record, cs, "collectionId", in.CollectionID)
	putIfAllowed(record, cs, "fileName", in.FileName)
	putIfAllowed(record, cs, "pageNumbers", joinPageNumbers(in.Chunk.PageNumbers))
	if in.Chunk.TokenCount > 0 {
		putIfAllowed(record, cs, "tokenCount", int64(in.Chunk.TokenCount))
	}

	language := in.Chunk.Language
	if language == "" {
		language = in.FallbackLanguage
	}
	putIfAllowed(record, cs, "language", language)

	putIfAllowed(record, cs, "createdAt", time.Now().UnixMilli())
	putIfAllowed(record, cs, "teamId", in.TeamID)
	putIfAllowed(record, cs, "qualityScore", in.Chunk.QualityScore)
	putIfAllowed(record, cs, "startPosition", int64(in.Chunk.StartPosition))
	putIfAllowed(record, cs, "endPosition", int64(in.Chunk.EndPosition))
	putIfAllowed(record, cs, "metadataOnly", in.MetadataOnly)

	if strings.EqualFold(cs.CollectionType, schema.TypeKnowledgeHub) && in.Metadata != nil {
		putIfAllowed(record, cs, "title", in.Metadata.Title)
		putIfAllowed(record, cs, "author", in.Metadata.Author)
		putIfAllowed(record, cs, "subject", in.Metadata.Subject)
		putIfAllowed(record, cs, "category", in.Metadata.Category)
	}

	putIfAllowed(record, cs, "documentType", DetermineDocumentType(in.MimeType))
	putIfAllowed(record, cs, "mimeType", in.MimeType)
	putIfAllowed(record, cs, "collectionType", cs.CollectionType)

	return record, nil
}

// enforceTextFieldLimit caps plaintext so the encrypted, Base64-encoded
// payload still fits the schema's declared max length. The 0.60 ratio
// leaves headroom for the GCM nonce and tag plus Base64 expansion; it
// is a conservative fixed margin, not an exact byte computation.
func (m *Marshaler) enforceTextFieldLimit(cs *schema.CollectionSchema, in RecordInput) string {
	text := in.Chunk.Text
	maxLength := cs.TextFieldMaxLength
	if text == "" || maxLength <= 0 {
		return text
	}

	maxPlaintext := int(float64(maxLength) * 0.60)
	if maxPlaintext < 100 {
		maxPlaintext = int(float64(maxLength) * 0.50)
		if maxPlaintext < 100 {
			maxPlaintext = 100
		}
	}

	if len(text) <= maxPlaintext {
		return text
	}

	m.logger.Warn("truncating chunk text to fit encrypted field limit",
		zap.String("document_id", in.DocumentID),
		zap.String("chunk_id", in.Chunk.ID),
		zap.Int("original_length", len(text)),
		zap.Int("truncated_length", maxPlaintext),
		zap.Int("field_max_length", maxLength),
	)
	return truncateAtRuneBoundary(text, maxPlaintext)
}

// truncateAtRuneBoundary cuts text at max bytes, backing off so a
// multi-byte UTF-8 rune is never split.
func truncateAtRuneBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}

// DetermineDocumentType sniffs a coarse document type from a MIME type.
func DetermineDocumentType(mimeType string) string {
	if mimeType == "" {
		return "UNKNOWN"
	}
	normalized := strings.ToLower(mimeType)
	switch {
	case strings.Contains(normalized, "pdf"):
		return "PDF"
	case strings.Contains(normalized, "wordprocessingml"), strings.Contains(normalized, "msword"):
		return "DOCX"
	case strings.Contains(normalized, "text"):
		return "TXT"
	case strings.Contains(normalized, "html"):
		return "HTML"
	case strings.Contains(normalized, "json"):
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

// putIfAllowed sets key only when the schema declares it and the value
// is non-nil and non-empty.
func putIfAllowed(record map[string]any, cs *schema.CollectionSchema, key string, value any) {
	if value == nil || !cs.HasField(key) {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	record[key] = value
}

func effectiveChunkIndex(in RecordInput) (int, bool) {
	if in.Chunk.Index >= 0 {
		return in.Chunk.Index, true
	}
	if in.ResolvedChunkIndex >= 0 {
		return in.ResolvedChunkIndex, true
	}
	return 0, false
}

func joinPageNumbers(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
