// Package ingest drives the document embedding pipeline: it pulls
// processed chunks, embeds them with late chunking, and stores the
// records through the vector store engine.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/chunking"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

// Document lifecycle statuses. Embedding may start from metadata
// extraction, a previous failure, or an already-ready document
// (re-embedding replaces the stored rows).
const (
	StatusMetadataExtraction = "METADATA_EXTRACTION"
	StatusEmbedding          = "EMBEDDING"
	StatusAIReady            = "AI_READY"
	StatusFailed             = "FAILED"
)

// ErrState is returned when a document's status does not allow the
// requested transition.
var ErrState = errors.New("invalid document state")

// ErrNotFound is returned by repositories for unknown documents.
var ErrNotFound = errors.New("document not found")

// Document is the pipeline's view of a stored document.
type Document struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	TeamID       string `json:"teamId"`
	FileName     string `json:"fileName"`
	MimeType     string `json:"mimeType"`
	Status       string `json:"status"`
	Language     string `json:"language,omitempty"`

	// EncryptionKeyVersion is the key version the processed payload's
	// chunk text was sealed under. Empty means the legacy version.
	EncryptionKeyVersion string `json:"encryptionKeyVersion,omitempty"`

	Metadata        *vectorstore.ExtractedMetadata `json:"metadata,omitempty"`
	TotalEmbeddings int                            `json:"totalEmbeddings"`
	ErrorMessage    string                         `json:"errorMessage,omitempty"`
	UpdatedAt       time.Time                      `json:"updatedAt"`
}

// ProcessedDocument carries the extraction stage's output: ordered
// chunks plus document-level metadata.
type ProcessedDocument struct {
	DocumentID string                         `json:"documentId"`
	Language   string                         `json:"language,omitempty"`
	Chunks     []chunking.Chunk               `json:"chunks"`
	Metadata   *vectorstore.ExtractedMetadata `json:"metadata,omitempty"`
}

// CanStartEmbedding reports whether a document in the given status may
// enter the embedding stage. EMBEDDING itself is allowed so a document
// stuck mid-run can be restarted.
func CanStartEmbedding(status string) bool {
	switch status {
	case StatusMetadataExtraction, StatusEmbedding, StatusFailed, StatusAIReady:
		return true
	default:
		return false
	}
}

// DocumentRepository persists document lifecycle state. errorMessage
// is only meaningful for FAILED transitions and cleared otherwise.
type DocumentRepository interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateStatus(ctx context.Context, id, status string, totalEmbeddings int, errorMessage string) error
}

// BlobStore fetches the processed chunk payload for a document.
type BlobStore interface {
	FetchProcessed(ctx context.Context, documentID string) (*ProcessedDocument, error)
}

// StatusEvent is broadcast on every document status transition.
type StatusEvent struct {
	DocumentID   string    `json:"documentId"`
	CollectionID string    `json:"collectionId"`
	TeamID       string    `json:"teamId"`
	Status       string    `json:"status"`
	Embeddings   int       `json:"embeddings"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusNotifier broadcasts status transitions. Delivery is
// best-effort; the pipeline never fails on a notify error.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, event StatusEvent) error
}
