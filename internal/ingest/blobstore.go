package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// ObjectBlobStore reads processed chunk payloads from a JetStream
// object store bucket. Objects are JSON-encoded ProcessedDocument
// payloads named by document ID.
type ObjectBlobStore struct {
	store  jetstream.ObjectStore
	logger *zap.Logger
}

// NewObjectBlobStore opens or creates the bucket.
func NewObjectBlobStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *zap.Logger) (*ObjectBlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("processed document bucket required")
	}

	store, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "vectord processed documents",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening object bucket %s: %w", bucket, err)
	}

	return &ObjectBlobStore{
		store:  store,
		logger: logger.Named("blobs"),
	}, nil
}

func (s *ObjectBlobStore) FetchProcessed(ctx context.Context, documentID string) (*ProcessedDocument, error) {
	payload, err := s.store.GetBytes(ctx, documentID)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: processed payload for %s", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching processed payload for %s: %w", documentID, err)
	}

	var doc ProcessedDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding processed payload for %s: %w", documentID, err)
	}
	return &doc, nil
}

// PutProcessed stores a processed payload, replacing any previous one.
func (s *ObjectBlobStore) PutProcessed(ctx context.Context, doc *ProcessedDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding processed payload for %s: %w", doc.DocumentID, err)
	}
	if _, err := s.store.PutBytes(ctx, doc.DocumentID, payload); err != nil {
		return fmt.Errorf("storing processed payload for %s: %w", doc.DocumentID, err)
	}
	return nil
}

var _ BlobStore = (*ObjectBlobStore)(nil)
