package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// KVDocumentRepository persists document lifecycle state as JSON in a
// JetStream key-value bucket, keyed by document ID.
type KVDocumentRepository struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NewKVDocumentRepository opens or creates the bucket.
func NewKVDocumentRepository(ctx context.Context, js jetstream.JetStream, bucket string, logger *zap.Logger) (*KVDocumentRepository, error) {
	if bucket == "" {
		return nil, fmt.Errorf("document bucket required")
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "vectord document lifecycle state",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
	}

	return &KVDocumentRepository{
		kv:     kv,
		logger: logger.Named("documents"),
	}, nil
}

func (r *KVDocumentRepository) GetDocument(ctx context.Context, id string) (*Document, error) {
	entry, err := r.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return &doc, nil
}

// PutDocument stores or replaces a document record.
func (r *KVDocumentRepository) PutDocument(ctx context.Context, doc *Document) error {
	doc.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	if _, err := r.kv.Put(ctx, doc.ID, payload); err != nil {
		return fmt.Errorf("storing document %s: %w", doc.ID, err)
	}
	return nil
}

func (r *KVDocumentRepository) UpdateStatus(ctx context.Context, id, status string, totalEmbeddings int, errorMessage string) error {
	doc, err := r.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	doc.Status = status
	doc.ErrorMessage = errorMessage
	if totalEmbeddings > 0 || status == StatusAIReady {
		doc.TotalEmbeddings = totalEmbeddings
	}
	return r.PutDocument(ctx, doc)
}

var _ DocumentRepository = (*KVDocumentRepository)(nil)
