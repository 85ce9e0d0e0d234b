// Package workflows tracks stored workflow definitions that reference
// collections by name. The vector store engine consults the registry
// before allowing a collection alias to change: a rename would break
// every workflow that pins the old name.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// ErrNotFound indicates the workflow does not exist.
var ErrNotFound = errors.New("workflow not found")

// Workflow is a stored workflow definition. Only the fields the
// registry needs are modeled; the Definition blob carries the rest.
type Workflow struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Collection string          `json:"collection"`
	TeamID     string          `json:"teamId"`
	Definition json.RawMessage `json:"definition,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// KVRegistry stores workflows in a JetStream key-value bucket,
// keyed by workflow ID.
type KVRegistry struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NewKVRegistry opens or creates the workflow bucket.
func NewKVRegistry(ctx context.Context, js jetstream.JetStream, bucket string, logger *zap.Logger) (*KVRegistry, error) {
	if bucket == "" {
		return nil, fmt.Errorf("workflow bucket required")
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "vectord stored workflows",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening workflow bucket %s: %w", bucket, err)
	}

	return &KVRegistry{
		kv:     kv,
		logger: logger.Named("workflows"),
	}, nil
}

// Put stores or replaces a workflow definition.
func (r *KVRegistry) Put(ctx context.Context, wf Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	wf.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow %s: %w", wf.ID, err)
	}
	if _, err := r.kv.Put(ctx, sanitizeKey(wf.ID), payload); err != nil {
		return fmt.Errorf("storing workflow %s: %w", wf.ID, err)
	}
	return nil
}

// Get fetches a workflow by ID.
func (r *KVRegistry) Get(ctx context.Context, id string) (*Workflow, error) {
	entry, err := r.kv.Get(ctx, sanitizeKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching workflow %s: %w", id, err)
	}

	var wf Workflow
	if err := json.Unmarshal(entry.Value(), &wf); err != nil {
		return nil, fmt.Errorf("decoding workflow %s: %w", id, err)
	}
	return &wf, nil
}

// Delete removes a workflow. Missing workflows are not an error.
func (r *KVRegistry) Delete(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, sanitizeKey(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("deleting workflow %s: %w", id, err)
	}
	return nil
}

// List returns every stored workflow. Entries that fail to decode are
// skipped with a warning rather than failing the listing.
func (r *KVRegistry) List(ctx context.Context) ([]Workflow, error) {
	keys, err := r.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}

	workflows := make([]Workflow, 0, len(keys))
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			r.logger.Warn("skipping unreadable workflow", zap.String("key", key), zap.Error(err))
			continue
		}
		var wf Workflow
		if err := json.Unmarshal(entry.Value(), &wf); err != nil {
			r.logger.Warn("skipping undecodable workflow", zap.String("key", key), zap.Error(err))
			continue
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// ReferencesCollection reports whether any stored workflow pins the
// named collection.
func (r *KVRegistry) ReferencesCollection(ctx context.Context, name string) (bool, error) {
	workflows, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	return referencesName(workflows, name), nil
}

// referencesName matches collections case-insensitively: collection
// names are compared the same way the engine compares them.
func referencesName(workflows []Workflow, name string) bool {
	for _, wf := range workflows {
		if strings.EqualFold(wf.Collection, name) {
			return true
		}
	}
	return false
}

// sanitizeKey replaces characters JetStream key-value keys reject.
func sanitizeKey(id string) string {
	return strings.ReplaceAll(id, ":", ".")
}
