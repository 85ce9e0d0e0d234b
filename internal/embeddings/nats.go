package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSBackend stores cached embeddings in a JetStream key-value bucket.
// Expiry is bucket-level: the bucket is created with the configured TTL
// and the per-call TTL is ignored.
type NATSBackend struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NATSConfig configures the JetStream KV backend.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string

	// Bucket is the KV bucket name, created if missing.
	Bucket string

	// TTL is the bucket-level entry lifetime.
	TTL time.Duration
}

// NewNATSBackend connects to NATS and opens or creates the bucket.
func NewNATSBackend(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATSBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("nats bucket required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("vectord-embedding-cache"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "vectord embedding cache",
			TTL:         cfg.TTL,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening kv bucket %s: %w", cfg.Bucket, err)
	}

	logger.Info("embedding cache bucket ready",
		zap.String("bucket", cfg.Bucket),
		zap.Duration("ttl", cfg.TTL),
	)

	return &NATSBackend{
		conn:   conn,
		kv:     kv,
		logger: logger.Named("nats_cache"),
	}, nil
}

// Get returns the value for key, reporting a missing key as a miss.
func (b *NATSBackend) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := b.kv.Get(ctx, sanitizeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(entry.Value()), true, nil
}

// Set stores value under key. The TTL argument is ignored; expiry is
// governed by the bucket TTL.
func (b *NATSBackend) Set(ctx context.Context, key, value string, _ time.Duration) error {
	_, err := b.kv.Put(ctx, sanitizeKey(key), []byte(value))
	return err
}

// Close closes the NATS connection.
func (b *NATSBackend) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// sanitizeKey maps cache keys onto the KV key alphabet, which does not
// allow colons.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

var _ Backend = (*NATSBackend)(nil)
