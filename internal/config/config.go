// Package config provides configuration loading for vectord.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. See Load for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/logging"
	"github.com/fyrsmithlabs/vectord/internal/telemetry"
)

// ErrInvalidConfig indicates an invalid configuration value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete vectord configuration.
type Config struct {
	Server        ServerConfig     `koanf:"server"`
	Milvus        MilvusConfig     `koanf:"milvus"`
	Cache         CacheConfig      `koanf:"cache"`
	Embedding     EmbeddingConfig  `koanf:"embedding"`
	Encryption    EncryptionConfig `koanf:"encryption"`
	Ingest        IngestConfig     `koanf:"ingest"`
	Logging       logging.Config   `koanf:"logging"`
	Observability telemetry.Config `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MilvusConfig holds the vector store connection settings.
type MilvusConfig struct {
	// Address is the Milvus gRPC endpoint, host:port.
	Address string `koanf:"address"`

	// Database is the Milvus database name.
	Database string `koanf:"database"`
}

// CacheConfig holds the embedding cache settings.
type CacheConfig struct {
	// NATSURL enables the JetStream KV backend when set. Empty means the
	// in-process memory backend.
	NATSURL string `koanf:"nats_url"`

	// Bucket is the JetStream KV bucket holding cached embeddings.
	Bucket string `koanf:"bucket"`

	// TTL is the lifetime of a cached embedding.
	TTL time.Duration `koanf:"ttl"`
}

// EmbeddingConfig holds the embedding provider settings.
type EmbeddingConfig struct {
	// BaseURL is the embedding HTTP endpoint.
	BaseURL string `koanf:"base_url"`

	// DefaultModelCategory is used when a collection does not name one.
	DefaultModelCategory string `koanf:"default_model_category"`

	// DefaultModelName is used when a collection does not name one.
	DefaultModelName string `koanf:"default_model_name"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `koanf:"timeout"`

	// APIKey is optional; sent as a bearer token when set.
	APIKey string `koanf:"api_key"`

	// MaxContextTokens caps late-chunking window size. Zero means derive
	// from the collection's vector dimension.
	MaxContextTokens int `koanf:"max_context_tokens"`
}

// IngestConfig holds the document ingestion pipeline settings.
type IngestConfig struct {
	// NATSURL enables the ingestion pipeline when set: document state,
	// processed blobs, and status broadcasts all live on this server.
	NATSURL string `koanf:"nats_url"`

	// DocumentsBucket is the JetStream KV bucket for document records.
	DocumentsBucket string `koanf:"documents_bucket"`

	// BlobsBucket is the JetStream object store for processed payloads.
	BlobsBucket string `koanf:"blobs_bucket"`

	// WorkflowsBucket is the JetStream KV bucket for stored workflows.
	WorkflowsBucket string `koanf:"workflows_bucket"`

	// StatusSubject receives document status transition events.
	StatusSubject string `koanf:"status_subject"`

	// AuditSubject receives collection lifecycle audit events. Empty means
	// audit events go to the structured log only.
	AuditSubject string `koanf:"audit_subject"`
}

// EncryptionConfig holds the chunk-encryption key material.
type EncryptionConfig struct {
	// Keys maps key version (e.g. "v1") to a base64-encoded 32-byte master key.
	Keys map[string]string `koanf:"keys"`

	// CurrentVersion selects the key version used for new ciphertexts.
	CurrentVersion string `koanf:"current_version"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9091,
			ShutdownTimeout: 10 * time.Second,
		},
		Milvus: MilvusConfig{
			Address:  "localhost:19530",
			Database: "default",
		},
		Cache: CacheConfig{
			Bucket: "vectord_embeddings",
			TTL:    6 * time.Hour,
		},
		Embedding: EmbeddingConfig{
			BaseURL:              "http://localhost:8080",
			DefaultModelCategory: "openai-embed",
			DefaultModelName:     "text-embedding-3-small",
			Timeout:              30 * time.Second,
		},
		Encryption: EncryptionConfig{
			CurrentVersion: "v1",
		},
		Ingest: IngestConfig{
			DocumentsBucket: "vectord_documents",
			BlobsBucket:     "vectord_processed",
			WorkflowsBucket: "vectord_workflows",
		},
		Observability: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Milvus.Address == "" {
		return fmt.Errorf("%w: milvus address required", ErrInvalidConfig)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", ErrInvalidConfig)
	}
	if c.Encryption.CurrentVersion == "" {
		return fmt.Errorf("%w: encryption current_version required", ErrInvalidConfig)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
