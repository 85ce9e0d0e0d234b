package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables with VECTORD_ prefix (VECTORD_SERVER_PORT, ...)
//  2. YAML config file (configPath, optional)
//  3. Defaults()
//
// Environment variables use underscore separator and are uppercased.
// The transformer splits on the first underscore after the prefix:
//
//	VECTORD_SERVER_PORT           -> server.port
//	VECTORD_MILVUS_ADDRESS        -> milvus.address
//	VECTORD_EMBEDDING_BASE_URL    -> embedding.base_url
//	VECTORD_CACHE_NATS_URL        -> cache.nats_url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("VECTORD_", ".", func(s string) string {
		// VECTORD_SECTION_FIELD_NAME -> section.field_name.
		// Split on the first underscore only: field names keep theirs.
		lower := strings.ToLower(strings.TrimPrefix(s, "VECTORD_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults restores defaults for fields the file or environment
// explicitly set to a zero value.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Milvus.Address == "" {
		cfg.Milvus.Address = def.Milvus.Address
	}
	if cfg.Milvus.Database == "" {
		cfg.Milvus.Database = def.Milvus.Database
	}
	if cfg.Cache.Bucket == "" {
		cfg.Cache.Bucket = def.Cache.Bucket
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = def.Embedding.BaseURL
	}
	if cfg.Embedding.DefaultModelCategory == "" {
		cfg.Embedding.DefaultModelCategory = def.Embedding.DefaultModelCategory
	}
	if cfg.Embedding.DefaultModelName == "" {
		cfg.Embedding.DefaultModelName = def.Embedding.DefaultModelName
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = def.Embedding.Timeout
	}
	if cfg.Encryption.CurrentVersion == "" {
		cfg.Encryption.CurrentVersion = def.Encryption.CurrentVersion
	}
	if cfg.Ingest.DocumentsBucket == "" {
		cfg.Ingest.DocumentsBucket = def.Ingest.DocumentsBucket
	}
	if cfg.Ingest.BlobsBucket == "" {
		cfg.Ingest.BlobsBucket = def.Ingest.BlobsBucket
	}
	if cfg.Ingest.WorkflowsBucket == "" {
		cfg.Ingest.WorkflowsBucket = def.Ingest.WorkflowsBucket
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = def.Observability.Endpoint
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = def.Observability.ServiceVersion
	}
	if cfg.Observability.ShutdownGrace == 0 {
		cfg.Observability.ShutdownGrace = def.Observability.ShutdownGrace
	}
}
