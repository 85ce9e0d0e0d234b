package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, "localhost:19530", cfg.Milvus.Address)
	assert.Equal(t, 6*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "v1", cfg.Encryption.CurrentVersion)
	assert.Equal(t, "vectord_documents", cfg.Ingest.DocumentsBucket)
	assert.Equal(t, "vectord", cfg.Observability.ServiceName)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8181
milvus:
  address: "milvus.internal:19530"
  database: "knowledge"
embedding:
  default_model_name: "bge-large-en"
encryption:
  current_version: "v2"
  keys:
    v1: "AAAA"
    v2: "BBBB"
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "milvus.internal:19530", cfg.Milvus.Address)
	assert.Equal(t, "knowledge", cfg.Milvus.Database)
	assert.Equal(t, "bge-large-en", cfg.Embedding.DefaultModelName)
	assert.Equal(t, "v2", cfg.Encryption.CurrentVersion)
	assert.Equal(t, "BBBB", cfg.Encryption.Keys["v2"])
	// Unspecified sections keep defaults.
	assert.Equal(t, 6*time.Hour, cfg.Cache.TTL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VECTORD_SERVER_PORT", "7070")
	t.Setenv("VECTORD_MILVUS_ADDRESS", "env-milvus:19530")
	t.Setenv("VECTORD_EMBEDDING_BASE_URL", "http://embed:8080")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-milvus:19530", cfg.Milvus.Address)
	assert.Equal(t, "http://embed:8080", cfg.Embedding.BaseURL)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	big := make([]byte, maxConfigFileSize+1)
	require.NoError(t, os.WriteFile(path, big, 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
