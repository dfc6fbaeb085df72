package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.BindAddr)
	assert.Equal(t, "voicememory", cfg.MetricsNamespace)
	assert.Equal(t, "data/memory.db", cfg.MemoryDBPath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "chromem", cfg.VectorBackend)
	assert.Equal(t, "facts", cfg.VectorCollection)
	assert.Equal(t, "hash", cfg.Embedder)
	assert.Equal(t, 384, cfg.EmbeddingDim)
	assert.Equal(t, "mock", cfg.LLMProvider)
	assert.Equal(t, 10*time.Second, cfg.ClassifierTimeout)
	assert.Equal(t, 5, cfg.MemoryMaxResults)
	assert.Equal(t, 500, cfg.MemoryContextChars)
	assert.Equal(t, 30*time.Minute, cfg.SessionInactivityTimeout)
	assert.True(t, cfg.RedactPII)
}

func TestLoadOverrides(t *testing.T) {
	setEnvEmpty(t)
	t.Setenv("BIND_ADDR", " 127.0.0.1:9000 ")
	t.Setenv("DATABASE_URL", "postgres://localhost/memory")
	t.Setenv("VECTOR_BACKEND", "PGVECTOR")
	t.Setenv("EMBEDDING_DIM", "1536")
	t.Setenv("MEMORY_REDACT_PII", "off")
	t.Setenv("QDRANT_TLS", "on")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("MEMORY_CLASSIFIER_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.BindAddr)
	assert.Equal(t, "pgvector", cfg.VectorBackend)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.False(t, cfg.RedactPII)
	assert.True(t, cfg.QdrantTLS)
	assert.Equal(t, 2*time.Second, cfg.ClassifierTimeout)
	assert.Equal(t, "sk-test", cfg.LLMAPIKey())
	assert.Empty(t, cfg.EmbeddingAPIKey())
}

func TestEmbeddingDimFollowsEmbedder(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want int
	}{
		{"hash default", nil, 384},
		{"hash custom size", map[string]string{"EMBEDDING_DIM": "64"}, 64},
		{"openai default model", map[string]string{"EMBEDDER": "openai", "OPENAI_API_KEY": "sk-test"}, 1536},
		{"openai large", map[string]string{"EMBEDDER": "openai", "OPENAI_API_KEY": "sk-test", "EMBEDDING_MODEL": "text-embedding-3-large"}, 3072},
		{"ollama default model", map[string]string{"EMBEDDER": "ollama"}, 768},
		{"ollama tagged model", map[string]string{"EMBEDDER": "ollama", "EMBEDDING_MODEL": "mxbai-embed-large:latest"}, 1024},
		{"ollama custom model with dim", map[string]string{"EMBEDDER": "ollama", "EMBEDDING_MODEL": "custom-embed", "EMBEDDING_DIM": "512"}, 512},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.EmbeddingDim)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"short inactivity", map[string]string{"SESSION_INACTIVITY_TIMEOUT": "1s"}, "SESSION_INACTIVITY_TIMEOUT"},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}, "SHUTDOWN_TIMEOUT parse error"},
		{"bad bool", map[string]string{"MEMORY_REDACT_PII": "maybe"}, "MEMORY_REDACT_PII parse error"},
		{"bad int", map[string]string{"EMBEDDING_DIM": "wide"}, "EMBEDDING_DIM parse error"},
		{"zero dim", map[string]string{"EMBEDDING_DIM": "0"}, "EMBEDDING_DIM must be positive"},
		{"zero results", map[string]string{"MEMORY_MAX_RESULTS": "0"}, "MEMORY_MAX_RESULTS"},
		{"unknown backend", map[string]string{"VECTOR_BACKEND": "faiss"}, "VECTOR_BACKEND must be one of"},
		{"pgvector without database", map[string]string{"VECTOR_BACKEND": "pgvector"}, "requires DATABASE_URL"},
		{"unknown embedder", map[string]string{"EMBEDDER": "word2vec"}, "EMBEDDER"},
		{"anthropic without key", map[string]string{"LLM_PROVIDER": "anthropic"}, "ANTHROPIC_API_KEY"},
		{"openai without key", map[string]string{"LLM_PROVIDER": "openai"}, "OPENAI_API_KEY"},
		{"unknown provider", map[string]string{"LLM_PROVIDER": "bard"}, "LLM_PROVIDER"},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"unknown embedding model without dim", map[string]string{"EMBEDDER": "ollama", "EMBEDDING_MODEL": "custom-embed"}, "EMBEDDING_DIM must be positive"},
		{"dim disagrees with model", map[string]string{"EMBEDDER": "openai", "OPENAI_API_KEY": "sk-test", "EMBEDDING_DIM": "384"}, "does not match"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func setEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"BIND_ADDR",
		"SHUTDOWN_TIMEOUT",
		"SESSION_INACTIVITY_TIMEOUT",
		"METRICS_NAMESPACE",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"MEMORY_DB_PATH",
		"VECTOR_BACKEND",
		"VECTOR_PATH",
		"VECTOR_COLLECTION",
		"QDRANT_ADDR",
		"QDRANT_API_KEY",
		"QDRANT_TLS",
		"EMBEDDER",
		"EMBEDDING_MODEL",
		"EMBEDDING_BASE_URL",
		"EMBEDDING_DIM",
		"EMBEDDING_CACHE_SIZE",
		"LLM_PROVIDER",
		"LLM_MODEL",
		"LLM_BASE_URL",
		"ANTHROPIC_API_KEY",
		"OPENAI_API_KEY",
		"MEMORY_CLASSIFIER_TIMEOUT",
		"MEMORY_REDACT_PII",
		"MEMORY_MAX_RESULTS",
		"MEMORY_CONTEXT_CHARS",
		"MEMORY_RETENTION_DAYS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
