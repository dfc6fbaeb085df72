package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory service and CLI.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	// DatabaseURL switches the relational store to postgres. Empty means
	// SQLite at MemoryDBPath.
	DatabaseURL  string
	MemoryDBPath string

	VectorBackend    string
	VectorPath       string
	VectorCollection string
	QdrantAddr       string
	QdrantAPIKey     string
	QdrantTLS        bool

	Embedder           string
	EmbeddingModel     string
	EmbeddingBaseURL   string
	EmbeddingDim       int
	EmbeddingCacheSize int64

	LLMProvider     string
	LLMModel        string
	LLMBaseURL      string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	ClassifierTimeout   time.Duration
	RedactPII           bool
	MemoryMaxResults    int
	MemoryContextChars  int
	MemoryRetentionDays int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "voicememory"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		MemoryDBPath:     envOrDefault("MEMORY_DB_PATH", "data/memory.db"),
		VectorBackend:    strings.ToLower(envOrDefault("VECTOR_BACKEND", "chromem")),
		// Empty keeps the chromem collection in memory only.
		VectorPath:               stringsTrimSpace("VECTOR_PATH"),
		VectorCollection:         envOrDefault("VECTOR_COLLECTION", "facts"),
		QdrantAddr:               envOrDefault("QDRANT_ADDR", "localhost:6334"),
		QdrantAPIKey:             stringsTrimSpace("QDRANT_API_KEY"),
		Embedder:                 strings.ToLower(envOrDefault("EMBEDDER", "hash")),
		EmbeddingModel:           stringsTrimSpace("EMBEDDING_MODEL"),
		EmbeddingBaseURL:         stringsTrimSpace("EMBEDDING_BASE_URL"),
		EmbeddingCacheSize:       4096,
		LLMProvider:              strings.ToLower(envOrDefault("LLM_PROVIDER", "mock")),
		LLMModel:                 stringsTrimSpace("LLM_MODEL"),
		LLMBaseURL:               stringsTrimSpace("LLM_BASE_URL"),
		AnthropicAPIKey:          stringsTrimSpace("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		ClassifierTimeout:        10 * time.Second,
		RedactPII:                true,
		MemoryMaxResults:         5,
		MemoryContextChars:       500,
		MemoryRetentionDays:      90,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifierTimeout, err = durationFromEnv("MEMORY_CLASSIFIER_TIMEOUT", cfg.ClassifierTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.QdrantTLS, err = boolFromEnv("QDRANT_TLS", cfg.QdrantTLS)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	// Unset EMBEDDING_DIM follows the embedding model's native width.
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", EmbeddingDimFor(cfg.Embedder, cfg.EmbeddingModel))
	if err != nil {
		return Config{}, err
	}
	cacheSize, err := intFromEnv("EMBEDDING_CACHE_SIZE", int(cfg.EmbeddingCacheSize))
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingCacheSize = int64(cacheSize)
	cfg.MemoryMaxResults, err = intFromEnv("MEMORY_MAX_RESULTS", cfg.MemoryMaxResults)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryContextChars, err = intFromEnv("MEMORY_CONTEXT_CHARS", cfg.MemoryContextChars)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRetentionDays, err = intFromEnv("MEMORY_RETENTION_DAYS", cfg.MemoryRetentionDays)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules. Load calls it; callers that override
// fields afterwards should call it again.
func (cfg Config) Validate() error {
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ClassifierTimeout <= 0 {
		return fmt.Errorf("MEMORY_CLASSIFIER_TIMEOUT must be positive")
	}
	switch cfg.Embedder {
	case "hash", "openai", "ollama":
	default:
		return fmt.Errorf("EMBEDDER must be one of hash, openai, ollama")
	}
	if cfg.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive; set it for embedder %s model %q", cfg.Embedder, cfg.EmbeddingModel)
	}
	if native := EmbeddingDimFor(cfg.Embedder, cfg.EmbeddingModel); cfg.Embedder != "hash" && native > 0 && native != cfg.EmbeddingDim {
		return fmt.Errorf("EMBEDDING_DIM=%d does not match %s model %q, which returns %d dimensions", cfg.EmbeddingDim, cfg.Embedder, cfg.EmbeddingModel, native)
	}
	if cfg.EmbeddingCacheSize < 0 {
		return fmt.Errorf("EMBEDDING_CACHE_SIZE must be >= 0")
	}
	if cfg.MemoryMaxResults <= 0 {
		return fmt.Errorf("MEMORY_MAX_RESULTS must be positive")
	}
	if cfg.MemoryContextChars <= 0 {
		return fmt.Errorf("MEMORY_CONTEXT_CHARS must be positive")
	}
	if cfg.MemoryRetentionDays < 0 {
		return fmt.Errorf("MEMORY_RETENTION_DAYS must be >= 0")
	}
	switch cfg.VectorBackend {
	case "chromem", "qdrant", "none":
	case "pgvector":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("VECTOR_BACKEND=pgvector requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("VECTOR_BACKEND must be one of chromem, qdrant, pgvector, none")
	}
	switch cfg.LLMProvider {
	case "mock", "ollama":
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("LLM_PROVIDER=anthropic requires ANTHROPIC_API_KEY")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("LLM_PROVIDER=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of mock, anthropic, openai, ollama")
	}
	switch cfg.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("LOG_FORMAT must be text, json or logfmt")
	}
	return nil
}

// Embedding widths of the default and common models. The hash embedder
// honours any size and defaults to the all-MiniLM-L6-v2 width.
var embeddingDims = map[string]map[string]int{
	"hash": {
		"": 384,
	},
	"openai": {
		"":                       1536,
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	},
	"ollama": {
		"":                  768,
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
		"bge-m3":            1024,
	},
}

// EmbeddingDimFor returns the vector width produced by embedder and model,
// or 0 when the model is unknown.
func EmbeddingDimFor(embedder, model string) int {
	models, ok := embeddingDims[embedder]
	if !ok {
		return 0
	}
	model = strings.TrimSuffix(strings.TrimSpace(model), ":latest")
	if embedder == "hash" {
		model = ""
	}
	return models[model]
}

// LLMAPIKey returns the key for the selected provider.
func (cfg Config) LLMAPIKey() string {
	switch cfg.LLMProvider {
	case "anthropic":
		return cfg.AnthropicAPIKey
	case "openai":
		return cfg.OpenAIAPIKey
	}
	return ""
}

// EmbeddingAPIKey reuses the OpenAI key for the openai embedder.
func (cfg Config) EmbeddingAPIKey() string {
	if cfg.Embedder == "openai" {
		return cfg.OpenAIAPIKey
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
