package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicememory/internal/memory"
)

// Config selects and configures the vector backend.
type Config struct {
	Backend    string // chromem|qdrant|pgvector|none
	Path       string
	Collection string
	Qdrant     QdrantConfig
	Embedder   EmbedderConfig
	CacheSize  int64
	// Pool is required by the pgvector backend.
	Pool *pgxpool.Pool
}

// ErrDisabled is returned by NewStore when the backend is "none".
var ErrDisabled = errors.New("vector store disabled")

// NewStore builds, caches the embedder for, and initializes the configured
// backend. The returned cleanup releases the cache and the store.
func NewStore(ctx context.Context, cfg Config, logger *log.Logger) (memory.VectorStore, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "none" {
		return nil, func() {}, ErrDisabled
	}
	if logger == nil {
		logger = log.Default().WithPrefix("vector")
	}

	raw, err := NewEmbeddingFunc(cfg.Embedder)
	if err != nil {
		return nil, nil, err
	}
	cache, err := NewEmbeddingCache(raw, cfg.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	embed := cache.Func()

	var store memory.VectorStore
	switch backend {
	case "", "chromem":
		store, err = NewChromemStore(cfg.Path, cfg.Collection, embed, logger.WithPrefix("chromem"))
	case "qdrant":
		q := cfg.Qdrant
		if q.Collection == "" {
			q.Collection = cfg.Collection
		}
		if q.Dimensions == 0 && cfg.Embedder.Dimensions > 0 {
			q.Dimensions = uint64(cfg.Embedder.Dimensions)
		}
		store, err = NewQdrantStore(q, embed, logger.WithPrefix("qdrant"))
	case "pgvector":
		if cfg.Pool == nil {
			err = fmt.Errorf("pgvector backend requires DATABASE_URL")
			break
		}
		store = NewPGVectorStore(cfg.Pool, "", cfg.Embedder.Dimensions, embed, logger.WithPrefix("pgvector"))
	default:
		err = fmt.Errorf("unsupported vector backend %q (expected chromem|qdrant|pgvector|none)", cfg.Backend)
	}
	if err != nil {
		cache.Close()
		return nil, nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		cache.Close()
		return nil, nil, fmt.Errorf("initialize %s vector store: %w", backendName(backend), err)
	}
	logger.Info("vector store ready", "backend", backendName(backend), "embedder", cfg.Embedder.Provider)
	return store, func() {
		_ = store.Close()
		cache.Close()
	}, nil
}

func backendName(b string) string {
	if b == "" {
		return "chromem"
	}
	return b
}
