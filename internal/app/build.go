package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ent0n29/voicememory/internal/classifier"
	"github.com/ent0n29/voicememory/internal/config"
	"github.com/ent0n29/voicememory/internal/httpapi"
	"github.com/ent0n29/voicememory/internal/llm"
	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/memory/sqlstore"
	"github.com/ent0n29/voicememory/internal/memory/vector"
	"github.com/ent0n29/voicememory/internal/observability"
	"github.com/ent0n29/voicememory/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Memory   *memory.Manager
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Cleanup should be called on shutdown to release the stores.
	Cleanup func() error
}

// Build wires config into a ready memory service. Only a failing relational
// store is fatal; a vector backend that cannot start leaves the service
// keyword-only.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	store, err := sqlstore.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryDBPath, sqlstore.Options{
		Logger: logger.WithPrefix("sqlstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	vcfg := vector.Config{
		Backend:    cfg.VectorBackend,
		Path:       cfg.VectorPath,
		Collection: cfg.VectorCollection,
		Qdrant: vector.QdrantConfig{
			Addr:   cfg.QdrantAddr,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantTLS,
		},
		Embedder: vector.EmbedderConfig{
			Provider:   cfg.Embedder,
			Model:      cfg.EmbeddingModel,
			BaseURL:    cfg.EmbeddingBaseURL,
			APIKey:     cfg.EmbeddingAPIKey(),
			Dimensions: cfg.EmbeddingDim,
		},
		CacheSize: cfg.EmbeddingCacheSize,
	}
	if pg, ok := store.(*sqlstore.PostgresStore); ok {
		vcfg.Pool = pg.Pool()
	}
	vectors, closeVectors, err := vector.NewStore(ctx, vcfg, logger.WithPrefix("vector"))
	switch {
	case errors.Is(err, vector.ErrDisabled):
		logger.Info("semantic search disabled")
	case err != nil:
		logger.Warn("vector store unavailable, continuing keyword-only", "backend", cfg.VectorBackend, "err", err)
		vectors, closeVectors = nil, func() {}
	}

	provider, err := llm.NewProvider(llm.Config{
		Mode:    cfg.LLMProvider,
		Model:   cfg.LLMModel,
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey(),
		Timeout: cfg.ClassifierTimeout,
	})
	if err != nil {
		closeVectors()
		_ = store.Close()
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}
	cls := classifier.New(provider, classifier.Options{
		Timeout:  cfg.ClassifierTimeout,
		Logger:   logger.WithPrefix("classifier"),
		Recorder: metrics,
	})

	deps := memory.ManagerDeps{
		Store:      store,
		Vectors:    vectors,
		Classifier: cls,
		Metrics:    metrics,
		Logger:     logger.WithPrefix("memory"),
		RedactPII:  cfg.RedactPII,
	}
	mgr, err := memory.NewManager(deps)
	if err != nil {
		closeVectors()
		_ = store.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Debug("session expired", "session", s.ID, "turns", s.TurnCount)
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, mgr, metrics, reg, logger.WithPrefix("http"))

	cleanup := func() error {
		closeVectors()
		if err := store.Close(); err != nil {
			return fmt.Errorf("close memory store: %w", err)
		}
		return nil
	}

	logger.Info("memory service built",
		"store", storeMode(cfg),
		"vector", cfg.VectorBackend,
		"embedder", cfg.Embedder,
		"llm", cfg.LLMProvider,
		"redact_pii", cfg.RedactPII,
	)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Memory:   mgr,
		Metrics:  metrics,
		Registry: reg,
		Cleanup:  cleanup,
	}, nil
}

func storeMode(cfg config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}
