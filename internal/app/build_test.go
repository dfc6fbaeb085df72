package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicememory/internal/config"
	"github.com/ent0n29/voicememory/internal/memory"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		MetricsNamespace:         "build_test",
		MemoryDBPath:             filepath.Join(dir, "db", "memory.db"),
		VectorBackend:            "chromem",
		VectorCollection:         "facts",
		Embedder:                 "hash",
		EmbeddingDim:             64,
		EmbeddingCacheSize:       128,
		LLMProvider:              "mock",
		ClassifierTimeout:        time.Second,
		SessionInactivityTimeout: time.Minute,
		MemoryMaxResults:         5,
		MemoryContextChars:       500,
	}
}

func TestBuildWiresSQLiteChromemAndMock(t *testing.T) {
	ctx := context.Background()
	res, err := Build(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Cleanup()) })

	_, err = res.Memory.ProcessConversation(ctx, memory.ConversationInput{
		SessionID: "s1", UserID: "alice", UserInput: "My name is Alice", AssistantResponse: "Hello Alice.",
	})
	require.NoError(t, err)

	stats, err := res.Memory.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Conversations)
	assert.EqualValues(t, 1, stats.Facts)
	assert.EqualValues(t, 1, stats.Embeddings)

	results := res.Memory.RetrieveContext(ctx, memory.RetrieveOptions{
		Query: "name", SessionID: "s2", UserID: "alice", IncludeFacts: true, IncludeRecent: true,
	})
	require.NotEmpty(t, results)
	assert.Equal(t, "My name is Alice", results[0].Content)

	families, err := res.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "build_test_turns_stored_total")
	assert.Contains(t, names, "go_goroutines")
}

func TestBuildWithoutVectorsIsKeywordOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.VectorBackend = "none"
	res, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	stats, err := res.Memory.GetStats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, -1, stats.Embeddings)
}

func TestBuildDegradesWhenPGVectorHasNoDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.VectorBackend = "pgvector"
	res, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	stats, err := res.Memory.GetStats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, -1, stats.Embeddings)
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLMProvider = "bard"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm provider init failed")
}
