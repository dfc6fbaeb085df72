package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicememory/internal/memory"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "VECTOR_PATH", "LOG_FORMAT", "MEMORY_REDACT_PII", "EMBEDDER", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("VECTOR_BACKEND", "none")
	t.Setenv("LOG_LEVEL", "error")
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	t.Setenv("MEMORY_DB_PATH", dbPath)
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.Writer = &out
	root.ErrWriter = io.Discard
	err := root.Run(context.Background(), append([]string{"voicememory"}, args...))
	return out.String(), err
}

func TestRememberThenRecall(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "remember", "--user", "alice", "--session", "s1", "My name is Alice", "Nice to meet you.")
	require.NoError(t, err)
	var cls memory.MemoryClassification
	require.NoError(t, json.Unmarshal([]byte(out), &cls))
	assert.Equal(t, memory.CategoryFactual, cls.Category)

	out, err = run(t, "recall", "--user", "alice", "--session", "s2", "name")
	require.NoError(t, err)
	assert.Contains(t, out, memory.ContextHeader)
	assert.Contains(t, out, "- My name is Alice")

	out, err = run(t, "recall", "--user", "bob", "name")
	require.NoError(t, err)
	assert.Contains(t, out, "(nothing remembered)")
}

func TestFactsHistoryAndStats(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "remember", "--user", "alice", "--session", "s1", "I prefer tea over coffee", "Noted.")
	require.NoError(t, err)
	_, err = run(t, "remember", "--user", "alice", "--session", "s1", "what time is it", "It is noon.")
	require.NoError(t, err)

	out, err := run(t, "facts", "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "CATEGORY")
	assert.Contains(t, out, "I prefer tea over coffee")

	out, err = run(t, "history", "--user", "alice", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "[s1 #1")

	out, err = run(t, "stats", "--user", "alice")
	require.NoError(t, err)
	var stats memory.StoreStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 1, stats.Facts)
	assert.EqualValues(t, -1, stats.Embeddings)

	out, err = run(t, "sessions", "--user", "alice")
	require.NoError(t, err)
	var sessions []memory.SessionStats
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestFactsRejectsUnknownCategory(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "facts", "--category", "gossip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")
}

func TestRememberRequiresText(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "remember")
	require.Error(t, err)
}

func TestCleanupReportsCounts(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "cleanup", "--days", "30", "--purge-grace", "7")
	require.NoError(t, err)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, map[string]int64{"deleted": 0, "purged": 0}, counts)
}

func TestGlobalFlagOverridesEnvironment(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "--llm", "anthropic", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestRememberMintsSessionPerUser(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "remember", "--user", "alice", "I like green tea", "Noted.")
	require.NoError(t, err)
	_, err = run(t, "remember", "--user", "bob", "I like black coffee", "Noted.")
	require.NoError(t, err)

	out, err := run(t, "history", "--user", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "[bob_cli_")
	assert.Contains(t, out, " #1 ")
	assert.NotContains(t, out, " #2 ")

	out, err = run(t, "sessions", "--user", "alice")
	require.NoError(t, err)
	var sessions []memory.SessionStats
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, strings.HasPrefix(sessions[0].SessionID, "alice_cli_"), sessions[0].SessionID)
}
