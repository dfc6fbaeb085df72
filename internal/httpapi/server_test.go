package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicememory/internal/classifier"
	"github.com/ent0n29/voicememory/internal/config"
	"github.com/ent0n29/voicememory/internal/llm"
	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/memory/sqlstore"
	"github.com/ent0n29/voicememory/internal/memory/vector"
	"github.com/ent0n29/voicememory/internal/observability"
	"github.com/ent0n29/voicememory/internal/session"
)

type testServer struct {
	*httptest.Server
	sessions *session.Manager
	store    memory.Store
	clock    *atomic.Int64
}

// advance moves the memory clock; session expiry keeps real time.
func (ts *testServer) advance(d time.Duration) {
	ts.clock.Add(int64(d))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	clock := &atomic.Int64{}
	clock.Store(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	store, err := sqlstore.NewSQLiteStore(":memory:", sqlstore.Options{Now: now})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))
	t.Cleanup(func() { _ = store.Close() })

	vectors, err := vector.NewChromemStore("", "", vector.NewHashEmbedding(128), nil)
	require.NoError(t, err)
	require.NoError(t, vectors.Initialize(ctx))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	mgr, err := memory.NewManager(memory.ManagerDeps{
		Store:      store,
		Vectors:    vectors,
		Classifier: classifier.New(llm.NewMockProvider(), classifier.Options{Recorder: metrics}),
		Metrics:    metrics,
		Now:        now,
	})
	require.NoError(t, err)

	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		MemoryMaxResults:         5,
		MemoryContextChars:       500,
		MemoryRetentionDays:      30,
		MemoryDBPath:             ":memory:",
		VectorBackend:            "chromem",
		Embedder:                 "hash",
		LLMProvider:              "mock",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, mgr, metrics, reg, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sessions: sessions, store: store, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestCreateAndEndSession(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/v1/sessions", map[string]string{
		"user_id":     "alice",
		"device_name": "kitchen speaker",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[session.CreateResponse](t, body)
	assert.True(t, strings.HasPrefix(created.SessionID, "alice_kitchen-speaker_"), created.SessionID)
	assert.Equal(t, session.StatusActive, created.Status)
	assert.Equal(t, (2 * time.Minute).Milliseconds(), created.InactivityTTLMS)

	status, _ = ts.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/end", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodPost, "/v1/memory/turns", memory.ConversationInput{
		SessionID: created.SessionID, UserID: "alice", UserInput: "Tell me a story", AssistantResponse: "Once upon a time",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_ended", decode[apiError](t, body).Error.Code)

	status, body = ts.do(t, http.MethodPost, "/v1/sessions/missing/end", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session_not_found", decode[apiError](t, body).Error.Code)
}

func TestCreateSessionWithoutBodyUsesDefaultUser(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, memory.DefaultUserID, decode[session.CreateResponse](t, body).UserID)
}

func TestFactsFollowUserAcrossSessions(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/v1/memory/turns", memory.ConversationInput{
		SessionID: "phone-1", UserID: "alice", UserInput: "My name is Alice", AssistantResponse: "Nice to meet you, Alice.",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	stored := decode[storeTurnResponse](t, body)
	assert.True(t, stored.Stored)
	assert.Equal(t, memory.CategoryFactual, stored.Classification.Category)

	status, body = ts.do(t, http.MethodPost, "/v1/memory/context", map[string]any{
		"query": "what is my name", "session_id": "car-1", "user_id": "alice",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	got := decode[struct {
		Results []struct {
			Content   string  `json:"content"`
			SessionID *string `json:"session_id"`
		} `json:"results"`
		Context string `json:"context"`
	}](t, body)
	require.NotEmpty(t, got.Results)
	for _, r := range got.Results {
		assert.Nil(t, r.SessionID, "only shared facts may cross sessions")
	}
	assert.Contains(t, got.Context, "My name is Alice")

	status, body = ts.do(t, http.MethodPost, "/v1/memory/context", map[string]any{
		"query": "what is my name", "session_id": "car-1", "user_id": "bob",
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(body), "Alice")
}

func TestEphemeralTurnIsNotStored(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodPost, "/v1/memory/turns", memory.ConversationInput{
		SessionID: "s1", UserID: "alice", UserInput: "hello there", AssistantResponse: "Hi!",
	})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[storeTurnResponse](t, body).Stored)

	status, body = ts.do(t, http.MethodGet, "/v1/memory/conversations?user_id=alice&session_id=s1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"conversations":[]}`, string(body))
}

func TestListAndDeleteFacts(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/memory/turns", memory.ConversationInput{
		SessionID: "s1", UserID: "carol", UserInput: "I love green tea", AssistantResponse: "Noted.",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := ts.do(t, http.MethodGet, "/v1/memory/facts?user_id=carol&category=preference", nil)
	require.Equal(t, http.StatusOK, status)
	facts := decode[struct {
		Facts []struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
		} `json:"facts"`
	}](t, body).Facts
	require.Len(t, facts, 1)
	assert.Equal(t, "I love green tea", facts[0].Content)

	status, _ = ts.do(t, http.MethodDelete, "/v1/memory/facts/"+strconv.FormatInt(facts[0].ID, 10), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = ts.do(t, http.MethodGet, "/v1/memory/facts?user_id=carol", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"facts":[]}`, string(body))

	status, body = ts.do(t, http.MethodDelete, "/v1/memory/facts/"+strconv.FormatInt(facts[0].ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", decode[apiError](t, body).Error.Code)
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"turn without session", http.MethodPost, "/v1/memory/turns", map[string]string{"user_input": "hi"}, http.StatusBadRequest},
		{"turn without input", http.MethodPost, "/v1/memory/turns", map[string]string{"session_id": "s1"}, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/v1/memory/turns", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/memory/context", map[string]any{"qeury": "x"}, http.StatusBadRequest},
		{"negative max results", http.MethodPost, "/v1/memory/context", map[string]any{"max_results": -1}, http.StatusBadRequest},
		{"unknown category", http.MethodGet, "/v1/memory/facts?category=gossip", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/memory/conversations?limit=lots", nil, http.StatusBadRequest},
		{"bad fact id", http.MethodDelete, "/v1/memory/facts/abc", nil, http.StatusBadRequest},
		{"stats of unknown session", http.MethodGet, "/v1/memory/sessions/s1/stats", nil, http.StatusOK},
		{"action without name", http.MethodPost, "/v1/memory/actions", map[string]any{"session_id": "s1"}, http.StatusBadRequest},
		{"negative cleanup days", http.MethodPost, "/v1/memory/cleanup", map[string]any{"days_old": -1}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := ts.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, status, string(body))
			if tc.want == http.StatusBadRequest {
				assert.NotEmpty(t, decode[apiError](t, body).Error.Code)
			}
		})
	}
}

func TestPreferencesAndActions(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPut, "/v1/memory/preferences/units", map[string]string{"user_id": "dan", "value": "metric"})
	require.Equal(t, http.StatusNoContent, status)
	status, body := ts.do(t, http.MethodGet, "/v1/memory/preferences?user_id=dan", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"value":"metric"`)

	status, body = ts.do(t, http.MethodPost, "/v1/memory/actions", map[string]any{
		"session_id": "s1", "user_id": "dan", "action_name": "set_timer", "parameters": `{"minutes":5}`, "success": true,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	status, body = ts.do(t, http.MethodGet, "/v1/memory/actions?user_id=dan&session_id=s1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"action_name":"set_timer"`)
}

func TestStatsCleanupAndOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/v1/memory/turns", memory.ConversationInput{
		SessionID: "s1", UserID: "erin", UserInput: "Tell me a joke", AssistantResponse: "Why did the chicken...",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := ts.do(t, http.MethodGet, "/v1/memory/stats?user_id=erin", nil)
	require.Equal(t, http.StatusOK, status)
	stats := decode[memory.StoreStats](t, body)
	assert.EqualValues(t, 1, stats.Conversations)
	assert.EqualValues(t, 0, stats.Embeddings)

	status, body = ts.do(t, http.MethodGet, "/v1/memory/sessions?user_id=erin", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"session_id":"s1"`)

	status, body = ts.do(t, http.MethodPost, "/v1/memory/cleanup", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"deleted":0,"purged":0}`, string(body))

	ts.advance(time.Hour)
	status, body = ts.do(t, http.MethodPost, "/v1/memory/cleanup", map[string]any{"days_old": 0, "keep_facts": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, cleanupResponse{Deleted: 1}, decode[cleanupResponse](t, body))

	ts.advance(time.Hour)
	status, body = ts.do(t, http.MethodPost, "/v1/memory/cleanup", map[string]any{"days_old": 0, "purge_grace_days": 0})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, cleanupResponse{Purged: 1}, decode[cleanupResponse](t, body))

	status, _ = ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"store_mode":"sqlite"`)

	status, body = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "test_turns_stored_total 1")

	status, body = ts.do(t, http.MethodGet, "/v1/perf/latency", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"stage":"ingest"`)

	status, body = ts.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, status)
	st := decode[statusResponse](t, body)
	assert.Equal(t, "mock", st.LLMProvider)
	ids := make([]string, 0, len(st.Checks))
	for _, c := range st.Checks {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"store", "vector", "classifier", "redaction"}, ids)
}

func TestReadyReportsClosedStore(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())
	status, body := ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "store_unavailable", decode[apiError](t, body).Error.Code)
}
