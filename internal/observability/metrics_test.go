package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicememory/internal/memory"
)

func TestMetricsRecordMemoryEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.ObserveClassification(memory.CategoryFactual, false)
	m.ObserveClassification(memory.CategoryConversational, true)
	m.ObserveTurnStored()
	m.ObserveFactStored(false)
	m.ObserveFactStored(true)
	m.ObserveFactStored(true)
	m.ObserveEmbeddingFailure()
	m.ObserveStoreError("search_facts")
	m.ObserveRetrieval(12*time.Millisecond, []memory.RetrievalResult{
		{Source: memory.SourceRecent},
		{Source: memory.SourceVector},
		{Source: memory.SourceVector},
	})
	m.SetActiveSessions(3)

	assert.Equal(t, 1.0, value(t, m.Classifications.WithLabelValues("FACTUAL")))
	assert.Equal(t, 1.0, value(t, m.ClassifierFailures))
	assert.Equal(t, 1.0, value(t, m.TurnsStored))
	assert.Equal(t, 1.0, value(t, m.FactsStored.WithLabelValues("new")))
	assert.Equal(t, 2.0, value(t, m.FactsStored.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, value(t, m.EmbeddingFailures))
	assert.Equal(t, 1.0, value(t, m.StoreErrors.WithLabelValues("search_facts")))
	assert.Equal(t, 2.0, value(t, m.RetrievalResults.WithLabelValues("vector")))
	assert.Equal(t, 3.0, value(t, m.ActiveSessions))

	snap := m.SnapshotLatency()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, "retrieve", snap.Stages[0].Stage)
	assert.Equal(t, 12.0, snap.Stages[0].LastMS)
	names := make([]string, 0, len(snap.Indicators))
	for _, ind := range snap.Indicators {
		names = append(names, ind.Name)
	}
	assert.Equal(t, []string{"classifier_fallback", "embedding_failure", "store_error:search_facts"}, names)
}

func TestNewMetricsWithoutRegistererDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", nil)
		NewMetrics("a", nil)
	})
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("vm", reg)
	m.ObserveTurnStored()

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vm_turns_stored_total 1")
}

func TestRetrievalPathsBecomeStages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.ObserveRetrievalPath(memory.SourceFTS, 4*time.Millisecond, 2)
	m.ObserveRetrievalPath(memory.SourceFTS, 6*time.Millisecond, 0)
	m.ObserveRetrievalPath(memory.SourceVector, 120*time.Millisecond, 3)
	m.ObserveRetrieval(130*time.Millisecond, nil)

	stages := map[string]StageStats{}
	for _, s := range m.SnapshotLatency().Stages {
		stages[s.Stage] = s
	}
	require.Len(t, stages, 3)

	fts := stages["retrieve/fts"]
	assert.Equal(t, 2, fts.Samples)
	assert.Equal(t, 5.0, fts.AvgMS)
	require.NotNil(t, fts.AvgResults)
	assert.Equal(t, 1.0, *fts.AvgResults)
	assert.Equal(t, 80.0, fts.TargetP95MS)
	assert.Zero(t, fts.OverTarget)

	vec := stages["retrieve/vector"]
	assert.Equal(t, 1, vec.OverTarget)

	total := stages[StageRetrieve]
	require.NotNil(t, total.AvgResults)
	assert.Zero(t, *total.AvgResults)
	assert.Equal(t, 1, total.OverTarget)
}

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8, time.Minute)
	w.Observe("retrieve", 50)
	w.Observe("retrieve", 70)
	w.Observe("retrieve", 90)
	w.Observe("retrieve", 150)
	w.Observe("retrieve", -1)
	w.Observe("", 10)
	w.ObserveIndicator("retrieve_empty")
	w.ObserveIndicator("retrieve_empty")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.MaxSamples)
	assert.Equal(t, 60.0, snap.HorizonSeconds)
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 150.0, s.LastMS)
	assert.Equal(t, 90.0, s.AvgMS)
	assert.Equal(t, 70.0, s.P50MS)
	assert.Equal(t, 150.0, s.P95MS)
	assert.Equal(t, 100.0, s.TargetP95MS)
	assert.Equal(t, 1, s.OverTarget)
	assert.Nil(t, s.AvgResults)
	assert.Equal(t, []Indicator{{Name: "retrieve_empty", Count: 2}}, snap.Indicators)
}

func TestLatencyWindowCapsSamples(t *testing.T) {
	w := newLatencyWindow(3, time.Hour)
	for _, v := range []float64{1000, 1000, 1000, 1, 2, 3} {
		w.Observe("ingest", v)
	}
	s := w.Snapshot().Stages[0]
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 2.0, s.AvgMS)
	assert.Equal(t, 3.0, s.LastMS)
	assert.Zero(t, s.OverTarget)
}

func TestLatencyWindowForgetsOldSamples(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	w := newLatencyWindow(16, time.Minute)
	w.now = func() time.Time { return now }

	w.Observe("ingest", 3000)
	now = now.Add(45 * time.Second)
	w.Observe("ingest", 10)
	w.Observe("retrieve", 5)

	s := w.Snapshot().Stages[0]
	assert.Equal(t, "ingest", s.Stage)
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 1, s.OverTarget)

	now = now.Add(30 * time.Second)
	w.Observe("ingest", 20)
	snap := w.Snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Zero(t, snap.Stages[0].OverTarget)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, w.Snapshot().Stages)
}

func TestNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, nearestRank(sorted, 0.5))
	assert.Equal(t, 10.0, nearestRank(sorted, 0.95))
	assert.Equal(t, 1.0, nearestRank(sorted, 0))
	assert.Zero(t, nearestRank(nil, 0.5))
}

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", c.Desc())
	return 0
}
