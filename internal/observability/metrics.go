package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/voicememory/internal/memory"
)

// Metrics groups all Prometheus instruments used by the service. It
// satisfies memory.Metrics and classifier.Recorder.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	Classifications    *prometheus.CounterVec
	ClassifierFailures prometheus.Counter
	TurnsStored        prometheus.Counter
	FactsStored        *prometheus.CounterVec
	EmbeddingFailures  prometheus.Counter
	StoreErrors        *prometheus.CounterVec
	RetrievalLatency   prometheus.Histogram
	PathLatency        *prometheus.HistogramVec
	RetrievalResults   *prometheus.CounterVec
	latency            *latencyWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses a private
// registry so repeated construction in tests never collides.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open memory sessions.",
		}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classified exchanges by category.",
		}, []string{"category"}),
		ClassifierFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_failures_total",
			Help:      "Classifications that fell back after a provider or parse error.",
		}),
		TurnsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_stored_total",
			Help:      "Conversation turns persisted.",
		}),
		FactsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_stored_total",
			Help:      "Fact writes by outcome.",
		}, []string{"outcome"}),
		EmbeddingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_failures_total",
			Help:      "Facts whose embedding could not be indexed.",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store errors by operation.",
		}, []string{"op"}),
		RetrievalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_latency_ms",
			Help:      "Context retrieval latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		}),
		PathLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_path_latency_ms",
			Help:      "Latency of each retrieval path in milliseconds.",
			Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 200, 400},
		}, []string{"path"}),
		RetrievalResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_results_total",
			Help:      "Returned retrieval results by source.",
		}, []string{"source"}),
		latency: newLatencyWindow(256, 10*time.Minute),
	}
}

func (m *Metrics) ObserveClassification(category memory.MemoryCategory, failed bool) {
	m.Classifications.WithLabelValues(string(category)).Inc()
	if failed {
		m.ClassifierFailures.Inc()
		m.latency.ObserveIndicator("classifier_fallback")
	}
}

func (m *Metrics) ObserveTurnStored() {
	m.TurnsStored.Inc()
}

func (m *Metrics) ObserveFactStored(duplicate bool) {
	outcome := "new"
	if duplicate {
		outcome = "duplicate"
	}
	m.FactsStored.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEmbeddingFailure() {
	m.EmbeddingFailures.Inc()
	m.latency.ObserveIndicator("embedding_failure")
}

func (m *Metrics) ObserveStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
	m.latency.ObserveIndicator("store_error:" + op)
}

func (m *Metrics) ObserveRetrieval(elapsed time.Duration, results []memory.RetrievalResult) {
	ms := float64(elapsed.Microseconds()) / 1000
	m.RetrievalLatency.Observe(ms)
	m.latency.ObserveResults(StageRetrieve, ms, len(results))
	if len(results) == 0 {
		m.latency.ObserveIndicator("retrieve_empty")
	}
	for _, r := range results {
		m.RetrievalResults.WithLabelValues(string(r.Source)).Inc()
	}
}

// ObserveRetrievalPath records one read path of a retrieval and how many
// candidates it produced before merging.
func (m *Metrics) ObserveRetrievalPath(path memory.Source, elapsed time.Duration, results int) {
	ms := float64(elapsed.Microseconds()) / 1000
	m.PathLatency.WithLabelValues(string(path)).Observe(ms)
	m.latency.ObserveResults(retrievePathPrefix+string(path), ms, results)
}

// ObserveStage records an arbitrary timed stage, such as a full ingest.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.latency.Observe(stage, float64(elapsed.Microseconds())/1000)
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
