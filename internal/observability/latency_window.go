package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the service. Per-path retrieval stages are
// "retrieve/<source>".
const (
	StageRetrieve = "retrieve"
	StageIngest   = "ingest"

	retrievePathPrefix = StageRetrieve + "/"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than the target.
	OverTarget int `json:"over_target,omitempty"`
	// AvgResults is the mean hit count for stages that report one.
	AvgResults *float64 `json:"avg_results,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is the rolling view served on /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	HorizonSeconds float64      `json:"horizon_seconds"`
	MaxSamples     int          `json:"max_samples"`
	Stages         []StageStats `json:"stages"`
	Indicators     []Indicator  `json:"indicators,omitempty"`
}

type sample struct {
	at      time.Time
	ms      float64
	results int
}

type stageSamples struct {
	samples []sample
	// counted is set once the stage reports result counts.
	counted bool
}

// latencyWindow holds, per stage, the samples observed within horizon,
// capped at maxSamples. Indicators are plain counters since start.
type latencyWindow struct {
	mu         sync.Mutex
	maxSamples int
	horizon    time.Duration
	stages     map[string]*stageSamples
	indicators map[string]int
	now        func() time.Time
}

func newLatencyWindow(maxSamples int, horizon time.Duration) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if horizon <= 0 {
		horizon = 10 * time.Minute
	}
	return &latencyWindow{
		maxSamples: maxSamples,
		horizon:    horizon,
		stages:     make(map[string]*stageSamples),
		indicators: make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	w.observe(stage, ms, -1)
}

// ObserveResults records a sample together with how many results the
// stage produced.
func (w *latencyWindow) ObserveResults(stage string, ms float64, results int) {
	w.observe(stage, ms, max(results, 0))
}

func (w *latencyWindow) observe(stage string, ms float64, results int) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.stages[stage]
	if !ok {
		st = &stageSamples{}
		w.stages[stage] = st
	}
	now := w.now()
	st.samples = append(st.samples, sample{at: now, ms: ms, results: results})
	if results >= 0 {
		st.counted = true
	}
	w.evict(st, now)
}

// evict drops samples older than the horizon and the oldest ones beyond
// maxSamples. Samples are kept in arrival order.
func (w *latencyWindow) evict(st *stageSamples, now time.Time) {
	cutoff := now.Add(-w.horizon)
	drop := 0
	for drop < len(st.samples) && st.samples[drop].at.Before(cutoff) {
		drop++
	}
	drop = max(drop, len(st.samples)-w.maxSamples)
	if drop > 0 {
		st.samples = slices.Clone(st.samples[drop:])
	}
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	names := make([]string, 0, len(w.stages))
	for name, st := range w.stages {
		w.evict(st, now)
		if len(st.samples) == 0 {
			delete(w.stages, name)
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		stages = append(stages, summarize(name, w.stages[name]))
	}

	indicators := make([]Indicator, 0, len(w.indicators))
	for name, n := range w.indicators {
		indicators = append(indicators, Indicator{Name: name, Count: n})
	}
	slices.SortFunc(indicators, func(a, b Indicator) int { return strings.Compare(a.Name, b.Name) })

	return LatencySnapshot{
		GeneratedAt:    now,
		HorizonSeconds: w.horizon.Seconds(),
		MaxSamples:     w.maxSamples,
		Stages:         stages,
		Indicators:     indicators,
	}
}

func summarize(name string, st *stageSamples) StageStats {
	n := len(st.samples)
	target := stageTargetP95MS(name)
	sorted := make([]float64, n)
	var sum float64
	var results, counted, over int
	for i, s := range st.samples {
		sorted[i] = s.ms
		sum += s.ms
		if target > 0 && s.ms > target {
			over++
		}
		if s.results >= 0 {
			results += s.results
			counted++
		}
	}
	slices.Sort(sorted)

	out := StageStats{
		Stage:       name,
		Samples:     n,
		LastMS:      round2(st.samples[n-1].ms),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       round2(nearestRank(sorted, 0.50)),
		P95MS:       round2(nearestRank(sorted, 0.95)),
		TargetP95MS: target,
		OverTarget:  over,
	}
	if st.counted && counted > 0 {
		avg := round2(float64(results) / float64(counted))
		out.AvgResults = &avg
	}
	return out
}

// nearestRank returns the smallest sample with at least q of the samples
// at or below it.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch {
	case stage == StageRetrieve:
		return 100
	case strings.HasPrefix(stage, retrievePathPrefix):
		return 80
	case stage == StageIngest:
		return 2500
	default:
		return 0
	}
}
