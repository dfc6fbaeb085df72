package memory

import (
	"sort"
	"strings"
)

const (
	relevanceWeight  = 0.6
	importanceWeight = 0.3
	recentBonus      = 0.1
	dedupPrefixLen   = 100
)

// CompositeScore weighs relevance and importance, with a fixed bonus for
// turns from the live session window.
func CompositeScore(r RetrievalResult) float64 {
	score := relevanceWeight*r.Relevance + importanceWeight*r.Importance
	if r.Source == SourceRecent {
		score += recentBonus
	}
	return score
}

func dedupKey(content string) string {
	key := strings.ToLower(strings.TrimSpace(content))
	if r := []rune(key); len(r) > dedupPrefixLen {
		key = string(r[:dedupPrefixLen])
	}
	return key
}

// Dedupe keeps the first result for each normalized content prefix.
func Dedupe(results []RetrievalResult) []RetrievalResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]RetrievalResult, 0, len(results))
	for _, r := range results {
		k := dedupKey(r.Content)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Rank sorts by composite score, breaking ties on importance, and keeps at
// most limit results. The input order decides remaining ties.
func Rank(results []RetrievalResult, limit int) []RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := CompositeScore(results[i]), CompositeScore(results[j])
		if si != sj {
			return si > sj
		}
		return results[i].Importance > results[j].Importance
	})
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
