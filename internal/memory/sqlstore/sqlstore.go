// Package sqlstore implements the relational side of memory on SQLite
// (FTS5) and PostgreSQL (tsvector).
package sqlstore

import (
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/reliability"
)

const (
	// conversationRelevance is the fixed score of a keyword hit inside the
	// caller's own session.
	conversationRelevance  = 0.7
	conversationImportance = 0.5

	agePenaltyMax  = 0.1
	agePenaltyDays = 90.0

	defaultLimit = 10
	schemaVer    = "1"
)

var turnRetry = reliability.Policy{Attempts: 5, Base: 5 * time.Millisecond, Cap: 80 * time.Millisecond}

// Options configures a store.
type Options struct {
	Logger *log.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default().WithPrefix("sqlstore")
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// factRelevance squashes a non-negative text-match score into [0,1) and
// discounts it by up to 10% as the fact ages toward 90 days.
func factRelevance(matchScore float64, createdAt, now time.Time) float64 {
	s := math.Max(0, matchScore)
	rel := s / (1 + s)
	days := now.Sub(createdAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return rel * (1 - agePenaltyMax*math.Min(1, days/agePenaltyDays))
}

func sortByRelevance(results []memory.RetrievalResult, limit int) []memory.RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].Importance > results[j].Importance
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

func normalizeTurn(t *memory.ConversationTurn, now time.Time) error {
	if t.SessionID == "" {
		return memory.ErrInvalidInput
	}
	if t.UserID == "" {
		t.UserID = memory.DefaultUserID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return nil
}

func normalizeFact(f *memory.Fact, now time.Time) error {
	if f.Content == "" {
		return memory.ErrInvalidInput
	}
	if f.UserID == "" {
		f.UserID = memory.DefaultUserID
	}
	if f.ContentHash == "" {
		f.ContentHash = memory.ContentHash(f.Content)
	}
	if !memory.ValidFactCategory(string(f.Category)) {
		f.Category = memory.FactContext
	}
	f.Importance = math.Min(1, math.Max(0, f.Importance))
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	return nil
}
