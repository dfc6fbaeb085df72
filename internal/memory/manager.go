package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicememory/internal/policy"
)

const (
	DefaultMaxResults   = 5
	DefaultContextChars = 500

	recentTurns         = 3
	recentRelevance     = 0.8
	vectorMinSimilarity = 0.3
	listLimit           = 20
)

// Metrics receives write and read path events. Nil disables them.
type Metrics interface {
	ObserveTurnStored()
	ObserveFactStored(duplicate bool)
	ObserveEmbeddingFailure()
	ObserveStoreError(op string)
	ObserveRetrieval(elapsed time.Duration, results []RetrievalResult)
	ObserveRetrievalPath(path Source, elapsed time.Duration, results int)
}

type ManagerDeps struct {
	Store Store
	// Vectors is optional; without it facts are only keyword searchable.
	Vectors    VectorStore
	Classifier Classifier
	Metrics    Metrics
	Logger     *log.Logger
	// RedactPII masks emails, phone and card numbers before anything is
	// persisted.
	RedactPII bool
	Now       func() time.Time
}

// Manager coordinates classification, persistence and retrieval. It holds
// no per-session state; every call carries its own user and session.
type Manager struct {
	store      Store
	vectors    VectorStore
	classifier Classifier
	metrics    Metrics
	logger     *log.Logger
	redact     bool
	now        func() time.Time
}

func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: memory manager requires a store", ErrInvalidInput)
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("%w: memory manager requires a classifier", ErrInvalidInput)
	}
	if deps.Logger == nil {
		deps.Logger = log.Default().WithPrefix("memory")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		store:      deps.Store,
		vectors:    deps.Vectors,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		redact:     deps.RedactPII,
		now:        deps.Now,
	}, nil
}

// ConversationInput is one finished user/assistant exchange.
type ConversationInput struct {
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	UserInput         string `json:"user_input"`
	AssistantResponse string `json:"assistant_response"`
	IntentType        string `json:"intent_type,omitempty"`
	DurationMS        int64  `json:"duration_ms,omitempty"`
	TokensUsed        int    `json:"tokens_used,omitempty"`
}

// ProcessConversation classifies an exchange and persists what the verdict
// allows. Only a failure to store the turn itself is returned.
func (m *Manager) ProcessConversation(ctx context.Context, in ConversationInput) (MemoryClassification, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return MemoryClassification{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	userID := orDefaultUser(in.UserID)

	cls := m.classifier.Classify(ctx, in.UserInput, in.AssistantResponse, in.IntentType)
	if cls.Category == CategoryEphemeral {
		m.logger.Debug("ephemeral turn discarded", "session", in.SessionID, "reason", cls.Reasoning)
		return cls, nil
	}

	userInput, response := m.scrub(in.UserInput), m.scrub(in.AssistantResponse)
	convID, turnNo, err := m.store.StoreConversation(ctx, ConversationTurn{
		SessionID:         in.SessionID,
		UserID:            userID,
		UserInput:         userInput,
		AssistantResponse: response,
		IntentType:        in.IntentType,
		DurationMS:        in.DurationMS,
		TokensUsed:        in.TokensUsed,
		CreatedAt:         m.now().UTC(),
	})
	if err != nil {
		m.storeError("store_conversation")
		return cls, fmt.Errorf("store conversation: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ObserveTurnStored()
	}
	m.logger.Debug("turn stored", "session", in.SessionID, "turn", turnNo, "category", cls.Category)

	if cls.Category == CategoryFactual {
		m.storeFacts(ctx, userID, convID, cls, userInput)
	}
	return cls, nil
}

// storeFacts persists one fact per extracted statement, or the utterance
// itself when nothing was extracted. Failures are logged only; the turn is
// already durable.
func (m *Manager) storeFacts(ctx context.Context, userID string, convID int64, cls MemoryClassification, utterance string) {
	statements := cls.ExtractedFacts
	if len(statements) == 0 {
		statements = []string{utterance}
	}
	for _, stmt := range statements {
		stmt = strings.TrimSpace(m.scrub(stmt))
		if stmt == "" {
			continue
		}
		fact := Fact{
			UserID:         userID,
			Content:        stmt,
			Category:       cls.FactCategory,
			Importance:     cls.Importance,
			ConversationID: &convID,
		}
		id, duplicate, err := m.store.StoreFact(ctx, fact)
		if err != nil {
			m.storeError("store_fact")
			m.logger.Error("store fact failed", "user", userID, "err", err)
			continue
		}
		if m.metrics != nil {
			m.metrics.ObserveFactStored(duplicate)
		}
		if m.vectors == nil {
			continue
		}
		if duplicate {
			// Backfill embeddings that failed on an earlier attempt.
			existing, err := m.store.GetFact(ctx, id)
			if err != nil || existing.EmbeddingID != nil {
				continue
			}
			fact = existing
		}
		m.embedFact(ctx, id, fact)
	}
}

func (m *Manager) embedFact(ctx context.Context, id int64, fact Fact) {
	category := ParseFactCategory(string(fact.Category))
	created := fact.CreatedAt
	if created.IsZero() {
		created = m.now().UTC()
	}
	embeddingID, err := m.vectors.AddEmbedding(ctx, id, fact.Content, VectorMetadata{
		UserID:     fact.UserID,
		Category:   category,
		Importance: fact.Importance,
		CreatedAt:  created,
	})
	if err == nil {
		err = m.store.UpdateFactEmbedding(ctx, id, embeddingID)
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.ObserveEmbeddingFailure()
		}
		m.logger.Warn("fact embedding failed, keyword search only", "fact", id, "err", err)
	}
}

// RetrieveOptions scopes a context lookup. Callers usually want both
// IncludeRecent and IncludeFacts.
type RetrieveOptions struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	MaxResults    int    `json:"max_results"`
	IncludeRecent bool   `json:"include_recent"`
	IncludeFacts  bool   `json:"include_facts"`
}

// RetrieveContext merges recent turns, session keyword hits and shared
// facts into one ranked list. Failing paths contribute nothing.
func (m *Manager) RetrieveContext(ctx context.Context, opts RetrieveOptions) []RetrievalResult {
	start := time.Now()
	userID := orDefaultUser(opts.UserID)
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	perPath := max(1, maxResults/2)

	// One slot per path so the merge order is fixed whatever finishes first.
	var paths [4][]RetrievalResult
	var g errgroup.Group
	run := func(slot int, path Source, op string, search func() ([]RetrievalResult, error)) {
		g.Go(func() error {
			began := time.Now()
			hits, err := search()
			if err != nil {
				m.pathFailed(op, err)
				hits = nil
			}
			paths[slot] = hits
			if m.metrics != nil {
				m.metrics.ObserveRetrievalPath(path, time.Since(began), len(hits))
			}
			return nil
		})
	}

	if opts.IncludeRecent && opts.SessionID != "" {
		run(0, SourceRecent, "recent_turns", func() ([]RetrievalResult, error) {
			return m.recentTurns(ctx, userID, opts.SessionID)
		})
	}
	if opts.SessionID != "" {
		run(1, SourceSQLConversation, "search_conversations", func() ([]RetrievalResult, error) {
			return m.store.SearchConversations(ctx, opts.Query, userID, opts.SessionID, perPath)
		})
	}
	if opts.IncludeFacts {
		run(2, SourceFTS, "search_facts", func() ([]RetrievalResult, error) {
			return m.store.SearchFacts(ctx, opts.Query, userID, perPath)
		})
		if m.vectors != nil {
			run(3, SourceVector, "vector_search", func() ([]RetrievalResult, error) {
				return m.vectors.Search(ctx, opts.Query, userID, perPath, vectorMinSimilarity)
			})
		}
	}
	_ = g.Wait()

	var merged []RetrievalResult
	for _, p := range paths {
		for _, r := range p {
			// Session-scoped content from anywhere but the caller's session
			// must never surface.
			if r.SessionID != nil && *r.SessionID != opts.SessionID {
				m.logger.Warn("dropped foreign session result", "session", *r.SessionID, "source", r.Source)
				continue
			}
			merged = append(merged, r)
		}
	}
	out := Rank(Dedupe(merged), maxResults)

	if m.metrics != nil {
		m.metrics.ObserveRetrieval(time.Since(start), out)
	}
	return out
}

func (m *Manager) recentTurns(ctx context.Context, userID, sessionID string) ([]RetrievalResult, error) {
	turns, err := m.store.GetConversations(ctx, userID, sessionID, recentTurns)
	if err != nil {
		return nil, err
	}
	out := make([]RetrievalResult, 0, len(turns))
	for _, t := range turns {
		if t.SessionID != sessionID {
			continue
		}
		id, sid := t.ID, t.SessionID
		out = append(out, RetrievalResult{
			Content:        TurnContent(t.UserInput, t.AssistantResponse),
			Relevance:      recentRelevance,
			ConversationID: &id,
			SessionID:      &sid,
			Category:       t.IntentType,
			Importance:     0.5,
			CreatedAt:      t.CreatedAt,
			Source:         SourceRecent,
		})
	}
	return out, nil
}

// FormatContextForPrompt renders results for a system prompt within
// maxLength characters.
func (m *Manager) FormatContextForPrompt(results []RetrievalResult, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultContextChars
	}
	return FormatContextForPrompt(results, maxLength)
}

func (m *Manager) GetUserFacts(ctx context.Context, userID string, category FactCategory, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = listLimit
	}
	return m.store.GetFacts(ctx, orDefaultUser(userID), category, limit)
}

func (m *Manager) GetConversationHistory(ctx context.Context, userID, sessionID string, limit int) ([]ConversationTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.store.GetConversations(ctx, orDefaultUser(userID), sessionID, limit)
}

func (m *Manager) GetSessionStats(ctx context.Context, sessionID, userID string) (SessionStats, error) {
	if sessionID == "" {
		return SessionStats{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return m.store.SessionStats(ctx, sessionID, orDefaultUser(userID))
}

func (m *Manager) ListSessions(ctx context.Context, userID string, limit int) ([]SessionStats, error) {
	if limit <= 0 {
		limit = listLimit
	}
	return m.store.ListSessions(ctx, orDefaultUser(userID), limit)
}

// GetStats reports store counters; Embeddings is -1 without a vector store.
func (m *Manager) GetStats(ctx context.Context, userID string) (StoreStats, error) {
	stats, err := m.store.Stats(ctx, userID)
	if err != nil {
		return StoreStats{}, err
	}
	stats.Embeddings = -1
	if m.vectors != nil {
		n, err := m.vectors.Count(ctx)
		if err != nil {
			m.logger.Warn("vector count failed", "err", err)
		} else {
			stats.Embeddings = int64(n)
		}
	}
	return stats, nil
}

// DeleteFact soft-deletes a fact and drops its embedding.
func (m *Manager) DeleteFact(ctx context.Context, factID int64) error {
	fact, err := m.store.GetFact(ctx, factID)
	if err != nil {
		return err
	}
	if err := m.store.SoftDeleteFact(ctx, factID); err != nil {
		return err
	}
	if m.vectors != nil && fact.EmbeddingID != nil {
		if err := m.vectors.Delete(ctx, *fact.EmbeddingID); err != nil {
			m.logger.Warn("delete embedding failed", "fact", factID, "err", err)
		}
	}
	return nil
}

func (m *Manager) SetPreference(ctx context.Context, userID, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: preference key is required", ErrInvalidInput)
	}
	return m.store.SetPreference(ctx, Preference{
		UserID:    orDefaultUser(userID),
		Key:       strings.TrimSpace(key),
		Value:     value,
		UpdatedAt: m.now().UTC(),
	})
}

func (m *Manager) GetPreferences(ctx context.Context, userID string) ([]Preference, error) {
	return m.store.GetPreferences(ctx, orDefaultUser(userID))
}

func (m *Manager) LogAction(ctx context.Context, a ActionLog) (int64, error) {
	if strings.TrimSpace(a.ActionName) == "" {
		return 0, fmt.Errorf("%w: action name is required", ErrInvalidInput)
	}
	a.UserID = orDefaultUser(a.UserID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	a.Parameters = m.scrub(a.Parameters)
	a.Result = m.scrub(a.Result)
	return m.store.LogAction(ctx, a)
}

func (m *Manager) ListActions(ctx context.Context, userID, sessionID string, limit int) ([]ActionLog, error) {
	if limit <= 0 {
		limit = listLimit
	}
	return m.store.ListActions(ctx, orDefaultUser(userID), sessionID, limit)
}

// CleanupOldSessions soft-deletes turns older than daysOld days. With
// keepFacts, turns that produced a fact are kept as provenance.
func (m *Manager) CleanupOldSessions(ctx context.Context, daysOld int, keepFacts bool) (int64, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("%w: days must not be negative", ErrInvalidInput)
	}
	cutoff := m.now().UTC().AddDate(0, 0, -daysOld)
	n, err := m.store.DeleteOldConversations(ctx, cutoff, keepFacts)
	if err != nil {
		m.storeError("delete_old_conversations")
		return 0, err
	}
	m.logger.Info("old conversations cleaned up", "days", daysOld, "keep_facts", keepFacts, "deleted", n)
	return n, nil
}

// PurgeDeleted blanks rows soft-deleted more than graceDays ago.
func (m *Manager) PurgeDeleted(ctx context.Context, graceDays int) (int64, error) {
	if graceDays < 0 {
		return 0, fmt.Errorf("%w: days must not be negative", ErrInvalidInput)
	}
	n, err := m.store.PurgeDeleted(ctx, m.now().UTC().AddDate(0, 0, -graceDays))
	if err != nil {
		m.storeError("purge_deleted")
		return 0, err
	}
	return n, nil
}

func (m *Manager) scrub(s string) string {
	if !m.redact {
		return s
	}
	out, _ := policy.RedactPII(s)
	return out
}

func (m *Manager) storeError(op string) {
	if m.metrics != nil {
		m.metrics.ObserveStoreError(op)
	}
}

func (m *Manager) pathFailed(op string, err error) {
	m.storeError(op)
	m.logger.Warn("retrieval path failed", "path", op, "err", err)
}

func orDefaultUser(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return DefaultUserID
	}
	return userID
}
