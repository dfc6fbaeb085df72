package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultUserID is used when a caller does not identify the speaker.
const DefaultUserID = "default_user"

var (
	ErrNotFound     = errors.New("memory: not found")
	ErrInvalidInput = errors.New("memory: invalid input")
)

// MemoryCategory is the classifier's storage decision for one exchange.
type MemoryCategory string

const (
	CategoryEphemeral      MemoryCategory = "EPHEMERAL"
	CategoryConversational MemoryCategory = "CONVERSATIONAL"
	CategoryFactual        MemoryCategory = "FACTUAL"
)

// ParseMemoryCategory maps unknown values to CONVERSATIONAL.
func ParseMemoryCategory(s string) MemoryCategory {
	switch MemoryCategory(normalizeEnum(s)) {
	case CategoryEphemeral:
		return CategoryEphemeral
	case CategoryFactual:
		return CategoryFactual
	default:
		return CategoryConversational
	}
}

// FactCategory groups durable facts.
type FactCategory string

const (
	FactPersonal   FactCategory = "PERSONAL"
	FactPreference FactCategory = "PREFERENCE"
	FactKnowledge  FactCategory = "KNOWLEDGE"
	FactContext    FactCategory = "CONTEXT"
	FactOpinion    FactCategory = "OPINION"
)

// ParseFactCategory maps unknown values to CONTEXT.
func ParseFactCategory(s string) FactCategory {
	switch c := FactCategory(normalizeEnum(s)); c {
	case FactPersonal, FactPreference, FactKnowledge, FactContext, FactOpinion:
		return c
	default:
		return FactContext
	}
}

// ValidFactCategory reports whether s names one of the five fact categories.
func ValidFactCategory(s string) bool {
	switch FactCategory(normalizeEnum(s)) {
	case FactPersonal, FactPreference, FactKnowledge, FactContext, FactOpinion:
		return true
	}
	return false
}

// Source tags where a retrieval result came from.
type Source string

const (
	SourceRecent          Source = "recent"
	SourceFTS             Source = "fts"
	SourceVector          Source = "vector"
	SourceSQLConversation Source = "sql_conversation"
)

// ConversationTurn is one persisted user/assistant exchange.
type ConversationTurn struct {
	ID                int64     `json:"id"`
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	TurnNo            int       `json:"turn_no"`
	UserInput         string    `json:"user_input"`
	AssistantResponse string    `json:"assistant_response"`
	IntentType        string    `json:"intent_type,omitempty"`
	DurationMS        int64     `json:"duration_ms,omitempty"`
	TokensUsed        int       `json:"tokens_used,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Lifecycle         Lifecycle `json:"lifecycle"`
}

// Fact is a durable statement shared by every session of a user.
type Fact struct {
	ID             int64        `json:"id"`
	UserID         string       `json:"user_id"`
	Content        string       `json:"content"`
	ContentHash    string       `json:"content_hash"`
	Category       FactCategory `json:"category"`
	Importance     float64      `json:"importance_score"`
	ConversationID *int64       `json:"conversation_id,omitempty"`
	SourceRef      string       `json:"source_ref,omitempty"`
	EmbeddingID    *string      `json:"embedding_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Lifecycle      Lifecycle    `json:"lifecycle"`
}

// MemoryClassification is the classifier verdict for one exchange. It is
// never persisted.
type MemoryClassification struct {
	Category       MemoryCategory `json:"category"`
	Importance     float64        `json:"importance_score"`
	FactCategory   FactCategory   `json:"fact_category,omitempty"`
	ExtractedFacts []string       `json:"extracted_facts,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// RetrievalResult is one candidate piece of context. A nil SessionID marks
// a shared fact; a set SessionID marks a turn from that session.
type RetrievalResult struct {
	Content        string    `json:"content"`
	Relevance      float64   `json:"relevance_score"`
	FactID         *int64    `json:"fact_id,omitempty"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	SessionID      *string   `json:"session_id,omitempty"`
	Category       string    `json:"category,omitempty"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	Source         Source    `json:"source"`
}

// SessionStats summarizes a single session.
type SessionStats struct {
	SessionID   string     `json:"session_id"`
	TurnCount   int        `json:"turn_count"`
	FirstTurn   *time.Time `json:"first_turn,omitempty"`
	LastTurn    *time.Time `json:"last_turn,omitempty"`
	TotalTokens int64      `json:"total_tokens"`
}

// StoreStats are aggregate counters for observability.
type StoreStats struct {
	Conversations int64 `json:"conversations"`
	Facts         int64 `json:"facts"`
	TotalTokens   int64 `json:"total_tokens"`
	Sessions      int64 `json:"sessions"`
	Embeddings    int64 `json:"embeddings"`
}

// Preference is a keyed user setting remembered across sessions.
type Preference struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionLog records one dispatched assistant action.
type ActionLog struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	ActionName string    `json:"action_name"`
	Parameters string    `json:"parameters,omitempty"`
	Result     string    `json:"result,omitempty"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// VectorMetadata travels with every embedding and is used for filtering.
type VectorMetadata struct {
	UserID     string
	Category   FactCategory
	Importance float64
	CreatedAt  time.Time
}

// Store is the relational side of memory: turns, facts, keyword search.
type Store interface {
	Initialize(ctx context.Context) error

	StoreConversation(ctx context.Context, turn ConversationTurn) (id int64, turnNo int, err error)
	SessionTurnCount(ctx context.Context, sessionID string) (int, error)
	GetConversations(ctx context.Context, userID, sessionID string, limit int) ([]ConversationTurn, error)
	SearchConversations(ctx context.Context, query, userID, sessionID string, limit int) ([]RetrievalResult, error)
	DeleteOldConversations(ctx context.Context, cutoff time.Time, keepFactual bool) (int64, error)

	StoreFact(ctx context.Context, fact Fact) (id int64, duplicate bool, err error)
	GetFact(ctx context.Context, id int64) (Fact, error)
	GetFacts(ctx context.Context, userID string, category FactCategory, limit int) ([]Fact, error)
	SearchFacts(ctx context.Context, query, userID string, limit int) ([]RetrievalResult, error)
	UpdateFactEmbedding(ctx context.Context, factID int64, embeddingID string) error
	SoftDeleteFact(ctx context.Context, factID int64) error

	PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error)

	SessionStats(ctx context.Context, sessionID, userID string) (SessionStats, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]SessionStats, error)
	Stats(ctx context.Context, userID string) (StoreStats, error)

	SetPreference(ctx context.Context, pref Preference) error
	GetPreferences(ctx context.Context, userID string) ([]Preference, error)
	LogAction(ctx context.Context, action ActionLog) (int64, error)
	ListActions(ctx context.Context, userID, sessionID string, limit int) ([]ActionLog, error)

	Close() error
}

// VectorStore indexes fact embeddings for semantic search.
type VectorStore interface {
	Initialize(ctx context.Context) error
	AddEmbedding(ctx context.Context, factID int64, content string, meta VectorMetadata) (string, error)
	Search(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]RetrievalResult, error)
	Delete(ctx context.Context, embeddingID string) error
	Update(ctx context.Context, embeddingID string, content *string, meta *VectorMetadata) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Close() error
}

// Classifier decides what to remember from one exchange. Implementations
// must not fail; problems degrade to a conversational verdict.
type Classifier interface {
	Classify(ctx context.Context, userInput, assistantResponse, intentType string) MemoryClassification
}

// EmbeddingID derives the vector store key for a fact.
func EmbeddingID(factID int64) string {
	return fmt.Sprintf("fact_%d", factID)
}

// ParseEmbeddingID is the inverse of EmbeddingID.
func ParseEmbeddingID(id string) (int64, error) {
	var factID int64
	if _, err := fmt.Sscanf(id, "fact_%d", &factID); err != nil {
		return 0, fmt.Errorf("%w: embedding id %q", ErrInvalidInput, id)
	}
	if EmbeddingID(factID) != id {
		return 0, fmt.Errorf("%w: embedding id %q", ErrInvalidInput, id)
	}
	return factID, nil
}
