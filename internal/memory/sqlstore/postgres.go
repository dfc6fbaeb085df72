package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/memory/ftsquery"
	"github.com/ent0n29/voicememory/internal/reliability"
)

// PostgresStore persists memory in PostgreSQL using generated tsvector
// columns for keyword search.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
	now    func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	opts = opts.withDefaults()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromPool(pool, opts), nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close releases it.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, opts Options) *PostgresStore {
	opts = opts.withDefaults()
	return &PostgresStore{pool: pool, logger: opts.Logger, now: opts.Now}
}

// Pool exposes the connection pool so the pgvector index can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT 'default_user',
			turn_no INTEGER NOT NULL,
			user_input TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			intent_type TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ,
			purged_at TIMESTAMPTZ,
			search tsvector GENERATED ALWAYS AS (
				to_tsvector('english', user_input || ' ' || assistant_response)
			) STORED,
			UNIQUE (session_id, turn_no),
			CHECK (purged_at IS NULL OR deleted_at IS NOT NULL)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_session_time ON conversations (session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_user_time ON conversations (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_search ON conversations USING GIN (search);`,
		`CREATE TABLE IF NOT EXISTS facts (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT 'default_user',
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'CONTEXT',
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			conversation_id BIGINT REFERENCES conversations (id),
			source_ref TEXT NOT NULL DEFAULT '',
			embedding_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ,
			purged_at TIMESTAMPTZ,
			search tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			UNIQUE (user_id, content_hash),
			CHECK (purged_at IS NULL OR deleted_at IS NOT NULL)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user_importance ON facts (user_id, importance_score DESC, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_conversation ON facts (conversation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_search ON facts USING GIN (search);`,
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			action_name TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_user_time ON actions (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_metadata (key, value, updated_at) VALUES ('schema_version', $1, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, schemaVer)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	s.logger.Debug("schema ready", "backend", "postgres")
	return nil
}

func (s *PostgresStore) StoreConversation(ctx context.Context, turn memory.ConversationTurn) (int64, int, error) {
	if err := normalizeTurn(&turn, s.now()); err != nil {
		return 0, 0, fmt.Errorf("store conversation: %w: session_id is required", err)
	}

	var id int64
	var turnNo int
	err := reliability.Retry(ctx, turnRetry, isPgUniqueViolation, func(attempt int) error {
		if attempt > 0 {
			s.logger.Warn("turn number conflict, retrying", "session", turn.SessionID, "attempt", attempt)
		}
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(turn_no), 0) + 1 FROM conversations WHERE session_id = $1`,
				turn.SessionID).Scan(&turnNo); err != nil {
				return err
			}
			return tx.QueryRow(ctx,
				`INSERT INTO conversations (session_id, user_id, turn_no, user_input, assistant_response,
					intent_type, duration_ms, tokens_used, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 RETURNING id`,
				turn.SessionID, turn.UserID, turnNo, turn.UserInput, turn.AssistantResponse,
				turn.IntentType, turn.DurationMS, turn.TokensUsed, turn.CreatedAt).Scan(&id)
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("store conversation: %w", err)
	}
	return id, turnNo, nil
}

func (s *PostgresStore) SessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = $1 AND deleted_at IS NULL`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session turn count: %w", err)
	}
	return n, nil
}

const pgTurnColumns = `id, session_id, user_id, turn_no, user_input, assistant_response, intent_type,
	duration_ms, tokens_used, created_at, deleted_at, purged_at`

func (s *PostgresStore) GetConversations(ctx context.Context, userID, sessionID string, limit int) ([]memory.ConversationTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTurnColumns+` FROM conversations
		 WHERE user_id = $1 AND deleted_at IS NULL AND ($2::text = '' OR session_id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		userID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.ConversationTurn
	for rows.Next() {
		var (
			t               memory.ConversationTurn
			deleted, purged *time.Time
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.TurnNo, &t.UserInput, &t.AssistantResponse,
			&t.IntentType, &t.DurationMS, &t.TokensUsed, &t.CreatedAt, &deleted, &purged); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if t.Lifecycle, err = memory.LifecycleFromColumns(deleted, purged); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SearchConversations(ctx context.Context, query, userID, sessionID string, limit int) ([]memory.RetrievalResult, error) {
	q := ftsquery.Parse(query)
	if q.Empty() || sessionID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_input, assistant_response, created_at
		 FROM conversations, to_tsquery('english', $1) q
		 WHERE search @@ q AND user_id = $2 AND session_id = $3 AND deleted_at IS NULL
		 ORDER BY ts_rank_cd(search, q) DESC, created_at DESC
		 LIMIT $4`,
		q.TSQuery(), userID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievalResult
	for rows.Next() {
		var (
			id             int64
			sess, in, resp string
			created        time.Time
		)
		if err := rows.Scan(&id, &sess, &in, &resp, &created); err != nil {
			return nil, fmt.Errorf("scan conversation hit: %w", err)
		}
		out = append(out, memory.RetrievalResult{
			Content:        memory.TurnContent(in, resp),
			Relevance:      conversationRelevance,
			ConversationID: &id,
			SessionID:      &sess,
			Importance:     conversationImportance,
			CreatedAt:      created,
			Source:         memory.SourceSQLConversation,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation hits: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteOldConversations(ctx context.Context, cutoff time.Time, keepFactual bool) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET deleted_at = $1
		 WHERE created_at < $2 AND deleted_at IS NULL
		   AND (NOT $3::boolean OR NOT EXISTS (SELECT 1 FROM facts f WHERE f.conversation_id = conversations.id))`,
		s.now(), cutoff, keepFactual)
	if err != nil {
		return 0, fmt.Errorf("delete old conversations: %w", err)
	}
	n := tag.RowsAffected()
	s.logger.Info("soft-deleted old conversations", "count", n, "cutoff", cutoff.Format(time.RFC3339), "keep_factual", keepFactual)
	return n, nil
}

func (s *PostgresStore) StoreFact(ctx context.Context, fact memory.Fact) (int64, bool, error) {
	if err := normalizeFact(&fact, s.now()); err != nil {
		return 0, false, fmt.Errorf("store fact: %w: content is required", err)
	}

	var (
		id        int64
		duplicate bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var deletedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT id, deleted_at FROM facts WHERE user_id = $1 AND content_hash = $2 FOR UPDATE`,
			fact.UserID, fact.ContentHash).Scan(&id, &deletedAt)
		switch {
		case err == nil && deletedAt == nil:
			duplicate = true
			return nil
		case err == nil:
			_, err = tx.Exec(ctx,
				`UPDATE facts SET content = $1, category = $2, importance_score = $3, conversation_id = $4,
					source_ref = $5, embedding_id = NULL, updated_at = $6, deleted_at = NULL, purged_at = NULL
				 WHERE id = $7`,
				fact.Content, string(fact.Category), fact.Importance, fact.ConversationID,
				fact.SourceRef, fact.UpdatedAt, id)
			return err
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		// ON CONFLICT covers a concurrent insert of the same hash.
		err = tx.QueryRow(ctx,
			`INSERT INTO facts (user_id, content, content_hash, category, importance_score,
				conversation_id, source_ref, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (user_id, content_hash) DO NOTHING
			 RETURNING id`,
			fact.UserID, fact.Content, fact.ContentHash, string(fact.Category), fact.Importance,
			fact.ConversationID, fact.SourceRef, fact.CreatedAt, fact.UpdatedAt).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			duplicate = true
			return tx.QueryRow(ctx,
				`SELECT id FROM facts WHERE user_id = $1 AND content_hash = $2`,
				fact.UserID, fact.ContentHash).Scan(&id)
		}
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("store fact: %w", err)
	}
	return id, duplicate, nil
}

const pgFactColumns = `id, user_id, content, content_hash, category, importance_score, conversation_id,
	source_ref, embedding_id, created_at, updated_at, deleted_at, purged_at`

func scanPgFact(row pgx.Row) (memory.Fact, error) {
	var (
		f               memory.Fact
		category        string
		deleted, purged *time.Time
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.Content, &f.ContentHash, &category, &f.Importance,
		&f.ConversationID, &f.SourceRef, &f.EmbeddingID, &f.CreatedAt, &f.UpdatedAt, &deleted, &purged); err != nil {
		return f, err
	}
	f.Category = memory.FactCategory(category)
	lc, err := memory.LifecycleFromColumns(deleted, purged)
	if err != nil {
		return f, err
	}
	f.Lifecycle = lc
	return f, nil
}

func (s *PostgresStore) GetFact(ctx context.Context, id int64) (memory.Fact, error) {
	f, err := scanPgFact(s.pool.QueryRow(ctx,
		`SELECT `+pgFactColumns+` FROM facts WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Fact{}, fmt.Errorf("get fact %d: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Fact{}, fmt.Errorf("get fact %d: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) GetFacts(ctx context.Context, userID string, category memory.FactCategory, limit int) ([]memory.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgFactColumns+` FROM facts
		 WHERE user_id = $1 AND deleted_at IS NULL AND ($2::text = '' OR category = $2)
		 ORDER BY importance_score DESC, created_at DESC, id DESC LIMIT $3`,
		userID, string(category), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []memory.Fact
	for rows.Next() {
		f, err := scanPgFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SearchFacts(ctx context.Context, query, userID string, limit int) ([]memory.RetrievalResult, error) {
	q := ftsquery.Parse(query)
	if q.Empty() {
		return nil, nil
	}
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, category, importance_score, conversation_id, created_at,
			ts_rank_cd(search, q) AS score
		 FROM facts, to_tsquery('english', $1) q
		 WHERE search @@ q AND user_id = $2 AND deleted_at IS NULL
		 ORDER BY score DESC
		 LIMIT $3`,
		q.TSQuery(), userID, limit*2)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []memory.RetrievalResult
	for rows.Next() {
		var (
			r        memory.RetrievalResult
			id       int64
			category string
			score    float64
		)
		if err := rows.Scan(&id, &r.Content, &category, &r.Importance, &r.ConversationID, &r.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan fact hit: %w", err)
		}
		r.FactID = &id
		r.Category = category
		r.Relevance = factRelevance(score, r.CreatedAt, now)
		r.Source = memory.SourceFTS
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact hits: %w", err)
	}
	return sortByRelevance(out, limit), nil
}

func (s *PostgresStore) UpdateFactEmbedding(ctx context.Context, factID int64, embeddingID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET embedding_id = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		embeddingID, s.now(), factID)
	if err != nil {
		return fmt.Errorf("update fact embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fact embedding %d: %w", factID, memory.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteFact(ctx context.Context, factID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`, s.now(), factID)
	if err != nil {
		return fmt.Errorf("soft delete fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("soft delete fact %d: %w", factID, memory.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now()
		convs, err := tx.Exec(ctx,
			`UPDATE conversations SET user_input = '', assistant_response = '', purged_at = $1
			 WHERE deleted_at IS NOT NULL AND deleted_at < $2 AND purged_at IS NULL`, now, olderThan)
		if err != nil {
			return err
		}
		facts, err := tx.Exec(ctx,
			`UPDATE facts SET content = '', embedding_id = NULL, purged_at = $1
			 WHERE deleted_at IS NOT NULL AND deleted_at < $2 AND purged_at IS NULL`, now, olderThan)
		if err != nil {
			return err
		}
		s.logger.Info("purged deleted rows", "conversations", convs.RowsAffected(), "facts", facts.RowsAffected())
		total = convs.RowsAffected() + facts.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge deleted: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) SessionStats(ctx context.Context, sessionID, userID string) (memory.SessionStats, error) {
	st := memory.SessionStats{SessionID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at), COALESCE(SUM(tokens_used), 0)
		 FROM conversations WHERE session_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		sessionID, userID).Scan(&st.TurnCount, &st.FirstTurn, &st.LastTurn, &st.TotalTokens)
	if err != nil {
		return memory.SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit int) ([]memory.SessionStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at), COALESCE(SUM(tokens_used), 0)
		 FROM conversations WHERE user_id = $1 AND deleted_at IS NULL
		 GROUP BY session_id
		 ORDER BY MAX(created_at) DESC
		 LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []memory.SessionStats
	for rows.Next() {
		var st memory.SessionStats
		if err := rows.Scan(&st.SessionID, &st.TurnCount, &st.FirstTurn, &st.LastTurn, &st.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, userID string) (memory.StoreStats, error) {
	var st memory.StoreStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0), COUNT(DISTINCT session_id)
		 FROM conversations WHERE deleted_at IS NULL AND ($1::text = '' OR user_id = $1)`, userID).
		Scan(&st.Conversations, &st.TotalTokens, &st.Sessions)
	if err != nil {
		return memory.StoreStats{}, fmt.Errorf("conversation stats: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM facts WHERE deleted_at IS NULL AND ($1::text = '' OR user_id = $1)`, userID).
		Scan(&st.Facts)
	if err != nil {
		return memory.StoreStats{}, fmt.Errorf("fact stats: %w", err)
	}
	st.Embeddings = -1
	return st, nil
}

func (s *PostgresStore) SetPreference(ctx context.Context, pref memory.Preference) error {
	if pref.Key == "" {
		return fmt.Errorf("set preference: %w: key is required", memory.ErrInvalidInput)
	}
	if pref.UserID == "" {
		pref.UserID = memory.DefaultUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferences (user_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		pref.UserID, pref.Key, pref.Value, s.now())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) ([]memory.Preference, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, key, value, updated_at FROM preferences WHERE user_id = $1 ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	prefs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Preference, error) {
		var p memory.Preference
		err := row.Scan(&p.UserID, &p.Key, &p.Value, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan preferences: %w", err)
	}
	return prefs, nil
}

func (s *PostgresStore) LogAction(ctx context.Context, a memory.ActionLog) (int64, error) {
	if a.ActionName == "" {
		return 0, fmt.Errorf("log action: %w: action_name is required", memory.ErrInvalidInput)
	}
	if a.UserID == "" {
		a.UserID = memory.DefaultUserID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO actions (session_id, user_id, action_name, params, result, success, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		a.SessionID, a.UserID, a.ActionName, a.Parameters, a.Result, a.Success, a.DurationMS, a.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("log action: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListActions(ctx context.Context, userID, sessionID string, limit int) ([]memory.ActionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, action_name, params, result, success, duration_ms, created_at
		 FROM actions WHERE user_id = $1 AND ($2::text = '' OR session_id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		userID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ActionLog, error) {
		var a memory.ActionLog
		err := row.Scan(&a.ID, &a.SessionID, &a.UserID, &a.ActionName, &a.Parameters, &a.Result,
			&a.Success, &a.DurationMS, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan actions: %w", err)
	}
	return actions, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
