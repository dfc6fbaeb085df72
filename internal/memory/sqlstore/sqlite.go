package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/memory/ftsquery"
	"github.com/ent0n29/voicememory/internal/reliability"
)

// SQLiteStore keeps memory in a single SQLite file with FTS5 indexes over
// facts and conversation turns. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT 'default_user',
		turn_no INTEGER NOT NULL,
		user_input TEXT NOT NULL,
		assistant_response TEXT NOT NULL,
		intent_type TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER,
		purged_at INTEGER,
		UNIQUE (session_id, turn_no)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_session_time ON conversations (session_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_user_time ON conversations (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL DEFAULT 'default_user',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'CONTEXT',
		importance_score REAL NOT NULL DEFAULT 0.5,
		conversation_id INTEGER REFERENCES conversations (id),
		source_ref TEXT NOT NULL DEFAULT '',
		embedding_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		purged_at INTEGER,
		UNIQUE (user_id, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_user_importance ON facts (user_id, importance_score DESC, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_conversation ON facts (conversation_id)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5 (content, content='facts', content_rowid='id')`,
	`CREATE TRIGGER IF NOT EXISTS facts_fts_insert AFTER INSERT ON facts BEGIN
		INSERT INTO facts_fts (rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS facts_fts_delete AFTER DELETE ON facts BEGIN
		INSERT INTO facts_fts (facts_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS facts_fts_update AFTER UPDATE OF content ON facts BEGIN
		INSERT INTO facts_fts (facts_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO facts_fts (rowid, content) VALUES (new.id, new.content);
	END`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5 (
		user_input, assistant_response, content='conversations', content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_insert AFTER INSERT ON conversations BEGIN
		INSERT INTO conversations_fts (rowid, user_input, assistant_response)
		VALUES (new.id, new.user_input, new.assistant_response);
	END`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_delete AFTER DELETE ON conversations BEGIN
		INSERT INTO conversations_fts (conversations_fts, rowid, user_input, assistant_response)
		VALUES ('delete', old.id, old.user_input, old.assistant_response);
	END`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_update AFTER UPDATE OF user_input, assistant_response ON conversations BEGIN
		INSERT INTO conversations_fts (conversations_fts, rowid, user_input, assistant_response)
		VALUES ('delete', old.id, old.user_input, old.assistant_response);
		INSERT INTO conversations_fts (rowid, user_input, assistant_response)
		VALUES (new.id, new.user_input, new.assistant_response);
	END`,
	`CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		action_name TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_user_time ON actions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS memory_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// NewSQLiteStore opens (and creates) the database at path. ":memory:" gives
// a private in-process database.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()

	dsn := "file::memory:?_txlock=immediate"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection; also keeps ":memory:" alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLiteStore{db: db, logger: opts.Logger, now: opts.Now}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_metadata (key, value, updated_at) VALUES ('schema_version', ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		schemaVer, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	s.logger.Debug("schema ready", "backend", "sqlite")
	return nil
}

func (s *SQLiteStore) StoreConversation(ctx context.Context, turn memory.ConversationTurn) (int64, int, error) {
	if err := normalizeTurn(&turn, s.now()); err != nil {
		return 0, 0, fmt.Errorf("store conversation: %w: session_id is required", err)
	}

	var id int64
	var turnNo int
	err := reliability.Retry(ctx, turnRetry, isUniqueViolation, func(attempt int) error {
		if attempt > 0 {
			s.logger.Warn("turn number conflict, retrying", "session", turn.SessionID, "attempt", attempt)
		}
		var err error
		id, turnNo, err = s.insertTurn(ctx, turn)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("store conversation: %w", err)
	}
	return id, turnNo, nil
}

func (s *SQLiteStore) insertTurn(ctx context.Context, turn memory.ConversationTurn) (int64, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_no), 0) + 1 FROM conversations WHERE session_id = ?`,
		turn.SessionID).Scan(&next); err != nil {
		return 0, 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (session_id, user_id, turn_no, user_input, assistant_response,
			intent_type, duration_ms, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.UserID, next, turn.UserInput, turn.AssistantResponse,
		turn.IntentType, turn.DurationMS, turn.TokensUsed, toMillis(turn.CreatedAt))
	if err != nil {
		return 0, 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return id, next, nil
}

func (s *SQLiteStore) SessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE session_id = ? AND deleted_at IS NULL`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session turn count: %w", err)
	}
	return n, nil
}

const sqliteTurnColumns = `id, session_id, user_id, turn_no, user_input, assistant_response, intent_type,
	duration_ms, tokens_used, created_at, deleted_at, purged_at`

func (s *SQLiteStore) GetConversations(ctx context.Context, userID, sessionID string, limit int) ([]memory.ConversationTurn, error) {
	q := `SELECT ` + sqliteTurnColumns + ` FROM conversations WHERE user_id = ? AND deleted_at IS NULL`
	args := []any{userID}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.ConversationTurn
	for rows.Next() {
		t, err := scanSQLiteTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SearchConversations(ctx context.Context, query, userID, sessionID string, limit int) ([]memory.RetrievalResult, error) {
	q := ftsquery.Parse(query)
	if q.Empty() || sessionID == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.session_id, c.user_input, c.assistant_response, c.created_at
		 FROM conversations_fts
		 JOIN conversations c ON c.id = conversations_fts.rowid
		 WHERE conversations_fts MATCH ?
		   AND c.user_id = ? AND c.session_id = ? AND c.deleted_at IS NULL
		 ORDER BY bm25(conversations_fts), c.created_at DESC
		 LIMIT ?`,
		q.FTS5(), userID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievalResult
	for rows.Next() {
		var (
			id             int64
			sess, in, resp string
			created        int64
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
			CreatedAt:      fromMillis(created),
			Source:         memory.SourceSQLConversation,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation hits: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteOldConversations(ctx context.Context, cutoff time.Time, keepFactual bool) (int64, error) {
	q := `UPDATE conversations SET deleted_at = ? WHERE created_at < ? AND deleted_at IS NULL`
	if keepFactual {
		q += ` AND id NOT IN (SELECT conversation_id FROM facts WHERE conversation_id IS NOT NULL)`
	}
	res, err := s.db.ExecContext(ctx, q, toMillis(s.now()), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("soft-deleted old conversations", "count", n, "cutoff", cutoff.Format(time.RFC3339), "keep_factual", keepFactual)
	return n, nil
}

func (s *SQLiteStore) StoreFact(ctx context.Context, fact memory.Fact) (int64, bool, error) {
	if err := normalizeFact(&fact, s.now()); err != nil {
		return 0, false, fmt.Errorf("store fact: %w: content is required", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store fact: %w", err)
	}
	defer tx.Rollback()

	var (
		existing  int64
		deletedAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, deleted_at FROM facts WHERE user_id = ? AND content_hash = ?`,
		fact.UserID, fact.ContentHash).Scan(&existing, &deletedAt)
	switch {
	case err == nil && !deletedAt.Valid:
		return existing, true, nil
	case err == nil:
		// Revive a deleted row; the unique index spans every lifecycle state.
		_, err = tx.ExecContext(ctx,
			`UPDATE facts SET content = ?, category = ?, importance_score = ?, conversation_id = ?,
				source_ref = ?, embedding_id = NULL, updated_at = ?, deleted_at = NULL, purged_at = NULL
			 WHERE id = ?`,
			fact.Content, string(fact.Category), fact.Importance, nullInt64(fact.ConversationID),
			fact.SourceRef, toMillis(fact.UpdatedAt), existing)
		if err != nil {
			return 0, false, fmt.Errorf("revive fact: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("revive fact: %w", err)
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("lookup fact hash: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO facts (user_id, content, content_hash, category, importance_score,
			conversation_id, source_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.UserID, fact.Content, fact.ContentHash, string(fact.Category), fact.Importance,
		nullInt64(fact.ConversationID), fact.SourceRef, toMillis(fact.CreatedAt), toMillis(fact.UpdatedAt))
	if err != nil {
		return 0, false, fmt.Errorf("insert fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert fact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("insert fact: %w", err)
	}
	return id, false, nil
}

const sqliteFactColumns = `id, user_id, content, content_hash, category, importance_score, conversation_id,
	source_ref, embedding_id, created_at, updated_at, deleted_at, purged_at`

func (s *SQLiteStore) GetFact(ctx context.Context, id int64) (memory.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteFactColumns+` FROM facts WHERE id = ? AND deleted_at IS NULL`, id)
	f, err := scanSQLiteFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Fact{}, fmt.Errorf("get fact %d: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Fact{}, fmt.Errorf("get fact %d: %w", id, err)
	}
	return f, nil
}

func (s *SQLiteStore) GetFacts(ctx context.Context, userID string, category memory.FactCategory, limit int) ([]memory.Fact, error) {
	q := `SELECT ` + sqliteFactColumns + ` FROM facts WHERE user_id = ? AND deleted_at IS NULL`
	args := []any{userID}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, string(category))
	}
	q += ` ORDER BY importance_score DESC, created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []memory.Fact
	for rows.Next() {
		f, err := scanSQLiteFact(rows)
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

func (s *SQLiteStore) SearchFacts(ctx context.Context, query, userID string, limit int) ([]memory.RetrievalResult, error) {
	q := ftsquery.Parse(query)
	if q.Empty() {
		return nil, nil
	}
	limit = clampLimit(limit)

	// bm25() is negative; smaller means a better match.
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.content, f.category, f.importance_score, f.conversation_id, f.created_at,
			-bm25(facts_fts) AS score
		 FROM facts_fts
		 JOIN facts f ON f.id = facts_fts.rowid
		 WHERE facts_fts MATCH ? AND f.user_id = ? AND f.deleted_at IS NULL
		 ORDER BY bm25(facts_fts)
		 LIMIT ?`,
		q.FTS5(), userID, limit*2)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []memory.RetrievalResult
	for rows.Next() {
		var (
			id         int64
			content    string
			category   string
			importance float64
			convID     sql.NullInt64
			created    int64
			score      float64
		)
		if err := rows.Scan(&id, &content, &category, &importance, &convID, &created, &score); err != nil {
			return nil, fmt.Errorf("scan fact hit: %w", err)
		}
		createdAt := fromMillis(created)
		out = append(out, memory.RetrievalResult{
			Content:        content,
			Relevance:      factRelevance(score, createdAt, now),
			FactID:         &id,
			ConversationID: int64Ptr(convID),
			Category:       category,
			Importance:     importance,
			CreatedAt:      createdAt,
			Source:         memory.SourceFTS,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact hits: %w", err)
	}
	return sortByRelevance(out, limit), nil
}

func (s *SQLiteStore) UpdateFactEmbedding(ctx context.Context, factID int64, embeddingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET embedding_id = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		embeddingID, toMillis(s.now()), factID)
	if err != nil {
		return fmt.Errorf("update fact embedding: %w", err)
	}
	return requireAffected(res, "update fact embedding", factID)
}

func (s *SQLiteStore) SoftDeleteFact(ctx context.Context, factID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toMillis(s.now()), factID)
	if err != nil {
		return fmt.Errorf("soft delete fact: %w", err)
	}
	return requireAffected(res, "soft delete fact", factID)
}

func (s *SQLiteStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge deleted: %w", err)
	}
	defer tx.Rollback()

	now, cutoff := toMillis(s.now()), toMillis(olderThan)
	convs, err := tx.ExecContext(ctx,
		`UPDATE conversations SET user_input = '', assistant_response = '', purged_at = ?
		 WHERE deleted_at IS NOT NULL AND deleted_at < ? AND purged_at IS NULL`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	facts, err := tx.ExecContext(ctx,
		`UPDATE facts SET content = '', embedding_id = NULL, purged_at = ?
		 WHERE deleted_at IS NOT NULL AND deleted_at < ? AND purged_at IS NULL`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge facts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge deleted: %w", err)
	}
	nc, _ := convs.RowsAffected()
	nf, _ := facts.RowsAffected()
	s.logger.Info("purged deleted rows", "conversations", nc, "facts", nf)
	return nc + nf, nil
}

func (s *SQLiteStore) SessionStats(ctx context.Context, sessionID, userID string) (memory.SessionStats, error) {
	var (
		count       int
		first, last sql.NullInt64
		totalTokens int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at), COALESCE(SUM(tokens_used), 0)
		 FROM conversations WHERE session_id = ? AND user_id = ? AND deleted_at IS NULL`,
		sessionID, userID).Scan(&count, &first, &last, &totalTokens)
	if err != nil {
		return memory.SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return memory.SessionStats{
		SessionID:   sessionID,
		TurnCount:   count,
		FirstTurn:   timePtr(first),
		LastTurn:    timePtr(last),
		TotalTokens: totalTokens,
	}, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]memory.SessionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at), COALESCE(SUM(tokens_used), 0)
		 FROM conversations WHERE user_id = ? AND deleted_at IS NULL
		 GROUP BY session_id
		 ORDER BY MAX(created_at) DESC
		 LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []memory.SessionStats
	for rows.Next() {
		var (
			st          memory.SessionStats
			first, last sql.NullInt64
		)
		if err := rows.Scan(&st.SessionID, &st.TurnCount, &first, &last, &st.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		st.FirstTurn, st.LastTurn = timePtr(first), timePtr(last)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, userID string) (memory.StoreStats, error) {
	filter, args := "", []any{}
	if userID != "" {
		filter, args = " AND user_id = ?", []any{userID}
	}

	var st memory.StoreStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0), COUNT(DISTINCT session_id)
		 FROM conversations WHERE deleted_at IS NULL`+filter, args...).
		Scan(&st.Conversations, &st.TotalTokens, &st.Sessions)
	if err != nil {
		return memory.StoreStats{}, fmt.Errorf("conversation stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE deleted_at IS NULL`+filter, args...).Scan(&st.Facts)
	if err != nil {
		return memory.StoreStats{}, fmt.Errorf("fact stats: %w", err)
	}
	st.Embeddings = -1
	return st, nil
}

func (s *SQLiteStore) SetPreference(ctx context.Context, pref memory.Preference) error {
	if pref.Key == "" {
		return fmt.Errorf("set preference: %w: key is required", memory.ErrInvalidInput)
	}
	if pref.UserID == "" {
		pref.UserID = memory.DefaultUserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pref.UserID, pref.Key, pref.Value, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) ([]memory.Preference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, updated_at FROM preferences WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var out []memory.Preference
	for rows.Next() {
		var (
			p       memory.Preference
			updated int64
		)
		if err := rows.Scan(&p.UserID, &p.Key, &p.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		p.UpdatedAt = fromMillis(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LogAction(ctx context.Context, a memory.ActionLog) (int64, error) {
	if a.ActionName == "" {
		return 0, fmt.Errorf("log action: %w: action_name is required", memory.ErrInvalidInput)
	}
	if a.UserID == "" {
		a.UserID = memory.DefaultUserID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (session_id, user_id, action_name, params, result, success, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.UserID, a.ActionName, a.Parameters, a.Result, a.Success, a.DurationMS, toMillis(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("log action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log action: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListActions(ctx context.Context, userID, sessionID string, limit int) ([]memory.ActionLog, error) {
	q := `SELECT id, session_id, user_id, action_name, params, result, success, duration_ms, created_at
		FROM actions WHERE user_id = ?`
	args := []any{userID}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []memory.ActionLog
	for rows.Next() {
		var (
			a       memory.ActionLog
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.ActionName, &a.Parameters, &a.Result,
			&a.Success, &a.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTurn(r rowScanner) (memory.ConversationTurn, error) {
	var (
		t               memory.ConversationTurn
		created         int64
		deleted, purged sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.SessionID, &t.UserID, &t.TurnNo, &t.UserInput, &t.AssistantResponse,
		&t.IntentType, &t.DurationMS, &t.TokensUsed, &created, &deleted, &purged); err != nil {
		return t, err
	}
	t.CreatedAt = fromMillis(created)
	lc, err := memory.LifecycleFromColumns(timePtr(deleted), timePtr(purged))
	if err != nil {
		return t, err
	}
	t.Lifecycle = lc
	return t, nil
}

func scanSQLiteFact(r rowScanner) (memory.Fact, error) {
	var (
		f                memory.Fact
		category         string
		convID           sql.NullInt64
		embeddingID      sql.NullString
		created, updated int64
		deleted, purged  sql.NullInt64
	)
	if err := r.Scan(&f.ID, &f.UserID, &f.Content, &f.ContentHash, &category, &f.Importance, &convID,
		&f.SourceRef, &embeddingID, &created, &updated, &deleted, &purged); err != nil {
		return f, err
	}
	f.Category = memory.FactCategory(category)
	f.ConversationID = int64Ptr(convID)
	if embeddingID.Valid {
		f.EmbeddingID = &embeddingID.String
	}
	f.CreatedAt, f.UpdatedAt = fromMillis(created), fromMillis(updated)
	lc, err := memory.LifecycleFromColumns(timePtr(deleted), timePtr(purged))
	if err != nil {
		return f, err
	}
	f.Lifecycle = lc
	return f, nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) ||
		isPgUniqueViolation(err)
}

func requireAffected(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, memory.ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
