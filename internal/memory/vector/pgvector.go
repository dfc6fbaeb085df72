package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/ent0n29/voicememory/internal/memory"
)

// PGVectorStore keeps fact embeddings in a pgvector table next to the
// relational store.
type PGVectorStore struct {
	pool       *pgxpool.Pool
	table      string
	dimensions int
	embed      EmbeddingFunc
	logger     *log.Logger
}

// NewPGVectorStore shares pool with the relational store; Close does not
// release it.
func NewPGVectorStore(pool *pgxpool.Pool, table string, dimensions int, embed EmbeddingFunc, logger *log.Logger) *PGVectorStore {
	if table == "" {
		table = "fact_embeddings"
	}
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	if logger == nil {
		logger = log.Default().WithPrefix("pgvector")
	}
	return &PGVectorStore{pool: pool, table: pgx.Identifier{table}.Sanitize(), dimensions: dimensions, embed: embed, logger: logger}
}

func (s *PGVectorStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			embedding_id TEXT PRIMARY KEY,
			fact_id BIGINT NOT NULL,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, s.table, s.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (user_id);`,
			pgx.Identifier{strings.Trim(s.table, `"`) + "_user_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *PGVectorStore) AddEmbedding(ctx context.Context, factID int64, content string, meta memory.VectorMetadata) (string, error) {
	vec, err := s.embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed fact %d: %w", factID, err)
	}
	id := memory.EmbeddingID(factID)
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (embedding_id, fact_id, user_id, category, importance, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (embedding_id) DO UPDATE SET
			user_id = EXCLUDED.user_id, category = EXCLUDED.category, importance = EXCLUDED.importance,
			content = EXCLUDED.content, embedding = EXCLUDED.embedding`, s.table),
		id, factID, meta.UserID, string(meta.Category), meta.Importance, content, pgvec.NewVector(vec), created)
	if err != nil {
		return "", fmt.Errorf("upsert embedding %s: %w", id, err)
	}
	return id, nil
}

func (s *PGVectorStore) Search(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]memory.RetrievalResult, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT embedding_id, fact_id, content, category, importance, created_at,
			1 - (embedding <=> $1::vector) AS score
		 FROM %s
		 WHERE user_id = $2
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`, s.table),
		pgvec.NewVector(vec), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievalResult
	for rows.Next() {
		var (
			r      memory.RetrievalResult
			id     string
			factID int64
			score  float64
		)
		if err := rows.Scan(&id, &factID, &r.Content, &r.Category, &r.Importance, &r.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan embedding hit: %w", err)
		}
		sim := clampSimilarity(score)
		if sim < minSimilarity {
			continue
		}
		r.FactID = &factID
		r.Relevance = sim
		r.Source = memory.SourceVector
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embedding hits: %w", err)
	}
	return out, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, embeddingID string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE embedding_id = $1`, s.table), embeddingID); err != nil {
		return fmt.Errorf("delete embedding %s: %w", embeddingID, err)
	}
	return nil
}

func (s *PGVectorStore) Update(ctx context.Context, embeddingID string, content *string, meta *memory.VectorMetadata) error {
	var current string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT content FROM %s WHERE embedding_id = $1`, s.table), embeddingID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("get embedding %s: %w", embeddingID, memory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get embedding %s: %w", embeddingID, err)
	}

	if content != nil && *content != current {
		vec, err := s.embed(ctx, *content)
		if err != nil {
			return fmt.Errorf("embed %s: %w", embeddingID, err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET content = $1, embedding = $2 WHERE embedding_id = $3`, s.table),
			*content, pgvec.NewVector(vec), embeddingID); err != nil {
			return fmt.Errorf("update embedding %s: %w", embeddingID, err)
		}
	}
	if meta != nil {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET user_id = $1, category = $2, importance = $3 WHERE embedding_id = $4`, s.table),
			meta.UserID, string(meta.Category), meta.Importance, embeddingID); err != nil {
			return fmt.Errorf("update embedding metadata %s: %w", embeddingID, err)
		}
	}
	return nil
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

func (s *PGVectorStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("drop embeddings: %w", err)
	}
	s.logger.Warn("vector table reset", "table", s.table)
	return s.Initialize(ctx)
}

func (s *PGVectorStore) Close() error { return nil }

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
