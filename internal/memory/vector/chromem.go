package vector

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/ent0n29/voicememory/internal/memory"
)

// DefaultCollection is the collection facts are indexed under.
const DefaultCollection = "memory_facts"

const (
	metaUserID     = "user_id"
	metaCategory   = "category"
	metaImportance = "importance"
	metaCreatedAt  = "created_at"
	metaFactID     = "fact_id"
)

// ChromemStore is an embedded vector index backed by chromem-go. With an
// empty path it lives only in memory.
type ChromemStore struct {
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	name   string
	embed  EmbeddingFunc
	logger *log.Logger
}

// NewChromemStore opens a persistent database at path, or an in-memory one
// when path is empty.
func NewChromemStore(path, collection string, embed EmbeddingFunc, logger *log.Logger) (*ChromemStore, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = log.Default().WithPrefix("chromem")
	}

	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemStore{db: db, name: collection, embed: embed, logger: logger}, nil
}

func (s *ChromemStore) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.db.GetOrCreateCollection(s.name, nil, s.embed)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.name, err)
	}
	s.col = col
	s.logger.Debug("collection ready", "name", s.name, "count", col.Count())
	return nil
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.col == nil {
		return nil, fmt.Errorf("chromem collection %s not initialized", s.name)
	}
	return s.col, nil
}

func (s *ChromemStore) AddEmbedding(ctx context.Context, factID int64, content string, meta memory.VectorMetadata) (string, error) {
	col, err := s.collection()
	if err != nil {
		return "", err
	}
	id := memory.EmbeddingID(factID)
	doc := chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadataMap(factID, meta),
	}
	// Same ID overwrites, so repeated adds are harmless.
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add embedding %s: %w", id, err)
	}
	return id, nil
}

func (s *ChromemStore) Search(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]memory.RetrievalResult, error) {
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	n := min(limit, col.Count())
	if n <= 0 || query == "" {
		return nil, nil
	}

	hits, err := col.Query(ctx, query, n, map[string]string{metaUserID: userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]memory.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		sim := clampSimilarity(float64(h.Similarity))
		if sim < minSimilarity {
			continue
		}
		out = append(out, resultFromMetadata(h.ID, h.Content, sim, h.Metadata))
	}
	return out, nil
}

func (s *ChromemStore) Delete(ctx context.Context, embeddingID string) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, embeddingID); err != nil {
		return fmt.Errorf("delete embedding %s: %w", embeddingID, err)
	}
	return nil
}

func (s *ChromemStore) Update(ctx context.Context, embeddingID string, content *string, meta *memory.VectorMetadata) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	doc, err := col.GetByID(ctx, embeddingID)
	if err != nil {
		return fmt.Errorf("get embedding %s: %w", embeddingID, memory.ErrNotFound)
	}
	factID, err := memory.ParseEmbeddingID(embeddingID)
	if err != nil {
		return err
	}

	next := chromem.Document{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata, Embedding: doc.Embedding}
	if content != nil && *content != doc.Content {
		next.Content = *content
		next.Embedding = nil
	}
	if meta != nil {
		next.Metadata = metadataMap(factID, *meta)
	}
	if err := col.AddDocument(ctx, next); err != nil {
		return fmt.Errorf("update embedding %s: %w", embeddingID, err)
	}
	return nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	col, err := s.collection()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Reset drops the collection and recreates it empty.
func (s *ChromemStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("delete collection %s: %w", s.name, err)
	}
	col, err := s.db.CreateCollection(s.name, nil, s.embed)
	if err != nil {
		return fmt.Errorf("recreate collection %s: %w", s.name, err)
	}
	s.col = col
	s.logger.Warn("vector collection reset", "name", s.name)
	return nil
}

func (s *ChromemStore) Close() error { return nil }

func metadataMap(factID int64, meta memory.VectorMetadata) map[string]string {
	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return map[string]string{
		metaUserID:     meta.UserID,
		metaCategory:   string(meta.Category),
		metaImportance: strconv.FormatFloat(meta.Importance, 'f', -1, 64),
		metaCreatedAt:  created.UTC().Format(time.RFC3339Nano),
		metaFactID:     strconv.FormatInt(factID, 10),
	}
}

func resultFromMetadata(id, content string, similarity float64, md map[string]string) memory.RetrievalResult {
	r := memory.RetrievalResult{
		Content:   content,
		Relevance: similarity,
		Category:  md[metaCategory],
		Source:    memory.SourceVector,
	}
	if v, err := strconv.ParseFloat(md[metaImportance], 64); err == nil {
		r.Importance = v
	}
	if t, err := time.Parse(time.RFC3339Nano, md[metaCreatedAt]); err == nil {
		r.CreatedAt = t
	}
	if factID, err := memory.ParseEmbeddingID(id); err == nil {
		r.FactID = &factID
	}
	return r
}

// clampSimilarity maps a cosine similarity into [0,1]. Opposed vectors are
// treated as unrelated rather than negatively related.
func clampSimilarity(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
