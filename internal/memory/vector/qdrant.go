package vector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ent0n29/voicememory/internal/memory"
)

const qdrantStartupTimeout = 10 * time.Second

// QdrantConfig addresses a Qdrant gRPC endpoint.
type QdrantConfig struct {
	Addr       string
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions uint64
}

// QdrantStore indexes facts as Qdrant points keyed by fact id, with the
// metadata kept in the point payload.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	cfg         QdrantConfig
	embed       EmbeddingFunc
	logger      *log.Logger
}

func NewQdrantStore(cfg QdrantConfig, embed EmbeddingFunc, logger *log.Logger) (*QdrantStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultHashDimensions
	}
	if logger == nil {
		logger = log.Default().WithPrefix("qdrant")
	}
	conn, err := grpc.NewClient(cfg.Addr, qdrantDialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		cfg:         cfg,
		embed:       embed,
		logger:      logger,
	}, nil
}

func (s *QdrantStore) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, qdrantStartupTimeout)
	defer cancel()

	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.cfg.Collection})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("qdrant: get collection: %w", err)
	}
	return s.createCollection(ctx)
}

func (s *QdrantStore) createCollection(ctx context.Context) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.cfg.Dimensions,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	s.logger.Info("created collection", "name", s.cfg.Collection, "dimensions", s.cfg.Dimensions)
	return nil
}

func (s *QdrantStore) AddEmbedding(ctx context.Context, factID int64, content string, meta memory.VectorMetadata) (string, error) {
	vec, err := s.embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed fact %d: %w", factID, err)
	}
	if err := s.upsert(ctx, factID, vec, qdrantPayload(factID, content, meta)); err != nil {
		return "", err
	}
	return memory.EmbeddingID(factID), nil
}

func (s *QdrantStore) upsert(ctx context.Context, factID int64, vec []float32, payload map[string]*pb.Value) error {
	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: pointID(factID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert fact %d: %w", factID, err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]memory.RetrievalResult, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	threshold := float32(minSimilarity)
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.cfg.Collection,
		Vector:         vec,
		Limit:          uint64(limit),
		ScoreThreshold: &threshold,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         keywordFilter(metaUserID, userID),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	out := make([]memory.RetrievalResult, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		sim := clampSimilarity(float64(pt.GetScore()))
		if sim < minSimilarity {
			continue
		}
		payload := pt.GetPayload()
		md := make(map[string]string, len(payload))
		for k, v := range payload {
			md[k] = v.GetStringValue()
		}
		id := memory.EmbeddingID(int64(pt.GetId().GetNum()))
		out = append(out, resultFromMetadata(id, md["content"], sim, md))
	}
	return out, nil
}

func (s *QdrantStore) Delete(ctx context.Context, embeddingID string) error {
	factID, err := memory.ParseEmbeddingID(embeddingID)
	if err != nil {
		return err
	}
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(factID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s: %w", embeddingID, err)
	}
	return nil
}

func (s *QdrantStore) Update(ctx context.Context, embeddingID string, content *string, meta *memory.VectorMetadata) error {
	factID, err := memory.ParseEmbeddingID(embeddingID)
	if err != nil {
		return err
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*pb.PointId{pointID(factID)},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: get %s: %w", embeddingID, err)
	}
	if len(resp.GetResult()) == 0 {
		return fmt.Errorf("qdrant: get %s: %w", embeddingID, memory.ErrNotFound)
	}
	current := resp.GetResult()[0]

	payload := current.GetPayload()
	if payload == nil {
		payload = map[string]*pb.Value{}
	}
	text := payload["content"].GetStringValue()
	vec := current.GetVectors().GetVector().GetData()
	if content != nil && *content != text {
		text = *content
		if vec, err = s.embed(ctx, text); err != nil {
			return fmt.Errorf("embed fact %d: %w", factID, err)
		}
	}
	if meta != nil {
		payload = qdrantPayload(factID, text, *meta)
	} else {
		payload["content"] = stringValue(text)
	}
	return s.upsert(ctx, factID, vec, payload)
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.cfg.Collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (s *QdrantStore) Reset(ctx context.Context) error {
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.cfg.Collection}); err != nil {
		return fmt.Errorf("qdrant: delete collection: %w", err)
	}
	s.logger.Warn("vector collection reset", "name", s.cfg.Collection)
	return s.createCollection(ctx)
}

func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

func pointID(factID int64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(factID)}}
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func qdrantPayload(factID int64, content string, meta memory.VectorMetadata) map[string]*pb.Value {
	payload := map[string]*pb.Value{"content": stringValue(content)}
	for k, v := range metadataMap(factID, meta) {
		payload[k] = stringValue(v)
	}
	return payload
}

func keywordFilter(key, value string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   key,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
				},
			},
		}},
	}
}

func qdrantDialOptions(cfg QdrantConfig) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.APIKey,
			requireTLS: cfg.UseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}
