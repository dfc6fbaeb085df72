// Package vector holds the semantic index over fact embeddings and the
// embedding functions that feed it.
package vector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// EmbeddingFunc turns text into a vector. It is chromem's function type so
// every backend can share the same embedders.
type EmbeddingFunc = chromem.EmbeddingFunc

// DefaultHashDimensions matches all-MiniLM-L6-v2.
const DefaultHashDimensions = 384

const hashProbes = 4

// NewHashEmbedding returns a deterministic, offline embedder. Each token is
// hashed into a few signed buckets, so texts sharing words land close to
// each other. It has no notion of synonyms.
func NewHashEmbedding(dimensions int) EmbeddingFunc {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dimensions)
		for _, tok := range tokenize(text) {
			h := fnv.New64a()
			_, _ = h.Write([]byte(tok))
			seed := h.Sum64()
			for i := 0; i < hashProbes; i++ {
				seed = seed*6364136223846793005 + 1442695040888963407
				idx := int((seed >> 33) % uint64(dimensions))
				if seed&1 == 0 {
					vec[idx]++
				} else {
					vec[idx]--
				}
			}
		}
		return normalize(vec), nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// EmbedderConfig selects an embedding provider.
type EmbedderConfig struct {
	Provider   string // hash|openai|ollama
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

// NewEmbeddingFunc builds the configured embedder.
func NewEmbeddingFunc(cfg EmbedderConfig) (EmbeddingFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "hash":
		return NewHashEmbedding(cfg.Dimensions), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedder requires an api key")
		}
		model := cfg.Model
		if model == "" {
			model = string(chromem.EmbeddingModelOpenAI3Small)
		}
		if cfg.BaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, model, nil), nil
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(model)), nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported embedder %q (expected hash|openai|ollama)", cfg.Provider)
	}
}
