// Package classifier decides how much of a conversation turn is worth
// remembering.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/voicememory/internal/llm"
	"github.com/ent0n29/voicememory/internal/memory"
)

const (
	DefaultTimeout = 10 * time.Second

	fallbackImportance      = 0.3
	conversationalCeiling   = 0.49
	maxClassificationTokens = 300
	classifierTemperature   = 0.3
)

// Recorder receives one call per classification.
type Recorder interface {
	ObserveClassification(category memory.MemoryCategory, failed bool)
}

type Options struct {
	Timeout  time.Duration
	Logger   *log.Logger
	Recorder Recorder
}

// LLMClassifier asks a chat model for a verdict and normalizes whatever it
// returns. It implements memory.Classifier.
type LLMClassifier struct {
	provider llm.Provider
	timeout  time.Duration
	logger   *log.Logger
	recorder Recorder
}

func New(provider llm.Provider, opts Options) *LLMClassifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("classifier")
	}
	return &LLMClassifier{provider: provider, timeout: opts.Timeout, logger: opts.Logger, recorder: opts.Recorder}
}

func (c *LLMClassifier) Classify(ctx context.Context, userInput, assistantResponse, intentType string) memory.MemoryClassification {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.provider.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        userPrompt(userInput, assistantResponse, intentType),
		MaxTokens:   maxClassificationTokens,
		Temperature: classifierTemperature,
		JSON:        true,
	})
	var out memory.MemoryClassification
	if err == nil {
		out, err = Parse(reply)
	}
	if err != nil {
		c.logger.Warn("classification failed", "err", err)
		c.observe(memory.CategoryConversational, true)
		return Fallback(err)
	}

	c.logger.Debug("classified", "category", out.Category, "importance", out.Importance, "facts", len(out.ExtractedFacts))
	c.observe(out.Category, false)
	return out
}

// ClassifyBatch classifies exchanges one at a time, preserving order.
func (c *LLMClassifier) ClassifyBatch(ctx context.Context, exchanges []Exchange) []memory.MemoryClassification {
	out := make([]memory.MemoryClassification, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, c.Classify(ctx, ex.UserInput, ex.AssistantResponse, ex.IntentType))
	}
	return out
}

// Exchange is one user/assistant pair awaiting classification.
type Exchange struct {
	UserInput         string
	AssistantResponse string
	IntentType        string
}

func (c *LLMClassifier) observe(cat memory.MemoryCategory, failed bool) {
	if c.recorder != nil {
		c.recorder.ObserveClassification(cat, failed)
	}
}

// Fallback is the verdict used when classification cannot complete.
func Fallback(cause error) memory.MemoryClassification {
	return memory.MemoryClassification{
		Category:   memory.CategoryConversational,
		Importance: fallbackImportance,
		Reasoning:  fmt.Sprintf("classification failed: %v", cause),
	}
}

type rawVerdict struct {
	Category       string          `json:"category"`
	Importance     *float64        `json:"importance_score"`
	FactCategory   string          `json:"fact_category"`
	ExtractedFacts json.RawMessage `json:"extracted_facts"`
	Reasoning      string          `json:"reasoning"`
}

var errNoJSONObject = errors.New("no JSON object in reply")

// Parse decodes a model reply into a normalized classification. The reply
// may be fenced or wrapped in prose.
func Parse(reply string) (memory.MemoryClassification, error) {
	obj, ok := extractObject(reply)
	if !ok {
		return memory.MemoryClassification{}, errNoJSONObject
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return memory.MemoryClassification{}, fmt.Errorf("decode verdict: %w", err)
	}
	return normalize(raw), nil
}

func normalize(raw rawVerdict) memory.MemoryClassification {
	out := memory.MemoryClassification{
		Category:  memory.ParseMemoryCategory(raw.Category),
		Reasoning: strings.TrimSpace(raw.Reasoning),
	}
	if out.Reasoning == "" {
		out.Reasoning = "No reasoning provided"
	}

	imp := math.NaN()
	if raw.Importance != nil {
		imp = *raw.Importance
	}

	switch out.Category {
	case memory.CategoryEphemeral:
		out.Importance = 0
	case memory.CategoryConversational:
		switch {
		case math.IsNaN(imp) || imp <= 0:
			out.Importance = fallbackImportance
		default:
			out.Importance = math.Min(imp, conversationalCeiling)
		}
	case memory.CategoryFactual:
		if math.IsNaN(imp) {
			imp = 0.5
		}
		out.Importance = math.Min(1, math.Max(0.5, imp))
		out.FactCategory = memory.ParseFactCategory(raw.FactCategory)
		out.ExtractedFacts = parseFacts(raw.ExtractedFacts)
	}
	return out
}

// parseFacts accepts a list of strings and ignores anything else.
func parseFacts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []string
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// extractObject strips markdown fences and returns the outermost {...}.
func extractObject(reply string) (string, bool) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
