package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicememory/internal/llm"
	"github.com/ent0n29/voicememory/internal/memory"
)

type stubProvider struct {
	reply string
	err   error
	delay time.Duration
	last  llm.Request
}

func (s *stubProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.last = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

type countingRecorder struct {
	byCategory map[memory.MemoryCategory]int
	failures   int
}

func (r *countingRecorder) ObserveClassification(cat memory.MemoryCategory, failed bool) {
	if r.byCategory == nil {
		r.byCategory = map[memory.MemoryCategory]int{}
	}
	r.byCategory[cat]++
	if failed {
		r.failures++
	}
}

func TestParseNormalizesVerdicts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  memory.MemoryClassification
	}{
		{
			name:  "ephemeral forces zero importance",
			reply: `{"category":"EPHEMERAL","importance_score":0.7,"extracted_facts":["x"],"reasoning":"greeting"}`,
			want:  memory.MemoryClassification{Category: memory.CategoryEphemeral, Importance: 0, Reasoning: "greeting"},
		},
		{
			name:  "conversational clamps below half",
			reply: `{"category":"conversational","importance_score":0.9,"reasoning":"joke"}`,
			want:  memory.MemoryClassification{Category: memory.CategoryConversational, Importance: 0.49, Reasoning: "joke"},
		},
		{
			name:  "conversational zero becomes default",
			reply: `{"category":"CONVERSATIONAL","importance_score":0}`,
			want:  memory.MemoryClassification{Category: memory.CategoryConversational, Importance: 0.3, Reasoning: "No reasoning provided"},
		},
		{
			name:  "factual clamps up and defaults fact category",
			reply: `{"category":"FACTUAL","importance_score":0.2,"fact_category":"HOBBY","extracted_facts":["  User likes chess ", "", 7]}`,
			want: memory.MemoryClassification{
				Category: memory.CategoryFactual, Importance: 0.5, FactCategory: memory.FactContext,
				ExtractedFacts: []string{"User likes chess"}, Reasoning: "No reasoning provided",
			},
		},
		{
			name:  "factual clamps above one",
			reply: `{"category":"FACTUAL","importance_score":3,"fact_category":"personal","extracted_facts":["User's name is Alice"],"reasoning":"name"}`,
			want: memory.MemoryClassification{
				Category: memory.CategoryFactual, Importance: 1, FactCategory: memory.FactPersonal,
				ExtractedFacts: []string{"User's name is Alice"}, Reasoning: "name",
			},
		},
		{
			name:  "unknown category",
			reply: `{"category":"TRIVIAL","importance_score":0.2,"reasoning":"?"}`,
			want:  memory.MemoryClassification{Category: memory.CategoryConversational, Importance: 0.2, Reasoning: "?"},
		},
		{
			name:  "fenced with prose",
			reply: "```json\nHere you go: {\"category\":\"EPHEMERAL\",\"reasoning\":\"bye\"}\n```",
			want:  memory.MemoryClassification{Category: memory.CategoryEphemeral, Reasoning: "bye"},
		},
		{
			name:  "extracted facts not a list",
			reply: `{"category":"FACTUAL","importance_score":0.8,"fact_category":"PREFERENCE","extracted_facts":"likes tea"}`,
			want:  memory.MemoryClassification{Category: memory.CategoryFactual, Importance: 0.8, FactCategory: memory.FactPreference, Reasoning: "No reasoning provided"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.reply)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, reply := range []string{"", "no json here", "{not json}", "} backwards {"} {
		_, err := Parse(reply)
		assert.Error(t, err, reply)
	}
}

func TestClassifyFailsSoft(t *testing.T) {
	tests := []struct {
		name     string
		provider *stubProvider
		timeout  time.Duration
	}{
		{name: "provider error", provider: &stubProvider{err: errors.New("upstream 500")}},
		{name: "unparseable", provider: &stubProvider{reply: "I think this is factual"}},
		{name: "timeout", provider: &stubProvider{reply: `{"category":"FACTUAL"}`, delay: time.Second}, timeout: 20 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &countingRecorder{}
			c := New(tc.provider, Options{Timeout: tc.timeout, Recorder: rec})

			got := c.Classify(context.Background(), "hello", "hi", "")
			assert.Equal(t, memory.CategoryConversational, got.Category)
			assert.Equal(t, 0.3, got.Importance)
			assert.Contains(t, got.Reasoning, "classification failed: ")
			assert.Empty(t, got.ExtractedFacts)
			assert.Equal(t, 1, rec.failures)
		})
	}
}

func TestClassifyPassesIntentHint(t *testing.T) {
	p := &stubProvider{reply: `{"category":"FACTUAL","importance_score":0.9,"fact_category":"PERSONAL","extracted_facts":["User's name is Alice"]}`}
	rec := &countingRecorder{}
	c := New(p, Options{Recorder: rec})

	got := c.Classify(context.Background(), "My name is Alice", "Nice to meet you, Alice", "AI")
	assert.Equal(t, memory.CategoryFactual, got.Category)
	assert.Equal(t, []string{"User's name is Alice"}, got.ExtractedFacts)

	assert.Contains(t, p.last.User, "User: My name is Alice")
	assert.Contains(t, p.last.User, "Assistant: Nice to meet you, Alice")
	assert.Contains(t, p.last.User, "Intent Type: AI")
	assert.True(t, p.last.JSON)
	assert.Equal(t, systemPrompt, p.last.System)
	assert.Equal(t, 1, rec.byCategory[memory.CategoryFactual])
	assert.Zero(t, rec.failures)
}

func TestClassifyOmitsEmptyIntent(t *testing.T) {
	p := &stubProvider{reply: `{"category":"EPHEMERAL"}`}
	New(p, Options{}).Classify(context.Background(), "bye", "bye!", "")
	assert.NotContains(t, p.last.User, "Intent Type")
}

func TestClassifyWithMockProvider(t *testing.T) {
	c := New(llm.NewMockProvider(), Options{})
	ctx := context.Background()

	got := c.Classify(ctx, "My name is Alice", "Nice to meet you", "")
	assert.Equal(t, memory.CategoryFactual, got.Category)
	assert.Equal(t, memory.FactPersonal, got.FactCategory)
	assert.GreaterOrEqual(t, got.Importance, 0.9)

	got = c.Classify(ctx, "hello", "hi!", "")
	assert.Equal(t, memory.CategoryEphemeral, got.Category)
	assert.Zero(t, got.Importance)

	batch := c.ClassifyBatch(ctx, []Exchange{
		{UserInput: "I love hiking", AssistantResponse: "Nice"},
		{UserInput: "Explain photosynthesis", AssistantResponse: "Plants..."},
	})
	require.Len(t, batch, 2)
	assert.Equal(t, memory.CategoryFactual, batch[0].Category)
	assert.Equal(t, memory.CategoryConversational, batch[1].Category)
}
