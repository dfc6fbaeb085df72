package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPtr(s string) *string { return &s }

func TestCompositeScore(t *testing.T) {
	tests := []struct {
		name string
		in   RetrievalResult
		want float64
	}{
		{name: "fact", in: RetrievalResult{Relevance: 1, Importance: 1, Source: SourceFTS}, want: 0.9},
		{name: "recent bonus", in: RetrievalResult{Relevance: 0.8, Importance: 0.5, Source: SourceRecent}, want: 0.48 + 0.15 + 0.1},
		{name: "zero", in: RetrievalResult{Source: SourceVector}, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, CompositeScore(tc.in), 1e-9)
		})
	}
}

func TestRankPrefersImportanceOnEqualRelevance(t *testing.T) {
	results := []RetrievalResult{
		{Content: "low", Relevance: 0.5, Importance: 0.2, Source: SourceFTS},
		{Content: "high", Relevance: 0.5, Importance: 0.9, Source: SourceFTS},
		{Content: "mid", Relevance: 0.5, Importance: 0.5, Source: SourceFTS},
	}
	ranked := Rank(results, 10)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, contents(ranked))
}

func TestRankTruncates(t *testing.T) {
	results := []RetrievalResult{
		{Content: "a", Relevance: 0.1},
		{Content: "b", Relevance: 0.9},
		{Content: "c", Relevance: 0.5},
	}
	ranked := Rank(results, 2)
	assert.Equal(t, []string{"b", "c"}, contents(ranked))
	assert.Empty(t, Rank(nil, 5))
}

func TestDedupeByNormalizedPrefix(t *testing.T) {
	long := strings.Repeat("x", 100)
	results := []RetrievalResult{
		{Content: "My name is Alice", Source: SourceRecent},
		{Content: "  my name is alice ", Source: SourceSQLConversation},
		{Content: long + "tail one", Source: SourceFTS},
		{Content: long + "tail two", Source: SourceVector},
		{Content: "   ", Source: SourceFTS},
		{Content: "Something else", Source: SourceFTS},
	}
	out := Dedupe(results)
	require.Len(t, out, 3)
	assert.Equal(t, SourceRecent, out[0].Source)
	assert.Equal(t, SourceFTS, out[1].Source)
	assert.Equal(t, "Something else", out[2].Content)
}

func TestFormatContextForPrompt(t *testing.T) {
	results := []RetrievalResult{
		{Content: "User: hi\nAssistant: hello", SessionID: sessionPtr("s1")},
		{Content: "The user's name is Alice."},
	}

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", FormatContextForPrompt(nil, 100))
	})

	t.Run("all fit", func(t *testing.T) {
		got := FormatContextForPrompt(results, 1000)
		want := ContextHeader + "\n- [this session] User: hi Assistant: hello\n- The user's name is Alice."
		assert.Equal(t, want, got)
	})

	t.Run("header only when nothing fits", func(t *testing.T) {
		got := FormatContextForPrompt(results, len(ContextHeader)+3)
		assert.Equal(t, ContextHeader, got)
	})

	t.Run("stops at first overflow", func(t *testing.T) {
		first := ContextHeader + "\n- [this session] User: hi Assistant: hello"
		got := FormatContextForPrompt(results, len(first)+5)
		assert.Equal(t, first, got)
	})
}

func TestFormatContextLengthBound(t *testing.T) {
	var results []RetrievalResult
	for i := 0; i < 40; i++ {
		results = append(results, RetrievalResult{Content: strings.Repeat("word ", i+1)})
	}
	for _, limit := range []int{len(ContextHeader), 50, 120, 333, 1000, 5000} {
		got := FormatContextForPrompt(results, limit)
		assert.LessOrEqual(t, len(got), limit, "limit %d", limit)
		assert.True(t, strings.HasPrefix(got, ContextHeader))
		for _, line := range strings.Split(got, "\n")[1:] {
			assert.True(t, strings.HasPrefix(line, "- "), "line %q", line)
		}
	}
}

func contents(rs []RetrievalResult) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Content)
	}
	return out
}
