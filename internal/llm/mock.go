package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// MockProvider answers classification prompts with deterministic
// keyword rules so the service runs offline.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

var (
	ephemeralPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|bye|goodbye|thanks|thank you|ok|okay|sure)\b|what time is it|what day is it|weather|\b(play|pause|skip)\b`)
	personalPattern  = regexp.MustCompile(`(?i)\b(my name is|i live in|i am from|i'm from|i work|my birthday|my (wife|husband|son|daughter|mother|father))\b`)
	preferPattern    = regexp.MustCompile(`(?i)\b(i like|i love|i hate|i prefer|my favou?rite|i don't like|i dislike)\b`)
	contextPattern   = regexp.MustCompile(`(?i)^\s*(remember|don't forget)\b|\b(i plan|i'm going to|i decided)\b`)
)

type mockVerdict struct {
	Category       string   `json:"category"`
	Importance     float64  `json:"importance_score"`
	FactCategory   string   `json:"fact_category,omitempty"`
	ExtractedFacts []string `json:"extracted_facts,omitempty"`
	Reasoning      string   `json:"reasoning"`
}

func (p *MockProvider) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	b, err := json.Marshal(mockClassify(utteranceFromPrompt(req.User)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func mockClassify(utterance string) mockVerdict {
	u := strings.TrimSpace(utterance)
	switch {
	case personalPattern.MatchString(u):
		return mockVerdict{Category: "FACTUAL", Importance: 0.9, FactCategory: "PERSONAL", ExtractedFacts: []string{u}, Reasoning: "personal information"}
	case preferPattern.MatchString(u):
		return mockVerdict{Category: "FACTUAL", Importance: 0.7, FactCategory: "PREFERENCE", ExtractedFacts: []string{u}, Reasoning: "stated preference"}
	case contextPattern.MatchString(u):
		return mockVerdict{Category: "FACTUAL", Importance: 0.7, FactCategory: "CONTEXT", ExtractedFacts: []string{u}, Reasoning: "explicit request to remember"}
	case u == "" || ephemeralPattern.MatchString(u):
		return mockVerdict{Category: "EPHEMERAL", Importance: 0, Reasoning: "small talk or system command"}
	default:
		return mockVerdict{Category: "CONVERSATIONAL", Importance: 0.3, Reasoning: "general conversation"}
	}
}

// utteranceFromPrompt pulls the "User:" line out of a classification
// prompt, falling back to the whole prompt.
func utteranceFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "User:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return prompt
}
