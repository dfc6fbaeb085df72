// Package llm wraps the chat-completion backends used for memory
// classification.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is a single-turn completion.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object where it supports that.
	JSON bool
}

// Provider turns a Request into the model's text reply.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config controls provider construction.
type Config struct {
	Mode    string // anthropic|openai|ollama|mock
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultOllamaModel    = "llama3.2"
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultOllamaBaseURL  = "http://localhost:11434/v1"
)

func NewProvider(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "mock":
		return NewMockProvider(), nil
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY")
		}
		return NewAnthropicProvider(cfg.APIKey, orDefault(cfg.Model, defaultAnthropicModel), cfg.BaseURL), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return NewOpenAIProvider(orDefault(cfg.BaseURL, defaultOpenAIBaseURL), cfg.APIKey, orDefault(cfg.Model, defaultOpenAIModel), cfg.Timeout), nil
	case "ollama":
		// Ollama serves the OpenAI wire format under /v1.
		return NewOpenAIProvider(orDefault(cfg.BaseURL, defaultOllamaBaseURL), cfg.APIKey, orDefault(cfg.Model, defaultOllamaModel), cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (expected anthropic|openai|ollama|mock)", cfg.Mode)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
