package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicememory/internal/reliability"
)

var completionRetry = reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second}

// OpenAIProvider speaks the chat completions wire format, which both
// OpenAI and Ollama serve.
type OpenAIProvider struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/chat/completions",
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// statusError carries a non-2xx reply so Retry can tell transient failures
// apart.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat completions status %d: %s", e.code, e.body)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = reliability.Retry(ctx, completionRetry, retryableCompletion, func(int) error {
		var err error
		text, err = p.send(ctx, payload)
		return err
	})
	return text, err
}

func (p *OpenAIProvider) send(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &statusError{code: res.StatusCode, body: strings.TrimSpace(string(b))}
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func retryableCompletion(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.code)
	}
	return false
}
