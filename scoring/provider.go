package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Assessment carries the AI-judged sub-scores for one product, each 0..1.
type Assessment struct {
	NicheScore               float64 `json:"nicheScore"`
	CommissionSustainability float64 `json:"commissionSustainability"`
}

// Provider assesses a product's niche potential and commission
// sustainability. Any error from a Provider is recoverable: the engine
// falls back to deterministic estimators.
type Provider interface {
	Assess(ctx context.Context, p Product) (*Assessment, error)
}

// ProviderConfig configures the chat-completions provider.
type ProviderConfig struct {
	// Endpoint is the API base, e.g. "https://api.openai.com" or a local
	// vLLM/Ollama server. The /v1/chat/completions path is appended.
	Endpoint string
	APIKey   string
	Model    string
	// Timeout bounds one assessment call. Default: 20s.
	Timeout time.Duration
}

// chatProvider implements Provider against the OpenAI /v1/chat/completions
// API format, which covers OpenAI, vLLM, Ollama, and most gateways.
type chatProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewProvider creates a chat-completions Provider. Returns nil (AI disabled)
// when no endpoint is configured, so the zero config degrades cleanly.
func NewProvider(cfg ProviderConfig) Provider {
	if cfg.Endpoint == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &chatProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

const assessSystemPrompt = `You rate affiliate marketplace products. Reply with ONLY a JSON object:
{"nicheScore": <0..1>, "commissionSustainability": <0..1>}
nicheScore: how specific and underserved the product's niche is.
commissionSustainability: how likely the commission rate is to persist.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *chatProvider) Assess(ctx context.Context, p Product) (*Assessment, error) {
	user, err := json.Marshal(map[string]any{
		"name":       p.Name,
		"price":      p.Price,
		"commission": p.Commission,
		"popularity": p.Popularity,
		"category":   p.Category,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: marshal product: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: assessSystemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: marshal request: %w", err)
	}

	url := c.endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring: HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scoring: HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("scoring: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("scoring: empty completion from %s", url)
	}

	return parseAssessment(result.Choices[0].Message.Content)
}

// parseAssessment decodes the model's reply strictly: it must be a JSON
// object with both fields in range. Anything else is an error, which the
// engine treats as an AI miss, not a scoring failure.
func parseAssessment(content string) (*Assessment, error) {
	content = strings.TrimSpace(content)
	// Tolerate fenced replies; everything else must parse strictly.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var a Assessment
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("scoring: non-conforming assessment reply: %w", err)
	}
	if a.NicheScore < 0 || a.NicheScore > 1 ||
		a.CommissionSustainability < 0 || a.CommissionSustainability > 1 {
		return nil, fmt.Errorf("scoring: assessment out of range: %+v", a)
	}
	return &a, nil
}
