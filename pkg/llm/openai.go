package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/httpclient"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg    *config.LLMConfig
	client *httpclient.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAIProvider creates a provider from config. Transient transport
// errors are retried with exponential backoff (1s, 2s, 4s); quota and auth
// errors are surfaced immediately.
func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for LLM provider")
	}

	return &OpenAIProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string {
	return p.cfg.Model
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	// Do returns the response alongside the error for non-2xx statuses so
	// the status-specific handling below still runs.
	resp, err := p.client.Do(httpReq)
	if resp == nil {
		return "", faults.Wrap(faults.LLMUnavailable, "LLM transport failed after retries", err).
			WithRemediation("check trivial_llm host/api_key configuration")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Wrap(faults.LLMUnavailable, "failed to read LLM response", err)
	}

	// Auth and quota failures are terminal: the retry layer does not touch
	// 401/403, and 429 is surfaced once Retry-After has been honored.
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", faults.New(faults.LLMUnavailable, "LLM rejected credentials").
			WithRemediation("rotate the trivial_llm api_key")
	case http.StatusTooManyRequests:
		return "", faults.New(faults.QuotaExceeded, "LLM quota exceeded")
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", faults.Wrap(faults.LLMUnavailable, "malformed LLM response envelope", err)
	}
	if response.Error != nil {
		return "", faults.New(faults.LLMUnavailable,
			fmt.Sprintf("LLM API error: %s (type %s)", response.Error.Message, response.Error.Type))
	}
	if len(response.Choices) == 0 {
		return "", faults.New(faults.LLMUnavailable, "LLM returned no choices")
	}
	return response.Choices[0].Message.Content, nil
}
