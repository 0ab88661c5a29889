package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// LLM is a text completion service.
type LLM interface {
	// Generate returns the completion and the total tokens consumed.
	Generate(ctx context.Context, system, prompt string) (string, int64, error)
}

var ErrLLMUnavailable = errors.New("llm not configured")

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg  OpenAIConfig
	http *HTTPClient
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIProvider{cfg: cfg, http: NewHTTPClient(cfg.Timeout, cfg.MaxRetries, 500*time.Millisecond)}
}

func (p *OpenAIProvider) Generate(ctx context.Context, system, prompt string) (string, int64, error) {
	if p == nil || p.cfg.APIKey == "" || p.cfg.Model == "" {
		return "", 0, ErrLLMUnavailable
	}
	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}
	msgs := make([]chatMsg, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMsg{Role: "user", Content: prompt})

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	body := chatReq{Model: p.cfg.Model, Messages: msgs, Temperature: p.cfg.Temperature, MaxTokens: p.cfg.MaxTokens}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	if err := p.http.DoJSON(ctx, "POST", url, headers, body, &out); err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", out.Usage.TotalTokens, errors.New("chat completion: no choices")
	}
	return out.Choices[0].Message.Content, out.Usage.TotalTokens, nil
}
