// Package llm provides the completion-service client used for persona reply
// generation. The wire format is the OpenAI-compatible chat completions API,
// which also covers local runtimes such as Ollama.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxErrorBodySize limits how much of an error response body is read.
const MaxErrorBodySize = 1 * 1024 * 1024

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// CompletionService is the orchestration-facing contract. Errors carry a
// classified kind (see KindOf).
type CompletionService interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// Config configures a Client.
type Config struct {
	// Name identifies the provider in logs and errors.
	Name string
	// Endpoint is the API base URL, e.g. "https://api.openai.com/v1".
	Endpoint string
	// APIKey authenticates the request; empty for local runtimes.
	APIKey string
	// Model to request.
	Model string
	// MaxTokens default for responses.
	MaxTokens int
	// Temperature default.
	Temperature float64
	// Timeout is the hard per-call budget.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a named provider.
func DefaultConfig(name string) Config {
	cfg := Config{
		Name:        name,
		MaxTokens:   256,
		Temperature: 0.8,
		Timeout:     30 * time.Second,
	}
	switch name {
	case "ollama":
		cfg.Endpoint = "http://127.0.0.1:11434/v1"
		cfg.Model = "llama3.2"
		cfg.Timeout = 60 * time.Second
	default:
		cfg.Endpoint = "https://api.openai.com/v1"
		cfg.Model = "gpt-4o-mini"
	}
	return cfg
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a completion client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.config.Name }

// Complete sends one chat completion request. The call is bounded by the
// configured timeout regardless of the caller's context.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	wireReq := chatCompletionRequest{
		Model:       c.config.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if wireReq.MaxTokens == 0 {
		wireReq.MaxTokens = c.config.MaxTokens
	}
	if wireReq.Temperature == 0 {
		wireReq.Temperature = c.config.Temperature
	}
	if req.SystemPrompt != "" {
		wireReq.Messages = append(wireReq.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	wireReq.Messages = append(wireReq.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(wireReq)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Provider: c.config.Name, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Provider: c.config.Name, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &Error{Kind: classifyTransportError(err), Provider: c.config.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return "", &Error{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: c.config.Name,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var wireResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return "", &Error{Kind: KindUnknown, Provider: c.config.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(wireResp.Choices) == 0 {
		return "", &Error{Kind: KindUnknown, Provider: c.config.Name, Err: errors.New("no choices in response")}
	}

	log.Debug().
		Str("provider", c.config.Name).
		Str("model", wireResp.Model).
		Int("tokens", wireResp.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("completion call finished")

	return wireResp.Choices[0].Message.Content, nil
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

func classifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		// http.Client wraps url.Error around transport failures.
		return KindNetwork
	}
	return kind
}

// OpenAI-compatible wire types.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
