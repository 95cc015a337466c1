package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Config configures the OpenAI-compatible client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token. Usually resolved from the vault,
	// keyring or environment rather than written in the config file.
	APIKey string `yaml:"api_key"`

	// Model is used when a request does not name one.
	Model string `yaml:"model"`

	// TimeoutSeconds bounds one HTTP call (default: 120).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries for transient failures (default: 2).
	MaxRetries int `yaml:"max_retries"`
}

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable ErrorKind = iota
	ErrorRateLimit
	ErrorAuth
	ErrorContext
	ErrorBadRequest
	ErrorFatal
)

// String returns a label for logs.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorAuth:
		return "auth"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// APIError is a non-200 reply from the endpoint.
type APIError struct {
	StatusCode    int
	Body          string
	Kind          ErrorKind
	RetryAfterSec int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "context_length_exceeded"), strings.Contains(lower, "maximum context length"):
		return ErrorContext
	case statusCode == 429, strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"):
		return ErrorRateLimit
	}
	switch {
	case statusCode == 400:
		return ErrorBadRequest
	case statusCode == 401, statusCode == 403:
		return ErrorAuth
	case statusCode >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}

// OpenAIClient talks to any /chat/completions compatible endpoint.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates a client. Defaults: api.openai.com, 120s timeout.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &OpenAIClient{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// DefaultModel returns the configured model.
func (c *OpenAIClient) DefaultModel() string { return c.cfg.Model }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends one completion request, retrying transient failures with
// exponential backoff.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfterSec > 0 {
				wait = time.Duration(apiErr.RetryAfterSec) * time.Second
			}
			c.logger.Warn("retrying chat completion", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == ErrorRetryable || apiErr.Kind == ErrorRateLimit
	}
	// Transport failures (connection reset, timeout) are worth a retry
	// unless the caller gave up.
	return !errors.Is(err, context.Canceled)
}

func (c *OpenAIClient) completeOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
		body.ToolChoice = "auto"
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		body.MaxTokens = &mt
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending chat completion",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Kind:       classifyAPIError(resp.StatusCode, string(respBody)),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apiErr.RetryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"model", req.Model,
			"status", resp.StatusCode,
			"kind", apiErr.Kind.String(),
			"body", truncate(string(respBody), 500),
		)
		return nil, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       parsed.Error.Message,
			Kind:       classifyAPIError(resp.StatusCode, parsed.Error.Message),
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	choice := parsed.Choices[0]
	c.logger.Info("chat completion done",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	return &ChatResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

var _ Provider = (*OpenAIClient)(nil)
