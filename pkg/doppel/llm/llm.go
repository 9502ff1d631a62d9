// Package llm implements the response generator: an OpenAI-compatible
// chat-completions client with error classification and bounded retry.
// Works with OpenAI and any compatible endpoint (proxies, local servers).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/doppel/pkg/doppel/prompt"
	"github.com/jholhewres/doppel/pkg/doppel/store"
)

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	// ErrorTransient is a retryable failure: network error, timeout, 5xx.
	ErrorTransient ErrorKind = iota

	// ErrorRateLimited is retryable after a longer backoff (429).
	ErrorRateLimited

	// ErrorConfig is non-retriable: invalid credentials, unknown model,
	// malformed request (400/401/403/404). Retrying cannot help until the
	// configuration changes.
	ErrorConfig
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorConfig:
		return "config"
	default:
		return "unknown"
	}
}

// APIError is an error returned by the generation backend.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation API error (status %d, %s): %s", e.StatusCode, e.Kind, e.Message)
}

// Retryable reports whether the error warrants another attempt.
func (e *APIError) Retryable() bool { return e.Kind != ErrorConfig }

// IsConfigError reports whether err is a non-retriable configuration
// failure (bad credentials, unknown model). Callers stop generating for
// the affected contact instead of retrying.
func IsConfigError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrorConfig
}

// classifyStatus maps an HTTP status to an ErrorKind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorRateLimited
	case code == http.StatusBadRequest,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusUnprocessableEntity:
		return ErrorConfig
	default:
		return ErrorTransient
	}
}

// Params are the generation parameters sent with every request.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Config configures the Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Params         Params
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	params       Params
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client from config. Missing values get defaults:
// api.openai.com base URL, 60s request timeout, 3 retries with 2s backoff.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		params:       cfg.Params,
		timeout:      timeout,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 90 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// ---------- Wire types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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
	} `json:"error"`
}

// promptMessages converts a structured prompt into chat-completions
// messages: style instructions as system, history turns as user/assistant
// (inbound is the counterpart talking, outbound is us), then the new
// message as the final user turn.
func promptMessages(p prompt.Prompt) []chatMessage {
	messages := make([]chatMessage, 0, len(p.HistoryTurns)+2)
	if p.StyleInstructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.StyleInstructions})
	}
	for _, turn := range p.HistoryTurns {
		role := "user"
		if turn.Direction == store.DirectionOut {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.NewMessage})
	return messages
}

// Generate produces a reply for the prompt. Transient failures are retried
// up to the configured count with backoff; configuration failures return
// immediately.
func (c *Client) Generate(ctx context.Context, p prompt.Prompt) (string, error) {
	messages := promptMessages(p)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(attempt)
			c.logger.Info("retrying generation",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", fmt.Errorf("generation cancelled during backoff: %w", ctx.Err())
			}
		}

		reply, err := c.completeOnce(ctx, messages)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if IsConfigError(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("generation cancelled: %w", ctx.Err())
		}
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// completeOnce performs a single chat-completions call.
func (c *Client) completeOnce(ctx context.Context, messages []chatMessage) (string, error) {
	reqBody := chatRequest{
		Model:       c.params.Model,
		Messages:    messages,
		Temperature: c.params.Temperature,
		MaxTokens:   c.params.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling generation API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Kind:       classifyStatus(resp.StatusCode),
			Message:    apiErrorMessage(body),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Kind:       ErrorTransient,
			Message:    parsed.Error.Message,
		}
	}
	if len(parsed.Choices) == 0 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Kind:       ErrorTransient,
			Message:    "response contained no choices",
		}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// apiErrorMessage extracts the error message from an API error body,
// falling back to a truncated raw body.
func apiErrorMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
