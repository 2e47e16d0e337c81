// Package llm provides a provider-agnostic LLM client with retry, session
// continuity, and token streaming. Agents invoke it with a system prompt, a
// user prompt, and an optional session ID; the client replays the session's
// conversation history so stateless chat-completion APIs behave like
// continuous conversations.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains a parsed non-streaming completion.
type Response struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// InvokeRequest is one agent invocation.
type InvokeRequest struct {
	// SystemPrompt is the agent's system prompt.
	SystemPrompt string

	// UserPrompt is the resolved task text.
	UserPrompt string

	// SessionID continues a prior conversation. Empty starts a new
	// session; the result carries the session ID to reuse.
	SessionID string

	// Model overrides the client's configured model when set.
	Model string

	// Temperature is nil to use the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// OnToken, when set, receives each streamed token as it arrives.
	OnToken func(token string)
}

// InvokeResult is the outcome of an invocation.
type InvokeResult struct {
	Text         string
	SessionID    string
	Model        string
	FinishReason string
	Duration     time.Duration
}

// Invoker is the minimal contract the engine consumes. *Client implements
// it; tests substitute mocks.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// RetryConfig tunes the invoke retry loop. Backoff grows by
// BackoffMultiplier per attempt, capped at MaxBackoff, with jitter.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig is tuned for chat-completion endpoints, where 429s
// clear within seconds but hammering them extends the throttle window.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Client is a provider-agnostic LLM client.
type Client struct {
	provider    Provider
	model       string
	baseURL     string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	sessions    *SessionStore
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates an LLM client for one provider endpoint.
func NewClient(providerName, model, baseURL string, opts ...ClientOption) (*Client, error) {
	provider := GetProvider(providerName)
	if provider == nil {
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}

	c := &Client{
		provider:    provider,
		model:       model,
		baseURL:     baseURL,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: time.Hour, // Agent invocations run minutes to an hour
		},
		logger:   slog.Default(),
		sessions: NewSessionStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invoke sends one agent invocation, handling retry with backoff. Streaming
// calls retry only until the first token has been delivered; after that a
// failure surfaces so the caller can preserve the partial text.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.UserPrompt == "" {
		return nil, NewFatalError(fmt.Errorf("user prompt is required"))
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	messages := c.buildMessages(req, sessionID)
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		text, finishReason, streamed, err := c.doRequest(ctx, model, messages, req)
		if err == nil {
			c.sessions.Append(sessionID,
				Message{Role: "user", Content: req.UserPrompt},
				Message{Role: "assistant", Content: text})
			return &InvokeResult{
				Text:         text,
				SessionID:    sessionID,
				Model:        model,
				FinishReason: finishReason,
				Duration:     time.Since(started),
			}, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}
		if streamed {
			// Tokens already reached the caller; re-running would
			// duplicate them.
			return nil, err
		}
		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("LLM request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("llm invoke failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}

// buildMessages assembles system prompt + session history + user prompt.
func (c *Client) buildMessages(req InvokeRequest, sessionID string) []Message {
	var messages []Message
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, c.sessions.History(sessionID)...)
	messages = append(messages, Message{Role: "user", Content: req.UserPrompt})
	return messages
}

// doRequest executes a single HTTP request. The streamed return reports
// whether any token was delivered to the caller before the error.
func (c *Client) doRequest(ctx context.Context, model string, messages []Message, req InvokeRequest) (text, finishReason string, streamed bool, err error) {
	opts := RequestOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.OnToken != nil,
	}

	body, err := c.provider.BuildRequestBody(model, messages, opts)
	if err != nil {
		return "", "", false, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := c.provider.BuildURL(c.baseURL)
	c.logger.Debug("Sending LLM request",
		"provider", c.provider.Name(),
		"model", model,
		"url", url,
		"messages", len(messages),
		"stream", opts.Stream)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", false, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	c.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return "", "", false, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return "", "", false, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	if opts.Stream {
		return c.readStream(httpResp.Body, req.OnToken)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", "", false, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	resp, err := c.provider.ParseResponse(respBody, model)
	if err != nil {
		return "", "", false, err
	}
	return resp.Content, resp.FinishReason, false, nil
}

// readStream consumes an SSE body, forwarding tokens and accumulating the
// final text.
func (c *Client) readStream(body io.Reader, onToken func(string)) (text, finishReason string, streamed bool, err error) {
	var b strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // event:/id: framing lines
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		ev, perr := c.provider.ParseStreamEvent([]byte(data))
		if perr != nil {
			c.logger.Warn("Skipping malformed stream event", "error", perr)
			continue
		}
		if ev.Token != "" {
			b.WriteString(ev.Token)
			streamed = true
			onToken(ev.Token)
		}
		if ev.FinishReason != "" {
			finishReason = ev.FinishReason
		}
		if ev.Done {
			break
		}
	}
	if serr := scanner.Err(); serr != nil {
		return b.String(), finishReason, streamed, NewTransientError(fmt.Errorf("read stream: %w", serr))
	}
	return b.String(), finishReason, streamed, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple clients retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// 4xx other than 429: bad request, auth, not found
		return NewFatalError(err)
	}
}
