// Package llm provides the tiered LLM client shared by the planner, pipeline,
// review, and capability components. Every call names an explicit model tier;
// the client resolves the tier to a configured endpoint, retries transient
// failures with jittered backoff, and persists a usage row per call.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/foreman-hq/foreman/pkg/models"
)

// maxResponseSize bounds the response body read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint configures one tier's model endpoint.
type Endpoint struct {
	// Provider is the wire format: "openai" (chat-completions compatible)
	// or "anthropic".
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// Config holds the per-tier endpoints plus client-wide knobs.
type Config struct {
	Endpoints map[models.ModelTier]Endpoint
	Retry     RetryConfig
	Timeout   time.Duration
}

// DefaultConfig returns an empty endpoint map with default retry and timeout
// settings; callers populate Endpoints from their config layer.
func DefaultConfig() Config {
	return Config{
		Endpoints: map[models.ModelTier]Endpoint{},
		Retry:     DefaultRetryConfig(),
		Timeout:   180 * time.Second,
	}
}

// Request is one completion call.
type Request struct {
	SystemPrompt string
	UserMessage  string
	// AgentID is the caller identity for usage attribution. Non-agent
	// callers pass values like "system"; sanitization maps those to NULL.
	AgentID       string
	MissionStepID *string
	// ForceTier selects the endpoint. Required.
	ForceTier models.ModelTier
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the completion result.
type Response struct {
	Content string
	Model   string
	Tier    models.ModelTier
	Usage   Usage
}

// UsageRecorder persists usage rows. The store implements it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u *models.LLMUsage) error
}

// Client is the tiered LLM client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// usage optionally persists per-call accounting. Nil disables recording.
	usage UsageRecorder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) { client.logger = logger }
}

// WithUsageRecorder enables usage persistence.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(client *Client) { client.usage = r }
}

// NewClient creates a tiered client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call executes one completion against the endpoint of the requested tier,
// retrying transient failures. The usage row is recorded on success;
// recording failures are logged, never returned.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if req.ForceTier == "" {
		return nil, NewFatalError(fmt.Errorf("model tier is required"))
	}
	if req.UserMessage == "" {
		return nil, NewFatalError(fmt.Errorf("user message is required"))
	}
	ep, ok := c.cfg.Endpoints[req.ForceTier]
	if !ok {
		return nil, NewFatalError(fmt.Errorf("no endpoint configured for tier %s", req.ForceTier))
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			resp.Tier = req.ForceTier
			c.recordUsage(ctx, req, resp)
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}
		if attempt < c.cfg.Retry.MaxAttempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("LLM request failed, retrying",
				"tier", req.ForceTier,
				"attempt", attempt,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("llm call exhausted retries for tier %s: %w", req.ForceTier, lastErr)
}

// recordUsage persists one usage row with the caller id sanitized. Failures
// are logged and swallowed; accounting never breaks the call path.
func (c *Client) recordUsage(ctx context.Context, req Request, resp *Response) {
	if c.usage == nil {
		return
	}
	row := &models.LLMUsage{
		AgentID:          models.SanitizeAgentID(req.AgentID),
		MissionStepID:    req.MissionStepID,
		Model:            resp.Model,
		Tier:             resp.Tier,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if err := c.usage.RecordUsage(ctx, row); err != nil {
		c.logger.Warn("Failed to record LLM usage",
			"tier", resp.Tier,
			"model", resp.Model,
			"error", err)
	}
}

// backoff computes exponential backoff with +/-25% jitter to avoid
// synchronized retries across replicas.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.cfg.Retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.cfg.Retry.BackoffBase) * multiplier)
	if backoff > c.cfg.Retry.MaxBackoff {
		backoff = c.cfg.Retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes one HTTP round trip in the endpoint's wire format.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	p, err := providerFor(ep.Provider)
	if err != nil {
		return nil, NewFatalError(err)
	}

	body, err := p.buildBody(ep, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(ep), bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq, ep)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return p.parseResponse(respBody, ep.Model)
}

// classifyHTTPError splits HTTP failures into transient and fatal.
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
		// 4xx (auth, bad request, unknown) cannot be fixed by retrying
		return NewFatalError(err)
	}
}
