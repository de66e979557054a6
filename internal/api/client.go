package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/lamim/alignforge/internal/config"
	"github.com/lamim/alignforge/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 300 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Operation labels used for logging and metrics
const (
	OpChatCompletion = "chat_completion"
	OpReward         = "reward"
)

// Client handles HTTP requests to OpenAI-compatible API endpoints.
// One client is shared across all inference and reward workers; per-model
// and per-provider rate limits are enforced internally.
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	collector       *metrics.Collector
	maxRetries      int
	baseRetryDelay  time.Duration
}

// NewClient creates a new API client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger,
		maxRetries:      DefaultMaxRetries,
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// SetMetrics attaches a metrics collector. Safe to leave unset; the client
// then records nothing.
func (c *Client) SetMetrics(collector *metrics.Collector) {
	c.collector = collector
}

// SetProviderRateLimits installs provider-wide request budgets on top of the
// per-model limiters. Keys are provider names as returned by
// config.GetProviderName.
func (c *Client) SetProviderRateLimits(limits map[string]int, burstPercent int) {
	c.rateLimiterPool.SetProviderLimits(limits, burstPercent)
}

// ChatCompletion samples n completions for the given messages from a
// decoder-only model. A non-nil seed is forwarded to the inference service
// for reproducible sampling.
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	n int,
	seed *int64,
) (*ChatCompletionResponse, error) {
	if n < 1 {
		n = 1
	}

	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           n,
		Seed:        seed,
	}

	var resp ChatCompletionResponse
	if err := c.do(ctx, modelCfg, apiKey, OpChatCompletion, "chat/completions", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

// Score sends a batch of texts to a reward model's pooling endpoint and
// returns one scalar reward per input, indexed by input position.
func (c *Client) Score(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	inputs []string,
) (*RewardResponse, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs to score")
	}

	req := RewardRequest{
		Model: modelCfg.ModelName,
		Input: inputs,
	}

	var resp RewardResponse
	if err := c.do(ctx, modelCfg, apiKey, OpReward, "pooling", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// do runs one logical API call with rate limiting and retries. The request
// body is POSTed as JSON to baseURL/path and the response decoded into out.
func (c *Client) do(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	operation string,
	path string,
	reqBody any,
	out any,
) error {
	// Rate limit per model endpoint, then per provider
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)

	waitStart := time.Now()
	if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if err := c.rateLimiterPool.WaitProvider(ctx, config.GetProviderName(modelCfg.BaseURL)); err != nil {
		return fmt.Errorf("provider rate limiter wait failed: %w", err)
	}
	if c.collector != nil {
		c.collector.RecordRateLimiterWait(modelCfg.ModelName, time.Since(waitStart))
	}

	maxRetries := c.maxRetries
	if modelCfg.MaxRetries != 0 {
		maxRetries = modelCfg.MaxRetries
	}
	maxBackoff := time.Duration(modelCfg.MaxBackoffSeconds) * time.Second

	// Retry with exponential backoff; maxRetries < 0 retries until the
	// context is cancelled.
	var lastErr error
	for attempt := 0; maxRetries < 0 || attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff(attempt, maxBackoff, lastErr)

			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
			sleepDuration := backoff + jitter

			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"backoff", sleepDuration,
				"model", modelCfg.ModelName,
				"operation", operation,
				"is_rate_limit", lastErr != nil && c.isRateLimitError(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		start := time.Now()
		err := c.doRequest(ctx, modelCfg, apiKey, path, reqBody, out)
		if c.collector != nil {
			c.collector.RecordAPIRequest(modelCfg.ModelName, operation, time.Since(start), err == nil)
		}
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryBackoff computes the delay before a retry attempt. Rate limit errors
// back off steeper (3^n: 6s, 18s, 54s), and a Retry-After carried on the
// error overrides the computed delay.
func (c *Client) retryBackoff(attempt int, maxBackoff time.Duration, lastErr error) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

	if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
		if apiErr.RetryAfter > 0 {
			backoff = apiErr.RetryAfter
		}
	}
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// parseRetryAfter handles both forms of the header: delay seconds and an
// HTTP date. Anything unparseable or in the past yields zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) doRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	path string,
	reqBody any,
	out any,
) error {
	// Marshal request body through the shared buffer pool
	buf := getBuffer()
	defer putBuffer(buf)
	if err := json.NewEncoder(buf).Encode(reqBody); err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := modelCfg.BaseURL
	if endpoint[len(endpoint)-1] != '/' {
		endpoint += "/"
	}
	endpoint += path

	// Per-model attempt timeout on top of the client-wide ceiling
	if timeout := time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		c.logger.Debug("API request without key", "endpoint", endpoint)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{
			Message:    fmt.Sprintf("request failed: %v", err),
			StatusCode: 0,
			Retryable:  true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		isRetryable := c.isStatusCodeRetryable(httpResp.StatusCode)
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  isRetryable,
				RetryAfter: retryAfter,
			}
		}

		return &APIError{
			Message:    fmt.Sprintf("API request failed with status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  isRetryable,
			RetryAfter: retryAfter,
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

func (c *Client) isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func (c *Client) isRateLimitError(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func (c *Client) isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
	RetryAfter time.Duration // from the Retry-After header, zero if absent
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
