// Package model talks to an OpenAI-compatible chat completion endpoint and
// converts between conversation turns and the wire format.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/errand/pkg/logging"
)

// Client is the model endpoint the iteration loop calls once per iteration.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 2 * time.Minute
	maxRetryDelay   = 30 * time.Second
	errorBodyLimit  = 500
	userAgentHeader = "errand/1"
)

// RetryConfig configures retries of retryable endpoint failures.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Options configures an HTTPClient. Zero values select defaults.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond and Burst bound outgoing calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
	HTTPClient     *http.Client
	Logger         *logging.Logger
}

// HTTPClient is a Client for OpenAI-compatible /chat/completions endpoints.
type HTTPClient struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	retryConfig    RetryConfig
	logger         *logging.Logger
}

// DefaultTransport returns an http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates a client from opts.
func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	retryConfig := DefaultRetryConfig()
	if opts.Retry != nil {
		retryConfig = *opts.Retry
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if opts.CircuitBreaker != nil {
		cbConfig = *opts.CircuitBreaker
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout, Transport: DefaultTransport()}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPClient{
		apiKey:         opts.APIKey,
		baseURL:        baseURL,
		httpClient:     httpClient,
		rateLimiter:    limiter,
		circuitBreaker: NewCircuitBreaker(cbConfig, opts.Logger),
		retryConfig:    retryConfig,
		logger:         opts.Logger,
	}
}

// CircuitBreakerState returns the current state of the circuit breaker
func (c *HTTPClient) CircuitBreakerState() CircuitState {
	return c.circuitBreaker.State()
}

// ChatCompletion performs a non-streaming chat completion. Retryable failures
// (429, 5xx, network errors) are retried with backoff, honouring Retry-After.
// Failures are returned as MODEL_API_ERROR; context errors are returned as is.
func (c *HTTPClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, endpointError(fmt.Errorf("marshaling request: %w", err))
	}

	var result *ChatResponse
	err = c.circuitBreaker.Call(func() error {
		var lastErr error
		for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := c.retryDelay(attempt-1, lastErr)
				c.logger.Debug(logging.CategoryModel, "retry", "retrying model call", map[string]any{
					"attempt": attempt,
					"delay":   delay.String(),
					"error":   lastErr.Error(),
				})
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}

			resp, err := c.do(ctx, body)
			if err == nil {
				result = resp
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if !isRetryableError(err) {
				return err
			}
		}
		return fmt.Errorf("max retries (%d) exceeded: %w", c.retryConfig.MaxRetries, lastErr)
	}, countsAgainstBreaker)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, endpointError(err)
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (*ChatResponse, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return &chatResp, nil
}

// isRetryableError reports whether another attempt may succeed.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	// Network errors are generally retryable
	return true
}

func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.IsRateLimitError()
	}
	return true
}

// retryDelay uses Retry-After when the endpoint sent one, otherwise
// exponential backoff with jitter.
func (c *HTTPClient) retryDelay(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return apiErr.RetryAfter
	}

	delay := float64(c.retryConfig.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= c.retryConfig.Multiplier
	}
	if ceiling := float64(c.retryConfig.MaxInterval); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	// 75%-125% of the nominal delay
	jitter := rand.Float64() * delay * 0.5
	return time.Duration(delay*0.75 + jitter)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgentHeader)
}

// parseError parses an error response into an APIError.
func (c *HTTPClient) parseError(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		raw := strings.TrimSpace(string(body))
		if len(raw) > errorBodyLimit {
			raw = raw[:errorBodyLimit] + "..."
		}
		if raw != "" {
			apiErr.Message = fmt.Sprintf("%s (raw: %s)", resp.Status, raw)
		}
		return apiErr
	}

	apiErr.Message = errResp.Error.Message
	apiErr.Type = errResp.Error.Type
	apiErr.Code = errResp.Error.Code
	return apiErr
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
