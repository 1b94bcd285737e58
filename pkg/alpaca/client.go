package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	PaperTradingURL = "https://paper-api.alpaca.markets"
	LiveTradingURL  = "https://api.alpaca.markets"
	DataURL         = "https://data.alpaca.markets"
	StreamBaseURL   = "wss://stream.data.alpaca.markets/v2/"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) retryable() bool {
	return e.throttled() || e.StatusCode >= 500
}

// throttled responses were rejected before the request was processed.
func (e *APIError) throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the trading and market data REST APIs.
type Client struct {
	auth       Authenticator
	tradingURL string
	dataURL    string
	feed       string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	logger     *logrus.Logger
}

type Option func(*Client)

func WithTradingURL(u string) Option { return func(c *Client) { c.tradingURL = u } }

func WithDataURL(u string) Option { return func(c *Client) { c.dataURL = u } }

func WithFeed(feed string) Option { return func(c *Client) { c.feed = feed } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithRateLimit caps requests per minute across both APIs.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 5)
	}
}

func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

func NewClient(auth Authenticator, paper bool, logger *logrus.Logger, opts ...Option) *Client {
	tradingURL := LiveTradingURL
	if paper {
		tradingURL = PaperTradingURL
	}

	c := &Client{
		auth:       auth,
		tradingURL: tradingURL,
		dataURL:    DataURL,
		feed:       "iex",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(200.0/60), 5),
		maxRetries: 3,
		retryDelay: 2 * time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest sends one request with rate limiting and bounded retry on 429
// and 5xx responses. out may be nil.
func (c *Client) doRequest(ctx context.Context, method, baseURL, path string, query url.Values, body, out any) error {
	return c.request(ctx, (*APIError).retryable, method, baseURL, path, query, body, out)
}

func (c *Client) request(ctx context.Context, retry func(*APIError) bool, method, baseURL, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if err := c.auth.AddAuthHeaders(req); err != nil {
			return fmt.Errorf("failed to authenticate request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		lastErr = c.send(req, out)
		var apiErr *APIError
		if lastErr == nil || !errors.As(lastErr, &apiErr) || !retry(apiErr) {
			return lastErr
		}
		c.logger.WithError(lastErr).WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("Retrying request")
	}
	return lastErr
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
