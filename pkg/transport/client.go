// Package transport is the outbound HTTP client shared by collaborators that call remote APIs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client sends JSON requests, retrying transport errors and 5xx responses with backoff.
// 4xx responses are returned to the caller without retrying.
type Client struct {
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *zap.Logger
}

// NewClient creates a new transport client
func NewClient(httpClient *http.Client, retryConfig RetryConfig, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if retryConfig.MaxAttempts < 1 {
		retryConfig.MaxAttempts = 1
	}
	return &Client{
		httpClient:  httpClient,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// buildRequestURL constructs a full URL for an endpoint
func buildRequestURL(baseUrl, path string) string {
	return fmt.Sprintf("%s%s", baseUrl, path)
}

// PostJSON marshals payload and POSTs it to baseUrl+path.
func (c *Client) PostJSON(ctx context.Context, baseUrl, path string, headers map[string]string, payload interface{}) (*Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.Post(ctx, baseUrl, path, headers, data)
}

// Post sends an already encoded JSON body.
func (c *Client) Post(ctx context.Context, baseUrl, path string, headers map[string]string, data []byte) (*Response, error) {
	return c.send(ctx, http.MethodPost, buildRequestURL(baseUrl, path), headers, data)
}

// Get fetches baseUrl+path with the same retry policy as Post.
func (c *Client) Get(ctx context.Context, baseUrl, path string, headers map[string]string) (*Response, error) {
	return c.send(ctx, http.MethodGet, buildRequestURL(baseUrl, path), headers, nil)
}

func (c *Client) send(ctx context.Context, method, url string, headers map[string]string, data []byte) (*Response, error) {
	var lastErr error
	backoff := c.retryConfig.InitialBackoff
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.do(ctx, method, url, headers, data)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
		}

		c.logger.Sugar().Debugw("Request failed",
			"url", url,
			"attempt", attempt+1,
			"error", lastErr,
		)

		if attempt < c.retryConfig.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiple)
			if backoff > c.retryConfig.MaxBackoff {
				backoff = c.retryConfig.MaxBackoff
			}
		}
	}

	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", url, c.retryConfig.MaxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, data []byte) (*Response, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
