package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaslink"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 * 1024

// RateLimitConfig defines the outbound request rate towards one node
type RateLimitConfig struct {
	// RequestsPerSecond defines how many requests may start per second
	RequestsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 requests per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Config configures a Client.
type Config struct {
	// BaseURL is the node origin, such as http://localhost:2333.
	BaseURL    string
	Password   string
	HTTPClient *http.Client
	RateLimit  *RateLimitConfig
	Logger     *zap.Logger
}

// Client is the HTTP control-plane client of one node.
type Client struct {
	base     *url.URL
	password string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	calls    atomic.Int64
}

// New creates a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:     base,
		password: cfg.Password,
		http:     httpClient,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Calls returns the number of requests attempted, whatever their outcome.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Do sends a request to path with optional query params and JSON body, and
// decodes a JSON response into out when out is non-nil. Failures are
// returned as *kephaslink.RPCError and never retried.
func (c *Client) Do(ctx context.Context, method string, path string, params url.Values, body any, out any) error {
	data, err := c.do(ctx, method, path, params, body)
	if err != nil || out == nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &kephaslink.RPCError{
			Method: method,
			Path:   path,
			Status: http.StatusOK,
			Err:    fmt.Errorf("%s: %w", kephaslink.ErrInvalidPayload, err),
		}
	}
	return nil
}

// Text sends a GET request and returns the response body as a string.
func (c *Client) Text(ctx context.Context, path string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Client) do(ctx context.Context, method string, path string, params url.Values, body any) ([]byte, error) {
	c.calls.Add(1)

	rpcErr := func(status int, err error) *kephaslink.RPCError {
		return &kephaslink.RPCError{Method: method, Path: path, Status: status, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, rpcErr(0, err)
		}
	}

	u := c.base.JoinPath(path)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, rpcErr(0, fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, rpcErr(0, err)
	}
	if c.password != "" {
		req.Header.Set(kephaslink.HeaderAuthorization, c.password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rpcErr(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &kephaslink.RPCError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcErr(resp.StatusCode, err)
	}
	return data, nil
}

// errorMessage extracts the message of a node error response, falling back
// to the raw body.
func errorMessage(data []byte) string {
	var v struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &v); err == nil {
		switch {
		case v.Message != "":
			return v.Message
		case v.Error != "":
			return v.Error
		}
	}
	return strings.TrimSpace(string(data))
}
