package comfyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Header names sent with every request
const (
	HeaderUser  = "Comfy-User"
	HeaderToken = "Dabi-token"
)

// StatusError is returned when the server answers with an unexpected status
type StatusError struct {
	Method     string
	Route      string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Route, e.StatusCode)
}

// Config holds REST client configuration
type Config struct {
	// BaseURL is scheme://host plus the optional path prefix
	BaseURL    string
	User       string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the compute server's REST endpoints
type Client struct {
	base   string
	user   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a new REST client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		user:   cfg.User,
		token:  cfg.Token,
		http:   httpClient,
		logger: logger,
	}, nil
}

// APIURL resolves a route under /api
func (c *Client) APIURL(route string) string {
	return c.base + "/api" + route
}

// InternalURL resolves a route under /internal
func (c *Client) InternalURL(route string) string {
	return c.base + "/internal" + route
}

// FileURL resolves a route directly under the base
func (c *Client) FileURL(route string) string {
	return c.base + route
}

// Fetch sends a request to an /api route with the standard headers
func (c *Client) Fetch(ctx context.Context, method, route string, body io.Reader, contentType string) (*http.Response, error) {
	return c.do(ctx, method, c.APIURL(route), body, contentType)
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(HeaderUser, c.user)
	req.Header.Set(HeaderToken, c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	c.logger.Debug("HTTP request",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	return resp, nil
}

// getJSON GETs an /api route and decodes a 200 response into out
func (c *Client) getJSON(ctx context.Context, route string, out any) error {
	resp, err := c.Fetch(ctx, http.MethodGet, route, nil, "")
	if err != nil {
		return err
	}
	return decodeResponse(resp, http.MethodGet, route, out)
}

// sendJSON sends in as JSON and decodes a 200 response into out (if non-nil)
func (c *Client) sendJSON(ctx context.Context, method, route string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.Fetch(ctx, method, route, body, "application/json")
	if err != nil {
		return err
	}
	return decodeResponse(resp, method, route, out)
}

func decodeResponse(resp *http.Response, method, route string, out any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: method, Route: route, StatusCode: resp.StatusCode, Body: data}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", route, err)
	}
	return nil
}
