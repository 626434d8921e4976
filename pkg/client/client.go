package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the status server answers 404, for example
// when resource sampling is disabled.
var ErrNotFound = errors.New("not found")

// Client talks to the CodePilot status server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7190/api",
		Timeout: 60 * time.Second,
	}
}

// New creates a new status API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the status server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Status server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status returns the current supervisor snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Diagnostics returns up to n recent backend output lines. n <= 0 uses the
// server default.
func (c *Client) Diagnostics(ctx context.Context, n int) ([]string, error) {
	path := "/diagnostics"
	if n > 0 {
		path += "?" + url.Values{"lines": {strconv.Itoa(n)}}.Encode()
	}
	var out diagnosticsResponse
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// Resources returns the latest resource sample.
func (c *Client) Resources(ctx context.Context) (Resources, error) {
	var r Resources
	err := c.do(ctx, http.MethodGet, "/resources", &r)
	return r, err
}

// Restart stops the backend and starts it again, returning the new snapshot.
func (c *Client) Restart(ctx context.Context) (Status, error) {
	c.logger.Debug("Restarting backend")
	var st Status
	err := c.do(ctx, http.MethodPost, "/restart", &st)
	return st, err
}

// Stop stops the backend.
func (c *Client) Stop(ctx context.Context) (StopResult, error) {
	c.logger.Debug("Stopping backend")
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/stop", &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)

	var errorResp ErrorResponse
	if err := json.Unmarshal(buf.Bytes(), &errorResp); err != nil || errorResp.Error == "" {
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
