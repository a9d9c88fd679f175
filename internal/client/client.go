// Package client talks to the reloader's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/autoreload/internal/protocol"
	"github.com/fruitsalade/autoreload/internal/retry"
)

// Client is a control API client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	authToken   string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
	}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the reloader status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var st protocol.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Enable turns automatic reloading on.
func (c *Client) Enable(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.update(ctx, http.MethodPost, "/api/v1/enable", nil)
}

// Disable turns automatic reloading off.
func (c *Client) Disable(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.update(ctx, http.MethodPost, "/api/v1/disable", nil)
}

// SetInterval changes the detection interval.
func (c *Client) SetInterval(ctx context.Context, seconds float64) (*protocol.StatusResponse, error) {
	return c.update(ctx, http.MethodPut, "/api/v1/interval", protocol.IntervalRequest{IntervalSec: seconds})
}

// SetBlacklist replaces the list of excluded plugin file names.
func (c *Client) SetBlacklist(ctx context.Context, names []string) (*protocol.StatusResponse, error) {
	if names == nil {
		names = []string{}
	}
	return c.update(ctx, http.MethodPut, "/api/v1/blacklist", protocol.BlacklistRequest{Blacklist: names})
}

// History returns up to limit recent reloads, newest first. limit <= 0
// uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.HistoryEntry, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp protocol.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) update(ctx context.Context, method, path string, body any) (*protocol.StatusResponse, error) {
	var st protocol.StatusResponse
	if err := c.do(ctx, method, path, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// do sends a request, retrying connection errors and 5xx answers. 4xx
// answers are returned as *APIError right away.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			apiErr := decodeError(resp)
			if resp.StatusCode >= 500 {
				return retry.Retryable(apiErr)
			}
			return apiErr
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var er protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		apiErr.Message = er.Error
	}
	return apiErr
}

// IsStatus reports whether err is an *APIError with the given code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
