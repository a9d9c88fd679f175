// Package remote talks to a plugin host over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/protocol"
)

const defaultTimeout = 30 * time.Second

// Client implements host.Host and host.Scheduler against a remote host.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client. A zero timeout uses 30 seconds.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Schedule runs fn on its own goroutine. The remote host serializes
// plugin operations on its side.
func (c *Client) Schedule(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (c *Client) Plugins(ctx context.Context) ([]host.Plugin, error) {
	var resp protocol.PluginsResponse
	if err := c.do(ctx, http.MethodGet, "/plugins", nil, &resp); err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return resp.Plugins, nil
}

func (c *Client) PluginDirectories(ctx context.Context) ([]string, error) {
	var resp protocol.DirectoriesResponse
	if err := c.do(ctx, http.MethodGet, "/directories", nil, &resp); err != nil {
		return nil, fmt.Errorf("list plugin directories: %w", err)
	}
	return resp.Directories, nil
}

func (c *Client) PluginFileChanged(ctx context.Context, id string) (bool, error) {
	var resp protocol.ChangedResponse
	path := "/plugins/" + url.PathEscape(id) + "/changed"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return false, fmt.Errorf("%w: %s", host.ErrUnknownPlugin, id)
		}
		return false, fmt.Errorf("query plugin %s: %w", id, err)
	}
	return resp.Changed, nil
}

func (c *Client) ApplyChanges(ctx context.Context, req host.ChangeRequest) error {
	if err := c.do(ctx, http.MethodPost, "/apply", req, nil); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	return nil
}

// StatusError is a non-2xx response from the host.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host returned %d", e.Code)
	}
	return fmt.Sprintf("host returned %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		var er protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			se.Message = er.Error
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
