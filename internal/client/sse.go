package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/logging"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// Watch streams reloader events until ctx is done, reconnecting with
// backoff when the connection drops. Both channels are closed on return.
func (c *Client) Watch(ctx context.Context) (<-chan events.Event, <-chan error) {
	out := make(chan events.Event, 100)
	errc := make(chan error, 1)
	go c.watchLoop(ctx, out, errc)
	return out, errc
}

func (c *Client) watchLoop(ctx context.Context, out chan<- events.Event, errc chan<- error) {
	defer close(out)
	defer close(errc)

	delay := reconnectMin
	for {
		err := c.stream(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusForbidden) {
			errc <- err
			return
		}

		logging.Warn("event stream interrupted",
			zap.Error(err), zap.Duration("reconnect_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMax)
	}
}

func (c *Client) stream(ctx context.Context, out chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	// The stream is long lived, so the request timeout does not apply.
	hc := &http.Client{Transport: c.httpClient.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				var ev events.Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					select {
					case out <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
			data = ""
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
