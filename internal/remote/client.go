// Package remote invokes the AI operation service that queued work replays
// against: color reconstruction, 3D-model generation, and info-card
// generation.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relicapp/relicd/internal/storage"
)

const defaultTimeout = 120 * time.Second

// operation type -> endpoint path. An unknown type is a configuration
// error, never retried; the processor handles that before calling Invoke.
var endpoints = map[string]string{
	storage.OpColorize:         "/v1/colorize",
	storage.OpReconstruct3D:    "/v1/reconstruct3d",
	storage.OpGenerateInfoCard: "/v1/info-card",
}

// Client posts operation payloads to the AI service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Invoke executes one remote operation and returns the result artifact
// bytes. Any transport error or non-2xx status is a failure; the caller
// decides whether to retry.
func (c *Client) Invoke(ctx context.Context, typ, payloadJSON string) ([]byte, error) {
	path, ok := endpoints[typ]
	if !ok {
		return nil, fmt.Errorf("no endpoint for operation type %q", typ)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", typ, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", typ, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d: %s", typ, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
