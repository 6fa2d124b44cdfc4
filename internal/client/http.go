package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Timestamp string `json:"timestamp"`
}

// HTTPClient reads the relay's REST surface.
type HTTPClient struct {
	resty *resty.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPClient{resty: r}
}

// Health fetches /health.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// State fetches /api/state, the same snapshot a welcome frame carries.
func (c *HTTPClient) State(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	if err := c.get(ctx, "/api/state", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// HTTPBase derives the REST base URL from a relay WebSocket URL.
func HTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path, u.RawPath, u.RawQuery, u.Fragment = "", "", "", ""
	return u.String()
}
