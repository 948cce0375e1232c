// Package source fetches raw feed bytes and normalizes them into items.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult is the outcome of a conditional GET. Status 304 means the
// remote content is unchanged and Body is nil.
type FetchResult struct {
	Status       int
	ETag         string
	LastModified string
	Body         []byte
}

// Client downloads feed bodies with conditional-GET caching.
type Client struct {
	client  HTTPClient
	timeout time.Duration
}

// NewClient creates a Client with the given HTTP client.
func NewClient(client HTTPClient) *Client {
	return &Client{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// FetchConditional downloads url, sending If-None-Match / If-Modified-Since
// when etag or lastModified are known. Non-2xx statuses are returned to the
// caller, not treated as errors; only transport failures error.
func (c *Client) FetchConditional(ctx context.Context, url, etag, lastModified string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "feednotify/1.0")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := &FetchResult{
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if resp.StatusCode == http.StatusNotModified {
		return res, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	res.Body = body
	return res, nil
}
