// Package remote provides the HTTP API client used by remote-backed entities.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	rcerrors "github.com/arkilian/rowcache/internal/errors"
)

// Response is the outcome of one API request.
type Response struct {
	Status int
	Reason string
	Body   []byte
}

// Successful reports whether the status is 2xx.
func (r *Response) Successful() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the URL request paths are resolved against
	BaseURL string
	// Token is sent as a static bearer token
	Token string
	// Timeout bounds each request (default 30s)
	Timeout time.Duration
	// Debug logs request and response bodies
	Debug bool
	// HTTPClient replaces the default transport, mainly for tests
	HTTPClient *http.Client
}

// Client issues JSON requests against the configured API.
type Client struct {
	baseURL string
	token   string
	debug   bool
	http    *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		debug:   cfg.Debug,
		http:    hc,
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request with an optional JSON body.
func (c *Client) Delete(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, body)
}

// Do sends a request and returns the response whatever its status.
// Only transport failures return an error, shaped as a remote error.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, rcerrors.NewTransportError(err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, rcerrors.NewTransportError(fmt.Errorf("encode request body: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, rcerrors.NewTransportError(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rcerrors.NewTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rcerrors.NewTransportError(fmt.Errorf("read response body: %w", err))
	}

	return &Response{
		Status: resp.StatusCode,
		Reason: reasonPhrase(resp),
		Body:   data,
	}, nil
}

// Request sends a request and fails on any non-2xx status with a remote
// fetch error carrying the status and reason. Failures are not retried.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	if c.debug {
		log.Printf("remote: API request %s %s", method, path)
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		log.Printf("remote: %s %s failed: %v", method, path, err)
		return nil, err
	}

	if !resp.Successful() {
		log.Printf("remote: %s %s returned %d %s", method, path, resp.Status, resp.Reason)
		return nil, rcerrors.NewRemoteFetchError(resp.Status, resp.Reason)
	}

	if c.debug {
		log.Printf("remote: API response %s %s status=%d body=%s", method, path, resp.Status, resp.Body)
	}
	return resp, nil
}

func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("no base URL configured for relative path %q", path)
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/"), nil
}

func reasonPhrase(resp *http.Response) string {
	// resp.Status is "404 Not Found"; keep the phrase the server sent.
	if _, phrase, ok := strings.Cut(resp.Status, " "); ok && phrase != "" {
		return phrase
	}
	return http.StatusText(resp.StatusCode)
}
