package client

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
)

// DefaultTimeout bounds non-streaming requests when the caller's
// context carries no deadline.
const DefaultTimeout = 30 * time.Second

// Config holds the connection settings for a Client.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8080".
	// Required.
	BaseURL string

	// APIKey is sent in the X-API-Key header when non-empty.
	APIKey string

	// Timeout bounds each non-streaming request. Zero means
	// DefaultTimeout. Streaming calls ignore it and run until the
	// stream ends or the caller's context is cancelled.
	Timeout time.Duration

	// HTTPClient optionally overrides the transport, e.g. for proxies
	// or test doubles. The client never sets HTTPClient.Timeout;
	// deadlines come from request contexts.
	HTTPClient *http.Client
}

// Client talks to a ragserve instance over HTTP.
//
// Construct with New; the zero value is not usable.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// New validates cfg and returns a ready Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client requires a base URL")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must use http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    hc,
	}, nil
}

// APIError is a structured error response from the service.
//
// StatusCode is zero for errors that did not arrive as an HTTP status:
// failed elements inside a batch response carry only their code.
type APIError struct {
	// StatusCode is the HTTP status the error arrived with.
	StatusCode int `json:"-"`
	// Code is the stable machine-readable code, e.g.
	// "ERR_601_COLLECTION_NOT_FOUND".
	Code string `json:"error"`
	// Detail is the human-readable message.
	Detail string `json:"detail,omitempty"`
	// Reason names the admission denial cause, e.g. "rpm_exceeded".
	Reason string `json:"reason,omitempty"`
	// RetryAfterSeconds suggests when a denied request may succeed.
	RetryAfterSeconds int `json:"retry_after,omitempty"`
	// Timestamp is the server-side time of the error, RFC 3339.
	Timestamp string `json:"timestamp,omitempty"`
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	case e.Code != "":
		return e.Code
	case e.Detail != "":
		return e.Detail
	default:
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
}

// IsNotFound reports whether err is an APIError for a missing
// collection, source, job, trace, or route.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is an APIError for a missing or
// wrong API key.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsRateLimited reports whether err is an admission denial the caller
// may retry later.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusServiceUnavailable)
}

// RetryAfter returns the server's suggested wait before retrying err,
// or zero when err carries no hint.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfterSeconds > 0 {
		return time.Duration(apiErr.RetryAfterSeconds) * time.Second
	}
	return 0
}

// newRequest builds a request against the service root with auth and
// content headers applied.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// getJSON issues a GET and decodes a 2xx body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

// postJSON issues a POST with a JSON body and decodes a 2xx response
// into out.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

// doJSON executes req, converting error statuses to *APIError and
// decoding success bodies into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// withTimeout applies the client timeout unless the caller already set
// a deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// decodeAPIError reads an error response body. Bodies that are not the
// service's error shape still produce an APIError with the status code
// so callers get one error type everywhere.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, apiErr)
	}
	return apiErr
}

// drainAndClose finishes the body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<18))
	_ = body.Close()
}

// escapePath escapes one path segment for use in a request URL.
func escapePath(segment string) string {
	return url.PathEscape(segment)
}

// escapeSourcePath escapes a source path while keeping its slashes, so
// nested sources like "guides/setup.md" address the right route.
func escapeSourcePath(source string) string {
	parts := strings.Split(source, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
