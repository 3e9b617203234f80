package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Health returns the service identity probe.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var res Health
	if err := c.getJSON(ctx, "/health", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ready reports whether the service can take traffic. When a
// dependency is down the error is the service's typed failure and the
// returned Readiness still carries the per-dependency checks, so
// operators see what failed.
func (c *Client) Ready(ctx context.Context) (*Readiness, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /health/ready: %w", err)
	}
	defer drainAndClose(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read readiness response: %w", err)
	}

	var res Readiness
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode readiness response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		res.Ready = true
		return &res, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(body, apiErr)
	return &res, apiErr
}

// Live reports process uptime.
func (c *Client) Live(ctx context.Context) (*Liveness, error) {
	var res Liveness
	if err := c.getJSON(ctx, "/health/live", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stats returns admission load, trace aggregates, and query analytics.
// Requires a key with the admin scope.
func (c *Client) Stats(ctx context.Context) (*ServiceStats, error) {
	var res ServiceStats
	if err := c.getJSON(ctx, "/admin/stats", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Traces lists recently retained request traces, oldest first. A
// non-positive limit uses the server default. Requires a key with the
// admin scope.
func (c *Client) Traces(ctx context.Context, limit int) (*TraceList, error) {
	path := "/admin/traces"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var res TraceList
	if err := c.getJSON(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Trace returns one retained trace by id. Requires a key with the
// admin scope.
func (c *Client) Trace(ctx context.Context, id string) (*TraceView, error) {
	if id == "" {
		return nil, errors.New("trace id is required")
	}
	var res TraceView
	if err := c.getJSON(ctx, "/admin/traces/"+escapePath(id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
