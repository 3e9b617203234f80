package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Query asks a question and waits for the complete answer.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	var res QueryResult
	if err := c.postJSON(ctx, "/query", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueryBatch runs several questions in one request and returns their
// outcomes in request order. A failed question becomes an error item
// without affecting its neighbors.
func (c *Client) QueryBatch(ctx context.Context, reqs []QueryRequest) ([]BatchItem, error) {
	var items []BatchItem
	if err := c.postJSON(ctx, "/query/batch", reqs, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// streamFrame mirrors one server-sent event on the stream endpoint.
type streamFrame struct {
	Type     string       `json:"type"`
	Content  string       `json:"content,omitempty"`
	Metadata *QueryResult `json:"metadata,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// QueryStream asks a question and delivers the answer incrementally:
// onDelta is called with each generated fragment, and the returned
// result is the complete buffered answer. The client timeout does not
// apply; cancel ctx to abandon a stream.
//
// Failures before the first fragment return the service's typed error.
// Failures mid-generation arrive with only a message, so they return a
// plain error.
func (c *Client) QueryStream(ctx context.Context, req QueryRequest, onDelta func(string)) (*QueryResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := c.newRequest(ctx, http.MethodPost, "/query/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("POST /query/stream: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			frame, ok, perr := parseSSELine(line)
			if perr != nil {
				return nil, perr
			}
			if ok {
				switch frame.Type {
				case "content":
					if onDelta != nil {
						onDelta(frame.Content)
					}
				case "done":
					if frame.Metadata == nil {
						return nil, fmt.Errorf("stream finished without a result")
					}
					return frame.Metadata, nil
				case "error":
					return nil, fmt.Errorf("query stream failed: %s", frame.Error)
				}
			}
		}
		if err == io.EOF {
			return nil, fmt.Errorf("stream ended before the final event")
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}
}

// parseSSELine decodes one line of the event stream. Blank separator
// lines and comments report ok=false.
func parseSSELine(line string) (streamFrame, bool, error) {
	var frame streamFrame
	line = strings.TrimRight(line, "\r\n")
	data, found := strings.CutPrefix(line, "data: ")
	if !found || data == "" {
		return frame, false, nil
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return frame, false, fmt.Errorf("decode stream event: %w", err)
	}
	return frame, true, nil
}
