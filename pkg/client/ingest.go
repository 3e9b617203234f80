package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Ingest uploads documents into a collection, creating the collection
// on first use. Per-document failures are reported in the result's
// Errors field rather than failing the call.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.Collection == "" {
		return nil, errors.New("ingest requires a collection")
	}
	if len(req.Uploads) == 0 {
		return nil, errors.New("ingest requires at least one upload")
	}

	fields := map[string]string{"collection": req.Collection}
	addOptionalFields(fields, req.Version, req.ChunkSize, req.ChunkOverlap)

	var res IngestResult
	if err := c.postMultipart(ctx, "/ingest", fields, req.Uploads, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReindexSource atomically replaces everything indexed for one source
// with the uploaded document's chunks.
func (c *Client) ReindexSource(ctx context.Context, req ReindexRequest) (*ReindexResult, error) {
	if req.Collection == "" || req.Source == "" {
		return nil, errors.New("reindex requires a collection and a source")
	}
	if req.Upload.Reader == nil {
		return nil, errors.New("reindex requires the replacement document")
	}

	fields := map[string]string{
		"collection": req.Collection,
		"source":     req.Source,
	}
	addOptionalFields(fields, req.Version, req.ChunkSize, req.ChunkOverlap)

	var res ReindexResult
	if err := c.postMultipart(ctx, "/ingest/reindex_source", fields, []Upload{req.Upload}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteSource removes every chunk indexed for one source. Deleting a
// source that was never indexed reports zero deletions.
func (c *Client) DeleteSource(ctx context.Context, collection, source string) (*DeleteResult, error) {
	if collection == "" || source == "" {
		return nil, errors.New("delete requires a collection and a source")
	}
	path := "/collections/" + escapePath(collection) + "/sources/" + escapeSourcePath(source)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	var res DeleteResult
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CollectionInfo returns a collection's index state, per-source
// breakdown, and query statistics.
func (c *Client) CollectionInfo(ctx context.Context, collection string) (*Collection, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	var res Collection
	if err := c.getJSON(ctx, "/collections/"+escapePath(collection), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IngestAsync starts a server-side directory ingest and returns the
// job id to poll.
func (c *Client) IngestAsync(ctx context.Context, req AsyncIngestRequest) (string, error) {
	var res struct {
		JobID string `json:"job_id"`
	}
	if err := c.postJSON(ctx, "/ingest/async", req, &res); err != nil {
		return "", err
	}
	return res.JobID, nil
}

// Job returns the current snapshot of one background ingest job.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, errors.New("job id is required")
	}
	var res Job
	if err := c.getJSON(ctx, "/ingest/jobs/"+escapePath(id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Jobs lists recent background ingest jobs, newest first.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var res struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/ingest/jobs", &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// WaitForJob polls a job until it reaches a terminal state or ctx is
// cancelled. The poll interval defaults to one second when
// non-positive. onUpdate, when non-nil, receives every observed
// snapshot.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration, onUpdate func(*Job)) (*Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// postMultipart uploads form fields plus files under the "files" field
// and decodes the JSON response into out.
func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, uploads []Upload, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, val := range fields {
		if err := w.WriteField(key, val); err != nil {
			return fmt.Errorf("encode form field %s: %w", key, err)
		}
	}
	for _, up := range uploads {
		if up.Name == "" {
			return errors.New("upload requires a name")
		}
		if up.Reader == nil {
			return fmt.Errorf("upload %s has no content", up.Name)
		}
		part, err := w.CreateFormFile("files", up.Name)
		if err != nil {
			return fmt.Errorf("encode upload %s: %w", up.Name, err)
		}
		if _, err := io.Copy(part, up.Reader); err != nil {
			return fmt.Errorf("read upload %s: %w", up.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.doJSON(req, out)
}

// addOptionalFields appends version and chunking overrides when set.
func addOptionalFields(fields map[string]string, version string, chunkSize, chunkOverlap int) {
	if version != "" {
		fields["version"] = version
	}
	if chunkSize > 0 {
		fields["chunk_size"] = strconv.Itoa(chunkSize)
	}
	if chunkOverlap > 0 {
		fields["chunk_overlap"] = strconv.Itoa(chunkOverlap)
	}
}
