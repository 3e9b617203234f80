package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RemoteEmbedder generates embeddings via an Ollama-compatible HTTP API.
// The model is pinned: if the configured model is not installed on the
// server the constructor fails rather than substituting another one,
// because collections are bound to the model that embedded them.
type RemoteEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    RemoteConfig
	modelName string
	dims      int

	mu       sync.RWMutex
	closed   bool
	lastCall time.Time // Warm/cold timeout detection
}

// Verify interface implementation at compile time
var _ Embedder = (*RemoteEmbedder)(nil)

// NewRemoteEmbedder creates a new remote embedder
func NewRemoteEmbedder(ctx context.Context, cfg RemoteConfig) (*RemoteEmbedder, error) {
	// Apply defaults
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote embedder requires an endpoint")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultRemoteModel
	}
	cfg.BatchSize = clampBatchSize(cfg.BatchSize)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = RemoteConnectTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryTimeoutMultiplier < 1.0 {
		cfg.RetryTimeoutMultiplier = DefaultRetryTimeoutMultiplier
	}
	if cfg.RetryTimeoutMultiplier > MaxRetryTimeoutMultiplier {
		cfg.RetryTimeoutMultiplier = MaxRetryTimeoutMultiplier
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = RemotePoolSize
	}

	// Short idle timeout so connections are cleaned up quickly on shutdown.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: it would override the per-request context
	// timeouts that implement warm/cold and retry scaling.
	e := &RemoteEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	// Health check and dimension discovery. Cold model loads can take
	// tens of seconds, so use the cold timeout rather than ConnectTimeout.
	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, DefaultColdTimeout)
		defer cancel()

		if err := e.verifyModel(checkCtx); err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("failed to connect to embedding server: %w", err)
		}

		if cfg.Dimensions == 0 {
			dims, err := e.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				return nil, fmt.Errorf("failed to detect embedding dimensions: %w", err)
			}
			e.dims = dims
		}
	}

	return e, nil
}

// listModels gets available models from the server
func (e *RemoteEmbedder) listModels(ctx context.Context) ([]RemoteModelInfo, error) {
	url := e.config.Endpoint + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to embedding server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result RemoteModelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Models, nil
}

// verifyModel confirms the configured model is installed on the server,
// matching either the full name (with tag) or the base name.
func (e *RemoteEmbedder) verifyModel(ctx context.Context) error {
	models, err := e.listModels(ctx)
	if err != nil {
		return err
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			e.modelName = m.Name
			return nil
		}
	}

	return fmt.Errorf("model %s is not installed on %s", e.config.Model, e.config.Endpoint)
}

// detectDimensions auto-detects embedding dimensions from a test embedding
func (e *RemoteEmbedder) detectDimensions(ctx context.Context) (int, error) {
	embeddings, err := e.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return 0, fmt.Errorf("empty embedding returned")
	}
	return len(embeddings[0]), nil
}

// Embed generates embedding for a single text
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	embeddings, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order.
// Empty or whitespace-only texts become zero vectors without an API call.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	if len(nonEmpty) == 0 {
		return results, nil
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + e.config.BatchSize
		if end > len(nonEmpty) {
			end = len(nonEmpty)
		}

		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		embeddings, err := e.embedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch: %w", err)
		}

		for i, emb := range embeddings {
			results[batch[i].idx] = emb
		}
	}

	return results, nil
}

// baseTimeout returns the appropriate timeout based on cold/warm state.
// The first call, or a call after the server has likely unloaded the
// model, gets the longer cold timeout.
func (e *RemoteEmbedder) baseTimeout() time.Duration {
	e.mu.RLock()
	lastCall := e.lastCall
	e.mu.RUnlock()

	if lastCall.IsZero() || time.Since(lastCall) > ModelUnloadThreshold {
		return DefaultColdTimeout
	}
	return DefaultWarmTimeout
}

// attemptTimeout scales the base timeout per retry attempt so a request
// that timed out warm gets progressively more headroom.
func (e *RemoteEmbedder) attemptTimeout(attempt int) time.Duration {
	timeout := e.baseTimeout()
	if e.config.RetryTimeoutMultiplier > 1.0 && attempt > 0 {
		factor := math.Pow(e.config.RetryTimeoutMultiplier, float64(attempt))
		if factor > MaxRetryTimeoutMultiplier {
			factor = MaxRetryTimeoutMultiplier
		}
		timeout = time.Duration(float64(timeout) * factor)
	}
	return timeout
}

// updateLastCall records the time of a successful embedding call
func (e *RemoteEmbedder) updateLastCall() {
	e.mu.Lock()
	e.lastCall = time.Now()
	e.mu.Unlock()
}

// embedWithRetry performs one logical embedding request with per-batch
// retry and a progressively scaled timeout per attempt.
func (e *RemoteEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = e.config.MaxRetries

	var embeddings [][]float32
	err := withRetry(ctx, retryCfg, func(attempt int) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout(attempt))
		defer cancel()

		result, err := e.doEmbed(timeoutCtx, texts)
		if err != nil {
			return err
		}
		embeddings = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.updateLastCall()
	return embeddings, nil
}

// doEmbed performs a single batch embedding request
func (e *RemoteEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := e.config.Endpoint + "/api/embed"

	// Array input for batch, single string for single text
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(RemoteEmbedRequest{
		Model: e.modelName,
		Input: input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result RemoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if e.dims > 0 && len(emb) != e.dims {
			return nil, fmt.Errorf("model %s returned %d dimensions, want %d", e.modelName, len(emb), e.dims)
		}
		vector := make([]float32, len(emb))
		for j, v := range emb {
			vector[j] = float32(v)
		}
		embeddings[i] = normalizeVector(vector)
	}

	return embeddings, nil
}

// Dimensions returns the embedding dimension
func (e *RemoteEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier
func (e *RemoteEmbedder) ModelName() string {
	return e.modelName
}

// Available checks if the server is reachable and the model is installed
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, e.config.ConnectTimeout)
	defer cancel()

	models, err := e.listModels(checkCtx)
	if err != nil {
		return false
	}

	want := strings.ToLower(e.modelName)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

// Close releases resources
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}
