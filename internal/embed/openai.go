package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// OpenAI backend constants
const (
	// DefaultOpenAIModel is the default embedding model
	DefaultOpenAIModel = "text-embedding-3-large"

	// DefaultOpenAIDimensions is the native width of text-embedding-3-large
	DefaultOpenAIDimensions = 3072
)

// OpenAIConfig configures the OpenAI embedder
type OpenAIConfig struct {
	// APIKey authenticates against the API. Empty falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible servers
	// (empty uses the official endpoint)
	BaseURL string

	// Model is the embedding model to use (default: text-embedding-3-large)
	Model string

	// Dimensions is the expected embedding width (default: 3072)
	Dimensions int

	// BatchSize for batch embedding requests (default: 100)
	BatchSize int

	// RequestTimeout bounds a single API call (default: 30s)
	RequestTimeout time.Duration

	// MaxRetries per batch before reporting the provider unavailable (default: 3)
	MaxRetries int
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:          DefaultOpenAIModel,
		Dimensions:     DefaultOpenAIDimensions,
		BatchSize:      DefaultBatchSize,
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
	}
}

// OpenAIEmbedder generates embeddings via the OpenAI Embeddings API.
// It also works against OpenAI-compatible servers through BaseURL.
type OpenAIEmbedder struct {
	client openaisdk.Client
	config OpenAIConfig
	model  openaisdk.EmbeddingModel
	dims   int

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a new OpenAI embedder
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	// Apply defaults
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultOpenAIDimensions
	}
	cfg.BatchSize = clampBatchSize(cfg.BatchSize)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required (set embedding.api_key or OPENAI_API_KEY)")
	}

	// SDK retries are disabled; the retry policy lives in embedWithRetry
	// so attempts and timeouts stay predictable.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client: openaisdk.NewClient(opts...),
		config: cfg,
		model:  openaisdk.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}, nil
}

// Embed generates embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
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
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// embedWithRetry performs one logical embedding request with per-batch
// retry and a fresh timeout per attempt.
func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = e.config.MaxRetries

	var embeddings [][]float32
	err := withRetry(ctx, retryCfg, func(_ int) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
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
	return embeddings, nil
}

// doEmbed performs a single Embeddings API request
func (e *OpenAIEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openaisdk.EmbeddingNewParams{
		Model: e.model,
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	// Only text-embedding-3 models accept a dimensions override.
	if strings.HasPrefix(string(e.model), "text-embedding-3") {
		params.Dimensions = param.NewOpt(int64(e.dims))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, emb := range resp.Data {
		if len(emb.Embedding) != e.dims {
			return nil, fmt.Errorf("model %s returned %d dimensions, want %d", e.model, len(emb.Embedding), e.dims)
		}
		// The API returns unit-normalized float64 vectors.
		vector := make([]float32, len(emb.Embedding))
		for j, v := range emb.Embedding {
			vector[j] = float32(v)
		}
		embeddings[i] = vector
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier
func (e *OpenAIEmbedder) ModelName() string {
	return string(e.model)
}

// Available reports local readiness. It checks the closed flag and key
// presence without spending an API call; preflight probes the API itself.
func (e *OpenAIEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.config.APIKey != ""
}

// Close releases resources
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
