package embed

import (
	"context"
	"errors"
	"math"
	"time"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 100

	// DefaultRequestTimeout bounds a single embedding API call
	DefaultRequestTimeout = 30 * time.Second

	// DefaultWarmTimeout is the timeout for requests when the remote model
	// is already loaded
	DefaultWarmTimeout = 30 * time.Second

	// DefaultColdTimeout is the timeout for the first request, when the
	// remote model may still need loading into memory
	DefaultColdTimeout = 120 * time.Second

	// ModelUnloadThreshold is the idle duration after which a remote model
	// is considered cold again. Ollama unloads models after ~5 minutes.
	ModelUnloadThreshold = 5 * time.Minute

	// DefaultMaxRetries is the number of attempts per batch before the
	// provider is reported unavailable
	DefaultMaxRetries = 3
)

// Static embedder constants
const (
	// StaticDimensions is the default dimension for the static embedder
	StaticDimensions = 256
)

// ErrProviderUnavailable reports that the embedding provider could not be
// reached after all retry attempts. Callers map it to an upstream error.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Embedder generates vector embeddings for text.
//
// Implementations preserve input order in EmbedBatch, return zero vectors
// for empty or whitespace-only inputs without calling upstream, and wrap
// exhausted retries in ErrProviderUnavailable.
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// clampBatchSize bounds a configured batch size to [MinBatchSize, MaxBatchSize],
// substituting the default for zero or negative values.
func clampBatchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
