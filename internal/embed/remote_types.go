package embed

import "time"

// Remote embedding API constants
const (
	// DefaultRemoteModel is the default model for Ollama-compatible servers
	DefaultRemoteModel = "nomic-embed-text"

	// RemoteConnectTimeout for the initial health check
	RemoteConnectTimeout = 5 * time.Second

	// RemotePoolSize for the HTTP connection pool
	RemotePoolSize = 4

	// DefaultRetryTimeoutMultiplier scales the request timeout on each retry
	DefaultRetryTimeoutMultiplier = 1.5

	// MaxRetryTimeoutMultiplier caps the retry timeout scaling
	MaxRetryTimeoutMultiplier = 2.0
)

// RemoteConfig configures the remote embedder
type RemoteConfig struct {
	// Endpoint is the base URL of an Ollama-compatible server
	// (e.g. http://localhost:11434)
	Endpoint string

	// Model is the embedding model to request (default: nomic-embed-text)
	Model string

	// Dimensions can be set to override auto-detection (0 = auto-detect)
	Dimensions int

	// BatchSize for batch embedding requests (default: 100)
	BatchSize int

	// ConnectTimeout for the initial health check (default: 5s)
	ConnectTimeout time.Duration

	// MaxRetries per batch before reporting the provider unavailable (default: 3)
	MaxRetries int

	// RetryTimeoutMultiplier scales the request timeout per retry attempt
	// (1.0 = no scaling). Capped at MaxRetryTimeoutMultiplier.
	RetryTimeoutMultiplier float64

	// PoolSize for the HTTP connection pool (default: 4)
	PoolSize int

	// SkipHealthCheck skips the initial availability check (for testing)
	SkipHealthCheck bool
}

// DefaultRemoteConfig returns sensible defaults
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Model:                  DefaultRemoteModel,
		Dimensions:             0, // Auto-detect
		BatchSize:              DefaultBatchSize,
		ConnectTimeout:         RemoteConnectTimeout,
		MaxRetries:             DefaultMaxRetries,
		RetryTimeoutMultiplier: DefaultRetryTimeoutMultiplier,
		PoolSize:               RemotePoolSize,
	}
}

// RemoteEmbedRequest is the /api/embed request
type RemoteEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string for batch
}

// RemoteEmbedResponse is the /api/embed response
type RemoteEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// RemoteModelListResponse is the /api/tags response
type RemoteModelListResponse struct {
	Models []RemoteModelInfo `json:"models"`
}

// RemoteModelInfo describes a model installed on the server
type RemoteModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}
