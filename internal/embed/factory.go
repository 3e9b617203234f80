package embed

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOpenAI uses the OpenAI Embeddings API (default)
	ProviderOpenAI ProviderType = "openai"

	// ProviderRemote uses an Ollama-compatible HTTP server
	ProviderRemote ProviderType = "remote"

	// ProviderStatic uses hash-based embeddings (tests, offline operation)
	ProviderStatic ProviderType = "static"
)

// Config selects and configures an embedding backend. The server maps
// its embedding configuration section onto this struct so the package
// does not depend on the config loader.
type Config struct {
	// Provider selects the backend: openai (default), remote, or static.
	Provider string

	// Model is the embedding model identifier.
	Model string

	// Dimension is the expected vector width (0 lets the backend decide).
	Dimension int

	// BatchSize is the number of texts per upstream request.
	BatchSize int

	// APIKey authenticates the openai provider.
	APIKey string

	// Endpoint is the remote provider's base URL, or a custom base URL
	// for OpenAI-compatible servers.
	Endpoint string

	// RequestTimeout bounds a single upstream call.
	RequestTimeout time.Duration

	// CacheSize is the query embedding LRU capacity (0 uses the default).
	CacheSize int

	// DisableCache turns off the query embedding LRU.
	DisableCache bool
}

// NewEmbedder creates an embedder for the configured provider and wraps
// it with the query embedding cache unless disabled.
func NewEmbedder(ctx context.Context, cfg Config) (Embedder, error) {
	var embedder Embedder
	var err error

	switch ParseProvider(cfg.Provider) {
	case ProviderOpenAI:
		openaiCfg := DefaultOpenAIConfig()
		openaiCfg.APIKey = cfg.APIKey
		openaiCfg.BaseURL = cfg.Endpoint
		if cfg.Model != "" {
			openaiCfg.Model = cfg.Model
		}
		if cfg.Dimension > 0 {
			openaiCfg.Dimensions = cfg.Dimension
		}
		if cfg.BatchSize > 0 {
			openaiCfg.BatchSize = cfg.BatchSize
		}
		if cfg.RequestTimeout > 0 {
			openaiCfg.RequestTimeout = cfg.RequestTimeout
		}
		embedder, err = NewOpenAIEmbedder(openaiCfg)

	case ProviderRemote:
		remoteCfg := DefaultRemoteConfig()
		remoteCfg.Endpoint = cfg.Endpoint
		if cfg.Model != "" {
			remoteCfg.Model = cfg.Model
		}
		if cfg.Dimension > 0 {
			remoteCfg.Dimensions = cfg.Dimension
		}
		if cfg.BatchSize > 0 {
			remoteCfg.BatchSize = cfg.BatchSize
		}
		embedder, err = NewRemoteEmbedder(ctx, remoteCfg)

	case ProviderStatic:
		embedder, err = NewStaticEmbedderWithDimensions(cfg.Dimension), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: %s)",
			cfg.Provider, strings.Join(ValidProviders(), ", "))
	}

	if err != nil {
		return nil, err
	}

	if !cfg.DisableCache {
		embedder = NewCachedEmbedder(embedder, cfg.CacheSize)
	}

	return embedder, nil
}

// ParseProvider converts a string to ProviderType. Empty defaults to
// openai; unrecognized values map to an invalid provider so the factory
// can reject them.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return ProviderOpenAI
	case "remote", "ollama":
		// "ollama" accepted as an alias for the wire protocol it speaks
		return ProviderRemote
	case "static":
		return ProviderStatic
	default:
		return ProviderType(strings.ToLower(s))
	}
}

// String returns the string representation of ProviderType
func (p ProviderType) String() string {
	return string(p)
}

// ValidProviders returns all valid provider names
func ValidProviders() []string {
	return []string{
		string(ProviderOpenAI),
		string(ProviderRemote),
		string(ProviderStatic),
	}
}

// IsValidProvider checks if a provider name is valid
func IsValidProvider(s string) bool {
	switch ParseProvider(s) {
	case ProviderOpenAI, ProviderRemote, ProviderStatic:
		return true
	default:
		return false
	}
}

// EmbedderInfo contains information about an embedder
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo returns information about an embedder
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}

	// Unwrap cached embedder to get the underlying type
	inner := embedder
	if cached, ok := embedder.(*CachedEmbedder); ok {
		inner = cached.inner
	}

	switch inner.(type) {
	case *OpenAIEmbedder:
		info.Provider = ProviderOpenAI
	case *RemoteEmbedder:
		info.Provider = ProviderRemote
	default:
		info.Provider = ProviderStatic
	}

	return info
}
