package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ragserve configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Lexical   LexicalConfig   `yaml:"lexical" json:"lexical"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Rerank    RerankConfig    `yaml:"rerank" json:"rerank"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Admission AdmissionConfig `yaml:"admission" json:"admission"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host is the listen address (default 0.0.0.0).
	Host string `yaml:"host" json:"host"`
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`
	// APIKey is the shared secret required in the X-API-Key header.
	// Empty disables authentication (local development only).
	APIKey string `yaml:"api_key" json:"api_key"`
	// MaxRequestSizeMB limits the request body size.
	MaxRequestSizeMB int `yaml:"max_request_size_mb" json:"max_request_size_mb"`
	// RequestDeadline is the total budget for a query request (e.g. "30s").
	// Stage timeouts are derived from the remaining budget.
	RequestDeadline string `yaml:"request_deadline" json:"request_deadline"`
	// MetricsPort serves Prometheus metrics when non-zero.
	MetricsPort int `yaml:"metrics_port" json:"metrics_port"`
	// LogLevel controls the slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// StorageConfig configures on-disk layout.
type StorageConfig struct {
	// DataDir is the root directory for collection state
	// (vector indexes, lexical indexes, manifests, dedup registries).
	// Defaults to ~/.ragserve/data.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider selects the embedder: openai (default), remote, or static.
	Provider string `yaml:"provider" json:"provider"`
	// Model is the embedding model identifier.
	Model string `yaml:"model" json:"model"`
	// Dimension is the embedding vector width. Must match the model.
	Dimension int `yaml:"dimension" json:"dimension"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// APIKey overrides OPENAI_API_KEY for the openai provider.
	APIKey string `yaml:"api_key" json:"api_key"`
	// Endpoint is the base URL for the remote provider
	// (also used as a custom base URL for openai-compatible servers).
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// RequestTimeout bounds a single embedding call (e.g. "30s").
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`
}

// VectorConfig configures the dense vector store.
type VectorConfig struct {
	// Backend selects the vector store: local (HNSW, default) or remote.
	Backend string `yaml:"backend" json:"backend"`
	// PersistPath overrides the on-disk location for local indexes.
	// Empty derives <data_dir>/collections/<name>/vector.
	PersistPath string `yaml:"persist_path" json:"persist_path"`
	// RemoteURL is the endpoint for the remote backend.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`
}

// LexicalConfig configures the lexical (keyword) index.
type LexicalConfig struct {
	// Backend selects the index: sqlite (FTS5, default) or bleve.
	Backend string `yaml:"backend" json:"backend"`
	// BackendURL is reserved for a remote lexical service. Local
	// backends ignore it.
	BackendURL string `yaml:"backend_url" json:"backend_url"`
}

// IngestConfig configures document ingestion.
type IngestConfig struct {
	// MaxFileSizeMB limits individual uploaded files.
	MaxFileSizeMB int `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	// AllowedFileTypes lists accepted extensions (content is still sniffed).
	AllowedFileTypes []string `yaml:"allowed_file_types" json:"allowed_file_types"`
	// ChunkSize is the target chunk length in tokens.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkOverlap is the token overlap carried between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
	// Workers bounds concurrent document processing per ingest request.
	Workers int `yaml:"workers" json:"workers"`
}

// RetrievalConfig configures search behavior.
type RetrievalConfig struct {
	// DefaultTopK is the result count when the request omits top_k.
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`
	// MaxQueryResults caps top_k regardless of the request.
	MaxQueryResults int `yaml:"max_query_results" json:"max_query_results"`
}

// RerankConfig configures the reranking stage.
type RerankConfig struct {
	// Kind selects the reranker: local_cross_encoder (default),
	// remote_service, or none.
	Kind string `yaml:"kind" json:"kind"`
	// Model is the reranker model identifier (remote_service).
	Model string `yaml:"model" json:"model"`
	// ServiceURL is the scoring endpoint for remote_service.
	ServiceURL string `yaml:"service_url" json:"service_url"`
	// RequestTimeout bounds a single scoring call (e.g. "10s").
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`
}

// LLMConfig configures answer generation.
type LLMConfig struct {
	// Endpoint is a custom base URL for an openai-compatible server.
	// Empty uses the default OpenAI endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Model is the chat model used for answers.
	Model string `yaml:"model" json:"model"`
	// APIKey overrides OPENAI_API_KEY for generation.
	APIKey string `yaml:"api_key" json:"api_key"`
	// MaxTokens caps the generated answer length.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// MaxContextTokens budgets the retrieved context included in the prompt.
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens"`
	// Temperature for generation. Low values keep answers grounded.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	// RequireCitations rejects answers without source markers.
	// Pointer so an explicit false survives merging; nil means default (true).
	RequireCitations *bool `yaml:"require_citations" json:"require_citations"`
	// ForbidUnverifiable rejects answers containing hedging language.
	// Pointer for the same reason; nil means default (true).
	ForbidUnverifiable *bool `yaml:"forbid_unverifiable" json:"forbid_unverifiable"`
	// MaxSources caps the number of contexts passed to the model.
	MaxSources int `yaml:"max_sources" json:"max_sources"`
	// MinConfidence below which the answer is flagged low-confidence.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
}

// CacheConfig configures the pipeline caches.
type CacheConfig struct {
	// Backend selects the store: memory (default) or redis.
	Backend string `yaml:"backend" json:"backend"`
	// BackendURL is the redis connection URL.
	BackendURL string `yaml:"backend_url" json:"backend_url"`
	// VectorTTL is the vector_hits family TTL (e.g. "2h").
	VectorTTL string `yaml:"vector_ttl" json:"vector_ttl"`
	// RerankTTL is the rerank_score family TTL (e.g. "30m").
	RerankTTL string `yaml:"rerank_ttl" json:"rerank_ttl"`
	// AnswerTTL is the answer family TTL (e.g. "10m").
	AnswerTTL string `yaml:"answer_ttl" json:"answer_ttl"`
	// MaxEntries bounds the memory backend per family.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// AdmissionConfig configures admission control.
type AdmissionConfig struct {
	// RPM is the default requests-per-minute quota per client.
	RPM int `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	// RPH is the default requests-per-hour quota per client.
	RPH int `yaml:"rate_limit_rph" json:"rate_limit_rph"`
	// Burst is the default 10-second burst quota per client.
	Burst int `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	// MaxConcurrent is the default in-flight cap per client.
	MaxConcurrent int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	// MaxQueueDepth rejects requests when the queue is this deep.
	MaxQueueDepth int `yaml:"max_queue_depth" json:"max_queue_depth"`
	// OverloadThreshold is the global in-flight ratio that sheds load.
	OverloadThreshold float64 `yaml:"overload_threshold" json:"overload_threshold"`
	// GlobalCapacity is the denominator for the overload ratio.
	GlobalCapacity int `yaml:"global_capacity" json:"global_capacity"`
	// DefaultScopes are granted to clients without an explicit quota entry.
	DefaultScopes []string `yaml:"default_scopes" json:"default_scopes"`
	// Clients lists per-client quota overrides.
	Clients []ClientQuota `yaml:"clients" json:"clients"`
}

// ClientQuota is a per-client admission quota.
type ClientQuota struct {
	// ID identifies the client (the API key presented by the caller).
	ID string `yaml:"id" json:"id"`
	// Scopes the client may use: query, ingest, admin.
	Scopes []string `yaml:"scopes" json:"scopes"`

	RPM           int `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	RPH           int `yaml:"rate_limit_rph" json:"rate_limit_rph"`
	Burst         int `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	MaxConcurrent int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			APIKey:           "",
			MaxRequestSizeMB: 10,
			RequestDeadline:  "30s",
			MetricsPort:      8001,
			LogLevel:         "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:       "openai",
			Model:          "text-embedding-3-large",
			Dimension:      3072,
			BatchSize:      100,
			APIKey:         "", // Empty falls back to OPENAI_API_KEY
			Endpoint:       "",
			RequestTimeout: "30s",
		},
		Vector: VectorConfig{
			Backend:     "local",
			PersistPath: "",
			RemoteURL:   "",
		},
		Lexical: LexicalConfig{
			Backend:    "sqlite",
			BackendURL: "",
		},
		Ingest: IngestConfig{
			MaxFileSizeMB:    100,
			AllowedFileTypes: []string{"pdf", "txt", "md", "markdown"},
			ChunkSize:        1000,
			ChunkOverlap:     200,
			Workers:          10,
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:     5,
			MaxQueryResults: 20,
		},
		Rerank: RerankConfig{
			Kind:           "local_cross_encoder",
			Model:          "cross-encoder/ms-marco-MiniLM-L-6-v2",
			ServiceURL:     "",
			RequestTimeout: "10s",
		},
		LLM: LLMConfig{
			Endpoint:           "",
			Model:              "gpt-3.5-turbo",
			APIKey:             "",
			MaxTokens:          4000,
			MaxContextTokens:   8000,
			Temperature:        0.1,
			RequireCitations:   nil, // default true, see CitationsRequired
			ForbidUnverifiable: nil, // default true, see UnverifiableForbidden
			MaxSources:         10,
			MinConfidence:      0.3,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			BackendURL: "redis://localhost:6379/0",
			VectorTTL:  "2h",
			RerankTTL:  "30m",
			AnswerTTL:  "10m",
			MaxEntries: 10000,
		},
		Admission: AdmissionConfig{
			RPM:               100,
			RPH:               1000,
			Burst:             20,
			MaxConcurrent:     10,
			MaxQueueDepth:     100,
			OverloadThreshold: 0.8,
			GlobalCapacity:    100,
			DefaultScopes:     []string{"query", "ingest"},
			Clients:           nil,
		},
	}
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to temp directory
		return filepath.Join(os.TempDir(), ".ragserve", "data")
	}
	return filepath.Join(home, ".ragserve", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/ragserve/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/ragserve/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragserve", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback - should rarely happen
		return filepath.Join(os.TempDir(), ".config", "ragserve", "config.yaml")
	}
	return filepath.Join(home, ".config", "ragserve", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist (that's OK).
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()

	if !fileExists(configPath) {
		return nil, nil // No user config is fine
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}

	return cfg, nil
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/ragserve/config.yaml)
//  3. Local config (ragserve.yaml in dir)
//  4. Environment variables (RAGSERVE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	// Step 1: Load user/global config (if exists)
	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	// Step 2: Load local config (overrides user config)
	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	// Step 3: Apply environment variable overrides (highest precedence)
	cfg.applyEnvOverrides()

	// Step 4: Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration from an explicit YAML path
// (the --config flag), then applies env overrides and validates.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromDir attempts to load configuration from ragserve.yaml or ragserve.yml.
func (c *Config) loadFromDir(dir string) error {
	// Try .yaml first (takes precedence)
	yamlPath := filepath.Join(dir, "ragserve.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	// Try .yml as fallback
	ymlPath := filepath.Join(dir, "ragserve.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine - use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Use a temporary struct for parsing to detect type errors
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Merge parsed values with defaults (only non-zero values)
	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.APIKey != "" {
		c.Server.APIKey = other.Server.APIKey
	}
	if other.Server.MaxRequestSizeMB != 0 {
		c.Server.MaxRequestSizeMB = other.Server.MaxRequestSizeMB
	}
	if other.Server.RequestDeadline != "" {
		c.Server.RequestDeadline = other.Server.RequestDeadline
	}
	if other.Server.MetricsPort != 0 {
		c.Server.MetricsPort = other.Server.MetricsPort
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}

	// Storage
	if other.Storage.DataDir != "" {
		c.Storage.DataDir = other.Storage.DataDir
	}

	// Embedding
	if other.Embedding.Provider != "" {
		c.Embedding.Provider = other.Embedding.Provider
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}
	if other.Embedding.BatchSize != 0 {
		c.Embedding.BatchSize = other.Embedding.BatchSize
	}
	if other.Embedding.APIKey != "" {
		c.Embedding.APIKey = other.Embedding.APIKey
	}
	if other.Embedding.Endpoint != "" {
		c.Embedding.Endpoint = other.Embedding.Endpoint
	}
	if other.Embedding.RequestTimeout != "" {
		c.Embedding.RequestTimeout = other.Embedding.RequestTimeout
	}

	// Vector
	if other.Vector.Backend != "" {
		c.Vector.Backend = other.Vector.Backend
	}
	if other.Vector.PersistPath != "" {
		c.Vector.PersistPath = other.Vector.PersistPath
	}
	if other.Vector.RemoteURL != "" {
		c.Vector.RemoteURL = other.Vector.RemoteURL
	}

	// Lexical
	if other.Lexical.Backend != "" {
		c.Lexical.Backend = other.Lexical.Backend
	}
	if other.Lexical.BackendURL != "" {
		c.Lexical.BackendURL = other.Lexical.BackendURL
	}

	// Ingest
	if other.Ingest.MaxFileSizeMB != 0 {
		c.Ingest.MaxFileSizeMB = other.Ingest.MaxFileSizeMB
	}
	if len(other.Ingest.AllowedFileTypes) > 0 {
		c.Ingest.AllowedFileTypes = other.Ingest.AllowedFileTypes
	}
	if other.Ingest.ChunkSize != 0 {
		c.Ingest.ChunkSize = other.Ingest.ChunkSize
	}
	if other.Ingest.ChunkOverlap != 0 {
		c.Ingest.ChunkOverlap = other.Ingest.ChunkOverlap
	}
	if other.Ingest.Workers != 0 {
		c.Ingest.Workers = other.Ingest.Workers
	}

	// Retrieval
	if other.Retrieval.DefaultTopK != 0 {
		c.Retrieval.DefaultTopK = other.Retrieval.DefaultTopK
	}
	if other.Retrieval.MaxQueryResults != 0 {
		c.Retrieval.MaxQueryResults = other.Retrieval.MaxQueryResults
	}

	// Rerank
	if other.Rerank.Kind != "" {
		c.Rerank.Kind = other.Rerank.Kind
	}
	if other.Rerank.Model != "" {
		c.Rerank.Model = other.Rerank.Model
	}
	if other.Rerank.ServiceURL != "" {
		c.Rerank.ServiceURL = other.Rerank.ServiceURL
	}
	if other.Rerank.RequestTimeout != "" {
		c.Rerank.RequestTimeout = other.Rerank.RequestTimeout
	}

	// LLM
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.MaxContextTokens != 0 {
		c.LLM.MaxContextTokens = other.LLM.MaxContextTokens
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.RequireCitations != nil {
		c.LLM.RequireCitations = other.LLM.RequireCitations
	}
	if other.LLM.ForbidUnverifiable != nil {
		c.LLM.ForbidUnverifiable = other.LLM.ForbidUnverifiable
	}
	if other.LLM.MaxSources != 0 {
		c.LLM.MaxSources = other.LLM.MaxSources
	}
	if other.LLM.MinConfidence != 0 {
		c.LLM.MinConfidence = other.LLM.MinConfidence
	}

	// Cache
	if other.Cache.Backend != "" {
		c.Cache.Backend = other.Cache.Backend
	}
	if other.Cache.BackendURL != "" {
		c.Cache.BackendURL = other.Cache.BackendURL
	}
	if other.Cache.VectorTTL != "" {
		c.Cache.VectorTTL = other.Cache.VectorTTL
	}
	if other.Cache.RerankTTL != "" {
		c.Cache.RerankTTL = other.Cache.RerankTTL
	}
	if other.Cache.AnswerTTL != "" {
		c.Cache.AnswerTTL = other.Cache.AnswerTTL
	}
	if other.Cache.MaxEntries != 0 {
		c.Cache.MaxEntries = other.Cache.MaxEntries
	}

	// Admission
	if other.Admission.RPM != 0 {
		c.Admission.RPM = other.Admission.RPM
	}
	if other.Admission.RPH != 0 {
		c.Admission.RPH = other.Admission.RPH
	}
	if other.Admission.Burst != 0 {
		c.Admission.Burst = other.Admission.Burst
	}
	if other.Admission.MaxConcurrent != 0 {
		c.Admission.MaxConcurrent = other.Admission.MaxConcurrent
	}
	if other.Admission.MaxQueueDepth != 0 {
		c.Admission.MaxQueueDepth = other.Admission.MaxQueueDepth
	}
	if other.Admission.OverloadThreshold != 0 {
		c.Admission.OverloadThreshold = other.Admission.OverloadThreshold
	}
	if other.Admission.GlobalCapacity != 0 {
		c.Admission.GlobalCapacity = other.Admission.GlobalCapacity
	}
	if len(other.Admission.DefaultScopes) > 0 {
		c.Admission.DefaultScopes = other.Admission.DefaultScopes
	}
	if len(other.Admission.Clients) > 0 {
		c.Admission.Clients = other.Admission.Clients
	}
}

// applyEnvOverrides applies RAGSERVE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RAGSERVE_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("RAGSERVE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("RAGSERVE_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p >= 0 {
			c.Server.MetricsPort = p
		}
	}
	if v := os.Getenv("RAGSERVE_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("RAGSERVE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}

	if v := os.Getenv("RAGSERVE_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("RAGSERVE_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("RAGSERVE_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}

	if v := os.Getenv("RAGSERVE_VECTOR_BACKEND"); v != "" {
		c.Vector.Backend = v
	}
	if v := os.Getenv("RAGSERVE_LEXICAL_BACKEND"); v != "" {
		c.Lexical.Backend = v
	}

	if v := os.Getenv("RAGSERVE_RERANKER_KIND"); v != "" {
		c.Rerank.Kind = v
	}

	if v := os.Getenv("RAGSERVE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("RAGSERVE_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}

	if v := os.Getenv("RAGSERVE_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("RAGSERVE_CACHE_URL"); v != "" {
		c.Cache.BackendURL = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be 0-65535, got %d", c.Server.MetricsPort)
	}
	if c.Server.MaxRequestSizeMB <= 0 {
		return fmt.Errorf("server.max_request_size_mb must be positive, got %d", c.Server.MaxRequestSizeMB)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	if _, err := time.ParseDuration(c.Server.RequestDeadline); err != nil {
		return fmt.Errorf("server.request_deadline is not a duration: %w", err)
	}

	validProviders := map[string]bool{"openai": true, "remote": true, "static": true}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		return fmt.Errorf("embedding.provider must be 'openai', 'remote', or 'static', got %s", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if strings.ToLower(c.Embedding.Provider) == "remote" && c.Embedding.Endpoint == "" {
		return fmt.Errorf("embedding.endpoint is required when embedding.provider is 'remote'")
	}

	validVector := map[string]bool{"local": true, "remote": true}
	if !validVector[strings.ToLower(c.Vector.Backend)] {
		return fmt.Errorf("vector.backend must be 'local' or 'remote', got %s", c.Vector.Backend)
	}
	if strings.ToLower(c.Vector.Backend) == "remote" && c.Vector.RemoteURL == "" {
		return fmt.Errorf("vector.remote_url is required when vector.backend is 'remote'")
	}

	validLexical := map[string]bool{"sqlite": true, "bleve": true}
	if !validLexical[strings.ToLower(c.Lexical.Backend)] {
		return fmt.Errorf("lexical.backend must be 'sqlite' or 'bleve', got %s", c.Lexical.Backend)
	}

	if c.Ingest.MaxFileSizeMB <= 0 {
		return fmt.Errorf("ingest.max_file_size_mb must be positive, got %d", c.Ingest.MaxFileSizeMB)
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 {
		return fmt.Errorf("ingest.chunk_overlap must be non-negative, got %d", c.Ingest.ChunkOverlap)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}

	if c.Retrieval.DefaultTopK <= 0 {
		return fmt.Errorf("retrieval.default_top_k must be positive, got %d", c.Retrieval.DefaultTopK)
	}
	if c.Retrieval.MaxQueryResults < c.Retrieval.DefaultTopK {
		return fmt.Errorf("retrieval.max_query_results (%d) must be >= retrieval.default_top_k (%d)",
			c.Retrieval.MaxQueryResults, c.Retrieval.DefaultTopK)
	}

	validRerank := map[string]bool{"local_cross_encoder": true, "remote_service": true, "none": true}
	if !validRerank[strings.ToLower(c.Rerank.Kind)] {
		return fmt.Errorf("rerank.kind must be 'local_cross_encoder', 'remote_service', or 'none', got %s", c.Rerank.Kind)
	}
	if strings.ToLower(c.Rerank.Kind) == "remote_service" && c.Rerank.ServiceURL == "" {
		return fmt.Errorf("rerank.service_url is required when rerank.kind is 'remote_service'")
	}

	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.MaxContextTokens <= 0 {
		return fmt.Errorf("llm.max_context_tokens must be positive, got %d", c.LLM.MaxContextTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be 0-2, got %f", c.LLM.Temperature)
	}

	validCache := map[string]bool{"memory": true, "redis": true}
	if !validCache[strings.ToLower(c.Cache.Backend)] {
		return fmt.Errorf("cache.backend must be 'memory' or 'redis', got %s", c.Cache.Backend)
	}
	for name, ttl := range map[string]string{
		"cache.vector_ttl": c.Cache.VectorTTL,
		"cache.rerank_ttl": c.Cache.RerankTTL,
		"cache.answer_ttl": c.Cache.AnswerTTL,
	} {
		if _, err := time.ParseDuration(ttl); err != nil {
			return fmt.Errorf("%s is not a duration: %w", name, err)
		}
	}

	if c.Admission.OverloadThreshold <= 0 || c.Admission.OverloadThreshold > 1 {
		return fmt.Errorf("admission.overload_threshold must be in (0,1], got %f", c.Admission.OverloadThreshold)
	}
	if c.Admission.MaxQueueDepth < 0 {
		return fmt.Errorf("admission.max_queue_depth must be non-negative, got %d", c.Admission.MaxQueueDepth)
	}
	if c.Admission.GlobalCapacity <= 0 {
		return fmt.Errorf("admission.global_capacity must be positive, got %d", c.Admission.GlobalCapacity)
	}

	return nil
}

// CitationsRequired reports whether answers must carry source markers.
func (l LLMConfig) CitationsRequired() bool {
	return l.RequireCitations == nil || *l.RequireCitations
}

// UnverifiableForbidden reports whether hedging language is rejected.
func (l LLMConfig) UnverifiableForbidden() bool {
	return l.ForbidUnverifiable == nil || *l.ForbidUnverifiable
}

// RequestDeadlineDuration returns the parsed request deadline.
// Validate guarantees the value parses.
func (c *Config) RequestDeadlineDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.RequestDeadline)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// CollectionDir returns the on-disk directory for a collection's state.
func (c *Config) CollectionDir(collection string) string {
	return filepath.Join(c.Storage.DataDir, "collections", collection)
}

// VectorPath returns the vector index location for a collection.
func (c *Config) VectorPath(collection string) string {
	if c.Vector.PersistPath != "" {
		return filepath.Join(c.Vector.PersistPath, collection)
	}
	return filepath.Join(c.CollectionDir(collection), "vector")
}

// LexicalPath returns the lexical index location for a collection.
func (c *Config) LexicalPath(collection string) string {
	return filepath.Join(c.CollectionDir(collection), "lexical")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// QuotaFor returns the admission quota for a client ID, falling back to
// the configured defaults for unknown clients.
func (c *Config) QuotaFor(clientID string) ClientQuota {
	for _, q := range c.Admission.Clients {
		if q.ID == clientID {
			quota := q
			if quota.RPM == 0 {
				quota.RPM = c.Admission.RPM
			}
			if quota.RPH == 0 {
				quota.RPH = c.Admission.RPH
			}
			if quota.Burst == 0 {
				quota.Burst = c.Admission.Burst
			}
			if quota.MaxConcurrent == 0 {
				quota.MaxConcurrent = c.Admission.MaxConcurrent
			}
			if len(quota.Scopes) == 0 {
				quota.Scopes = c.Admission.DefaultScopes
			}
			return quota
		}
	}
	return ClientQuota{
		ID:            clientID,
		Scopes:        c.Admission.DefaultScopes,
		RPM:           c.Admission.RPM,
		RPH:           c.Admission.RPH,
		Burst:         c.Admission.Burst,
		MaxConcurrent: c.Admission.MaxConcurrent,
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
