package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Default Configuration Tests
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxRequestSizeMB)
	assert.Equal(t, "30s", cfg.Server.RequestDeadline)
	assert.Equal(t, 8001, cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Server.LogLevel)

	// Embedding defaults
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 3072, cfg.Embedding.Dimension)
	assert.Equal(t, 100, cfg.Embedding.BatchSize)

	// Backend defaults
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, "sqlite", cfg.Lexical.Backend)

	// Ingest defaults
	assert.Equal(t, 100, cfg.Ingest.MaxFileSizeMB)
	assert.Equal(t, []string{"pdf", "txt", "md", "markdown"}, cfg.Ingest.AllowedFileTypes)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 200, cfg.Ingest.ChunkOverlap)

	// Retrieval defaults
	assert.Equal(t, 5, cfg.Retrieval.DefaultTopK)
	assert.Equal(t, 20, cfg.Retrieval.MaxQueryResults)

	// Rerank defaults
	assert.Equal(t, "local_cross_encoder", cfg.Rerank.Kind)

	// LLM defaults
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.Model)
	assert.Equal(t, 4000, cfg.LLM.MaxTokens)
	assert.Equal(t, 8000, cfg.LLM.MaxContextTokens)
	assert.InDelta(t, 0.1, cfg.LLM.Temperature, 0.001)
	assert.True(t, cfg.LLM.CitationsRequired())
	assert.True(t, cfg.LLM.UnverifiableForbidden())

	// Cache defaults
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "2h", cfg.Cache.VectorTTL)
	assert.Equal(t, "30m", cfg.Cache.RerankTTL)
	assert.Equal(t, "10m", cfg.Cache.AnswerTTL)

	// Admission defaults
	assert.Equal(t, 100, cfg.Admission.RPM)
	assert.Equal(t, 1000, cfg.Admission.RPH)
	assert.Equal(t, 20, cfg.Admission.Burst)
	assert.Equal(t, 10, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 100, cfg.Admission.MaxQueueDepth)
	assert.InDelta(t, 0.8, cfg.Admission.OverloadThreshold, 0.001)
}

func TestConfig_VersionDefaultsToOne(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 1, cfg.Version)
}

func TestNewConfig_ValidatesCleanly(t *testing.T) {
	cfg := NewConfig()
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Configuration File Loading Tests
// =============================================================================

// isolateUserConfig points XDG_CONFIG_HOME at an empty directory so a
// developer's real user config cannot leak into assertions.
func isolateUserConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	isolateUserConfig(t)

	// Given: a directory with no ragserve.yaml
	tmpDir := t.TempDir()

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: defaults are returned without error
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_YamlFile_OverridesDefaults(t *testing.T) {
	isolateUserConfig(t)

	// Given: a directory with ragserve.yaml
	tmpDir := t.TempDir()
	configContent := `
version: 1
server:
  port: 9090
  log_level: debug
ingest:
  chunk_size: 2000
  chunk_overlap: 400
retrieval:
  max_query_results: 50
`
	err := os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(configContent), 0o644)
	require.NoError(t, err)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: all overrides are applied
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 2000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 400, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 50, cfg.Retrieval.MaxQueryResults)

	// And: untouched sections keep defaults
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, "sqlite", cfg.Lexical.Backend)
}

func TestLoad_YmlExtension_IsRecognized(t *testing.T) {
	isolateUserConfig(t)

	// Given: a directory with ragserve.yml (alternative extension)
	tmpDir := t.TempDir()
	configContent := `
version: 1
embedding:
  provider: static
`
	err := os.WriteFile(filepath.Join(tmpDir, "ragserve.yml"), []byte(configContent), 0o644)
	require.NoError(t, err)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: .yml file is recognized
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Embedding.Provider)
}

func TestLoad_YamlPreferredOverYml(t *testing.T) {
	isolateUserConfig(t)

	// Given: both .yaml and .yml exist
	tmpDir := t.TempDir()
	yamlContent := `
version: 1
embedding:
  provider: static
`
	ymlContent := `
version: 1
embedding:
  provider: remote
  endpoint: http://localhost:9000
`
	err := os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(yamlContent), 0o644)
	require.NoError(t, err)
	err = os.WriteFile(filepath.Join(tmpDir, "ragserve.yml"), []byte(ymlContent), 0o644)
	require.NoError(t, err)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: .yaml takes precedence
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Embedding.Provider)
}

func TestLoad_InvalidYaml_ReturnsError(t *testing.T) {
	isolateUserConfig(t)

	// Given: invalid YAML syntax
	tmpDir := t.TempDir()
	invalidContent := `
version: 1
server:
  port: [invalid yaml syntax
`
	err := os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(invalidContent), 0o644)
	require.NoError(t, err)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: error is returned with clear message
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_InvalidFieldType_ReturnsError(t *testing.T) {
	isolateUserConfig(t)

	// Given: wrong type for a YAML-accessible field
	tmpDir := t.TempDir()
	invalidContent := `
version: 1
ingest:
  chunk_size: "not-a-number"
`
	err := os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(invalidContent), 0o644)
	require.NoError(t, err)

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: error is returned
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFile_ExplicitPath(t *testing.T) {
	// Given: a config file at an arbitrary path
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "custom.yaml")
	configContent := `
version: 1
server:
  port: 7777
`
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o644))

	// When: loading by explicit path
	cfg, err := LoadFile(path)

	// Then: overrides are applied
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoadFile_MissingFile_ReturnsError(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/ragserve.yaml")

	require.Error(t, err)
	assert.Nil(t, cfg)
}

// =============================================================================
// User Config Layering Tests
// =============================================================================

func TestLoad_UserConfig_AppliesBeforeLocal(t *testing.T) {
	// Given: a user config under XDG_CONFIG_HOME
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	userDir := filepath.Join(configDir, "ragserve")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	userConfig := `
version: 1
server:
  port: 9999
embedding:
  batch_size: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte(userConfig), 0o644))

	// When: loading from a directory without a local config
	projectDir := t.TempDir()
	cfg, err := Load(projectDir)

	// Then: user config values are applied
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
}

func TestLoad_LocalConfig_OverridesUserConfig(t *testing.T) {
	// Given: both a user config and a local config
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	userDir := filepath.Join(configDir, "ragserve")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	userConfig := `
server:
  port: 9999
  log_level: warn
`
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte(userConfig), 0o644))

	projectDir := t.TempDir()
	localConfig := `
server:
  port: 7070
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "ragserve.yaml"), []byte(localConfig), 0o644))

	// When: loading
	cfg, err := Load(projectDir)

	// Then: local wins where set, user config fills the rest
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}

func TestGetUserConfigPath_RespectsXDG(t *testing.T) {
	customConfig := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", customConfig)

	expected := filepath.Join(customConfig, "ragserve", "config.yaml")
	assert.Equal(t, expected, GetUserConfigPath())
}

func TestGetUserConfigPath_DefaultsToHomeConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expected := filepath.Join(home, ".config", "ragserve", "config.yaml")
	assert.Equal(t, expected, GetUserConfigPath())
}

// =============================================================================
// Environment Override Tests
// =============================================================================

func TestLoad_EnvOverrides_HaveHighestPrecedence(t *testing.T) {
	isolateUserConfig(t)

	// Given: a local config and conflicting env vars
	tmpDir := t.TempDir()
	configContent := `
server:
  port: 9090
  log_level: warn
cache:
  backend: memory
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(configContent), 0o644))

	t.Setenv("RAGSERVE_PORT", "6060")
	t.Setenv("RAGSERVE_LOG_LEVEL", "error")
	t.Setenv("RAGSERVE_CACHE_BACKEND", "redis")
	t.Setenv("RAGSERVE_CACHE_URL", "redis://cache:6379/1")

	// When: loading
	cfg, err := Load(tmpDir)

	// Then: env values win
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "error", cfg.Server.LogLevel)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis://cache:6379/1", cfg.Cache.BackendURL)
}

func TestLoad_EnvAPIKey_SetsServerKey(t *testing.T) {
	isolateUserConfig(t)

	tmpDir := t.TempDir()
	t.Setenv("RAGSERVE_API_KEY", "secret-key-123")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "secret-key-123", cfg.Server.APIKey)
}

func TestLoad_OpenAIKey_FillsEmbeddingAndLLM(t *testing.T) {
	isolateUserConfig(t)

	tmpDir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoad_EnvInvalidPort_IsIgnored(t *testing.T) {
	isolateUserConfig(t)

	tmpDir := t.TempDir()
	t.Setenv("RAGSERVE_PORT", "not-a-port")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			errPart: "server.port",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			errPart: "log_level",
		},
		{
			name:    "bad request deadline",
			mutate:  func(c *Config) { c.Server.RequestDeadline = "soon" },
			errPart: "request_deadline",
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "cohere" },
			errPart: "embedding.provider",
		},
		{
			name:    "remote embedding without endpoint",
			mutate:  func(c *Config) { c.Embedding.Provider = "remote" },
			errPart: "embedding.endpoint",
		},
		{
			name:    "zero dimension",
			mutate:  func(c *Config) { c.Embedding.Dimension = 0 },
			errPart: "embedding.dimension",
		},
		{
			name:    "unknown vector backend",
			mutate:  func(c *Config) { c.Vector.Backend = "chroma" },
			errPart: "vector.backend",
		},
		{
			name:    "remote vector without url",
			mutate:  func(c *Config) { c.Vector.Backend = "remote" },
			errPart: "vector.remote_url",
		},
		{
			name:    "unknown lexical backend",
			mutate:  func(c *Config) { c.Lexical.Backend = "elasticsearch" },
			errPart: "lexical.backend",
		},
		{
			name:    "overlap not smaller than chunk size",
			mutate:  func(c *Config) { c.Ingest.ChunkOverlap = 1000 },
			errPart: "chunk_overlap",
		},
		{
			name:    "unknown reranker kind",
			mutate:  func(c *Config) { c.Rerank.Kind = "cohere" },
			errPart: "rerank.kind",
		},
		{
			name:    "remote reranker without url",
			mutate:  func(c *Config) { c.Rerank.Kind = "remote_service" },
			errPart: "rerank.service_url",
		},
		{
			name:    "bad cache ttl",
			mutate:  func(c *Config) { c.Cache.AnswerTTL = "ten minutes" },
			errPart: "answer_ttl",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			errPart: "cache.backend",
		},
		{
			name:    "overload threshold above one",
			mutate:  func(c *Config) { c.Admission.OverloadThreshold = 1.5 },
			errPart: "overload_threshold",
		},
		{
			name:    "max results below default top k",
			mutate:  func(c *Config) { c.Retrieval.MaxQueryResults = 2 },
			errPart: "max_query_results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoad_InvalidFinalConfig_ReturnsError(t *testing.T) {
	isolateUserConfig(t)

	// Given: a config file with an out-of-range value
	tmpDir := t.TempDir()
	configContent := `
admission:
  overload_threshold: 3.0
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(configContent), 0o644))

	// When: loading
	cfg, err := Load(tmpDir)

	// Then: validation fails the load
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid configuration")
}

// =============================================================================
// Boolean Flag Tests
// =============================================================================

func TestLoad_ExplicitFalseCitations_Survives(t *testing.T) {
	isolateUserConfig(t)

	// Given: require_citations explicitly disabled
	tmpDir := t.TempDir()
	configContent := `
llm:
  require_citations: false
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ragserve.yaml"), []byte(configContent), 0o644))

	// When: loading
	cfg, err := Load(tmpDir)

	// Then: the explicit false is preserved, the other flag keeps its default
	require.NoError(t, err)
	assert.False(t, cfg.LLM.CitationsRequired())
	assert.True(t, cfg.LLM.UnverifiableForbidden())
}

// =============================================================================
// Path Helper Tests
// =============================================================================

func TestConfig_CollectionPaths(t *testing.T) {
	cfg := NewConfig()
	cfg.Storage.DataDir = "/var/lib/ragserve"

	assert.Equal(t, filepath.Join("/var/lib/ragserve", "collections", "docs"), cfg.CollectionDir("docs"))
	assert.Equal(t, filepath.Join("/var/lib/ragserve", "collections", "docs", "vector"), cfg.VectorPath("docs"))
	assert.Equal(t, filepath.Join("/var/lib/ragserve", "collections", "docs", "lexical"), cfg.LexicalPath("docs"))
}

func TestConfig_VectorPath_HonorsOverride(t *testing.T) {
	cfg := NewConfig()
	cfg.Vector.PersistPath = "/mnt/fast/vectors"

	assert.Equal(t, filepath.Join("/mnt/fast/vectors", "docs"), cfg.VectorPath("docs"))
}

// =============================================================================
// Quota Lookup Tests
// =============================================================================

func TestQuotaFor_UnknownClient_GetsDefaults(t *testing.T) {
	cfg := NewConfig()

	quota := cfg.QuotaFor("anonymous-key")

	assert.Equal(t, "anonymous-key", quota.ID)
	assert.Equal(t, cfg.Admission.RPM, quota.RPM)
	assert.Equal(t, cfg.Admission.RPH, quota.RPH)
	assert.Equal(t, cfg.Admission.Burst, quota.Burst)
	assert.Equal(t, cfg.Admission.MaxConcurrent, quota.MaxConcurrent)
	assert.Equal(t, cfg.Admission.DefaultScopes, quota.Scopes)
}

func TestQuotaFor_ConfiguredClient_GetsOverrides(t *testing.T) {
	cfg := NewConfig()
	cfg.Admission.Clients = []ClientQuota{
		{ID: "premium", Scopes: []string{"query", "ingest", "admin"}, RPM: 600},
	}

	quota := cfg.QuotaFor("premium")

	// Explicit values win, gaps fall back to defaults
	assert.Equal(t, 600, quota.RPM)
	assert.Equal(t, cfg.Admission.RPH, quota.RPH)
	assert.Contains(t, quota.Scopes, "admin")
}

// =============================================================================
// Round Trip Tests
// =============================================================================

func TestWriteYAML_RoundTrips(t *testing.T) {
	// Given: a customized config
	tmpDir := t.TempDir()
	cfg := NewConfig()
	cfg.Server.Port = 9191
	cfg.Cache.Backend = "redis"
	cfg.Ingest.ChunkSize = 1500

	// When: writing and reloading
	path := filepath.Join(tmpDir, "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := LoadFile(path)

	// Then: values survive the round trip
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.Server.Port)
	assert.Equal(t, "redis", loaded.Cache.Backend)
	assert.Equal(t, 1500, loaded.Ingest.ChunkSize)
}
