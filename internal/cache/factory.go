package cache

import (
	"log/slog"
	"time"

	"github.com/Aman-CERP/ragserve/internal/config"
)

// NewFromConfig builds the cache selected by configuration: redis when a
// backend URL is configured (or the backend is explicitly "redis"), otherwise
// the in-memory backend.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttls := ttlsFromConfig(cfg)

	if cfg.Cache.Backend == "redis" || cfg.Cache.BackendURL != "" {
		url := cfg.Cache.BackendURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		c, err := NewRedisCache(url, ttls, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("cache initialized",
			slog.String("backend", "redis"),
			slog.String("url", url))
		return c, nil
	}

	logger.Info("cache initialized",
		slog.String("backend", "memory"),
		slog.Int("max_entries", cfg.Cache.MaxEntries))
	return NewMemoryCache(ttls, cfg.Cache.MaxEntries), nil
}

// ttlsFromConfig parses the configured TTL strings, falling back to the
// family default for anything missing or malformed. Config validation has
// already rejected bad values; the fallback covers zero-value configs.
func ttlsFromConfig(cfg *config.Config) TTLs {
	ttls := DefaultTTLs()
	if d, err := time.ParseDuration(cfg.Cache.VectorTTL); err == nil && d > 0 {
		ttls.VectorHits = d
	}
	if d, err := time.ParseDuration(cfg.Cache.RerankTTL); err == nil && d > 0 {
		ttls.RerankScore = d
	}
	if d, err := time.ParseDuration(cfg.Cache.AnswerTTL); err == nil && d > 0 {
		ttls.Answer = d
	}
	return ttls
}
