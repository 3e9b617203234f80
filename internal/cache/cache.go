// Package cache provides the typed pipeline cache with TTL families and
// tagged invalidation.
//
// Three families exist, each with its own default TTL:
//   - vector_hits (2h): fused retrieval results keyed by query fingerprint
//   - rerank_score (30m): per-(query, chunk) reranker scores
//   - answer (10m): full query responses keyed by query fingerprint
//
// Every write may associate the key with tags such as "collection:docs";
// InvalidateTag evicts all keys carrying that tag. The cache never fails the
// caller: an unreachable backend degrades to a no-op (misses on Get, dropped
// writes on Set) behind a circuit breaker.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Family identifies a cache namespace with its own TTL.
type Family string

const (
	// FamilyVectorHits caches fused retrieval results per query fingerprint.
	FamilyVectorHits Family = "vector"
	// FamilyRerankScore caches reranker scores per (query, chunk) pair.
	FamilyRerankScore Family = "rerank"
	// FamilyAnswer caches complete query responses per query fingerprint.
	FamilyAnswer Family = "answer"
)

// Default TTLs per family, matching the service defaults.
const (
	DefaultVectorTTL = 2 * time.Hour
	DefaultRerankTTL = 30 * time.Minute
	DefaultAnswerTTL = 10 * time.Minute
)

// TTLs holds the per-family expiry durations.
type TTLs struct {
	VectorHits  time.Duration
	RerankScore time.Duration
	Answer      time.Duration
}

// DefaultTTLs returns the standard per-family TTLs.
func DefaultTTLs() TTLs {
	return TTLs{
		VectorHits:  DefaultVectorTTL,
		RerankScore: DefaultRerankTTL,
		Answer:      DefaultAnswerTTL,
	}
}

// For returns the TTL for the given family.
func (t TTLs) For(family Family) time.Duration {
	switch family {
	case FamilyVectorHits:
		return t.VectorHits
	case FamilyRerankScore:
		return t.RerankScore
	case FamilyAnswer:
		return t.Answer
	default:
		return t.Answer
	}
}

// Cache is the typed key→value store used across the query pipeline.
// Implementations must be safe for concurrent use and must never return
// errors to callers: backend failures are logged and surface as misses.
type Cache interface {
	// Get returns the value for key in the given family, if present and fresh.
	Get(ctx context.Context, family Family, key string) ([]byte, bool)

	// Set stores value under key with the family's TTL and associates the key
	// with each tag for later invalidation.
	Set(ctx context.Context, family Family, key string, value []byte, tags ...string)

	// InvalidateTag evicts every key associated with the tag across families.
	InvalidateTag(ctx context.Context, tag string)

	// Close releases backend resources.
	Close() error
}

// CollectionTag returns the invalidation tag used for a collection's cached
// entries. The indexer fires this tag whenever it mutates the collection.
func CollectionTag(collection string) string {
	return "collection:" + collection
}

// GetJSON fetches and unmarshals a cached JSON value. A corrupt entry is
// treated as a miss.
func GetJSON[T any](ctx context.Context, c Cache, family Family, key string) (T, bool) {
	var out T
	raw, ok := c.Get(ctx, family, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// SetJSON marshals and stores a value. Marshal failures drop the write.
func SetJSON[T any](ctx context.Context, c Cache, family Family, key string, value T, tags ...string) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Set(ctx, family, key, raw, tags...)
}

// VectorHit is the serialized form of one fused retrieval result.
type VectorHit struct {
	ChunkID  string            `json:"chunk_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float64           `json:"score"`
}

// GetVectorHits returns cached retrieval results for a query fingerprint.
func GetVectorHits(ctx context.Context, c Cache, queryFingerprint string) ([]VectorHit, bool) {
	return GetJSON[[]VectorHit](ctx, c, FamilyVectorHits, queryFingerprint)
}

// SetVectorHits caches retrieval results for a query fingerprint.
func SetVectorHits(ctx context.Context, c Cache, queryFingerprint string, hits []VectorHit, tags ...string) {
	SetJSON(ctx, c, FamilyVectorHits, queryFingerprint, hits, tags...)
}

// rerankKey joins the query fingerprint and chunk ID into one cache key.
func rerankKey(queryFingerprint, chunkID string) string {
	return queryFingerprint + ":" + chunkID
}

// GetRerankScore returns a cached reranker score for a (query, chunk) pair.
func GetRerankScore(ctx context.Context, c Cache, queryFingerprint, chunkID string) (float64, bool) {
	return GetJSON[float64](ctx, c, FamilyRerankScore, rerankKey(queryFingerprint, chunkID))
}

// SetRerankScore caches a reranker score for a (query, chunk) pair.
func SetRerankScore(ctx context.Context, c Cache, queryFingerprint, chunkID string, score float64, tags ...string) {
	SetJSON(ctx, c, FamilyRerankScore, rerankKey(queryFingerprint, chunkID), score, tags...)
}
