// Package store is the persistence layer: per-collection dense vectors
// (HNSW), the lexical BM25 index (sqlite FTS5 or bleve), chunk metadata rows,
// and the collection manifest.
package store

import (
	"context"
	"fmt"
	"time"
)

// Metadata keys attached to vector records and returned with search hits.
const (
	MetaSource       = "source"
	MetaVersion      = "version"
	MetaDocTitle     = "doc_title"
	MetaSectionTitle = "section_title"
	MetaPage         = "page"
)

// Chunk is one retrievable unit of indexed content.
//
// ChunkID is derived from (collection, source, section_index, chunk_index)
// and is stable across reindexing of unchanged content. Two chunks with the
// same ContentHash in the same collection are treated as one by the deduper.
type Chunk struct {
	ChunkID      string            `json:"chunk_id"`
	Collection   string            `json:"collection"`
	Source       string            `json:"source"`
	Version      string            `json:"version,omitempty"`
	DocTitle     string            `json:"doc_title"`
	SectionTitle string            `json:"section_title"`
	SectionLevel int               `json:"section_level"`
	SectionIndex int               `json:"section_index"`
	Page         int               `json:"page"`
	ChunkIndex   int               `json:"chunk_index_within_section"`
	Text         string            `json:"text"`
	TokenCount   int               `json:"token_count"`
	ContentHash  string            `json:"content_hash"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IndexMetadata returns the filterable metadata stored alongside the vector
// and surfaced in search hits and citations. Volatile fields (timestamps,
// scores) are excluded so the map is stable across reindexes.
func (c *Chunk) IndexMetadata() map[string]string {
	meta := map[string]string{
		MetaSource:       c.Source,
		MetaDocTitle:     c.DocTitle,
		MetaSectionTitle: c.SectionTitle,
		MetaPage:         fmt.Sprintf("%d", c.Page),
	}
	if c.Version != "" {
		meta[MetaVersion] = c.Version
	}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return meta
}

// HashMetadata returns the metadata subset folded into ContentHash: the
// chunk's position and provenance fields plus custom metadata. Volatile
// fields (created_at, token_count, scores) are excluded so the hash is
// reproducible across reingests of unchanged content.
func (c *Chunk) HashMetadata() map[string]string {
	meta := c.IndexMetadata()
	meta["section_index"] = fmt.Sprintf("%d", c.SectionIndex)
	meta["chunk_index"] = fmt.Sprintf("%d", c.ChunkIndex)
	return meta
}

// VectorRecord is one (chunk_id, vector, metadata) triple for upsert.
type VectorRecord struct {
	ChunkID  string
	Vector   []float32
	Metadata map[string]string
}

// VectorResult is one dense search hit, ordered by descending similarity.
type VectorResult struct {
	ChunkID    string
	Metadata   map[string]string
	Similarity float64
}

// VectorStats summarizes one collection's dense index.
type VectorStats struct {
	ValidIDs   int // active vectors
	GraphNodes int // total graph nodes including lazily deleted orphans
	Orphans    int // GraphNodes - ValidIDs
	Dimensions int
}

// VectorStore is one collection's dense index.
//
// Upsert is idempotent keyed by chunk_id. Delete operations are at-least-once
// and safe under replay. Implementations must be safe for concurrent use.
type VectorStore interface {
	// Upsert inserts or replaces vectors keyed by chunk_id.
	Upsert(ctx context.Context, records []VectorRecord) error

	// Search returns the k nearest neighbors by descending similarity,
	// optionally restricted to hits whose metadata matches filter exactly.
	Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]*VectorResult, error)

	// Delete removes vectors by chunk_id. Missing IDs are ignored.
	Delete(ctx context.Context, chunkIDs []string) error

	// DeleteByFilter removes every vector whose metadata matches the filter
	// and reports how many were removed.
	DeleteByFilter(ctx context.Context, filter map[string]string) (int, error)

	// EnumerateBySource returns the chunk IDs recorded for a source.
	// version narrows the match when non-empty.
	EnumerateBySource(ctx context.Context, source, version string) ([]string, error)

	// Contains reports whether the chunk_id has an active vector.
	Contains(chunkID string) bool

	// Count returns the number of active vectors.
	Count() int

	// Dimensions returns the configured vector dimension.
	Dimensions() int

	// Stats returns index statistics used by compaction decisions.
	Stats() VectorStats

	// Save persists the index to its backing path.
	Save() error

	Close() error
}

// LexicalDoc is one document for BM25 indexing.
type LexicalDoc struct {
	ChunkID      string
	Text         string
	Source       string
	Version      string
	SectionTitle string
	Page         int
}

// LexicalResult is one BM25 hit. Score is the raw backend score (positive,
// higher is better); consumers normalize before fusion.
type LexicalResult struct {
	ChunkID      string
	Score        float64
	MatchedTerms []string
}

// LexicalIndex is one collection's BM25 index.
//
// BulkUpsert replaces existing documents keyed by chunk_id. Scores are
// returned as produced by the backend.
type LexicalIndex interface {
	// BulkUpsert indexes documents, replacing any with the same chunk_id.
	BulkUpsert(ctx context.Context, docs []*LexicalDoc) error

	// Search returns up to k BM25-scored hits for the query, optionally
	// restricted by a metadata filter (source, version).
	Search(ctx context.Context, query string, k int, filter map[string]string) ([]*LexicalResult, error)

	// Delete removes documents by chunk_id.
	Delete(ctx context.Context, chunkIDs []string) error

	// DeleteBySource removes every document for a source and reports the
	// count. version narrows the match when non-empty.
	DeleteBySource(ctx context.Context, source, version string) (int, error)

	// EnumerateBySource returns the chunk IDs indexed for a source.
	EnumerateBySource(ctx context.Context, source, version string) ([]string, error)

	// Count returns the number of indexed documents.
	Count() (int, error)

	Close() error
}

// SourceStat summarizes the chunks held for one source.
type SourceStat struct {
	Source     string    `json:"source"`
	Version    string    `json:"version,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MetadataStore persists chunk rows for a collection. It backs dedup
// rehydration on cold start, collection stats, citation lookup, and the
// re-embedding reads of a migration.
type MetadataStore interface {
	// SaveChunks inserts or replaces chunk rows keyed by chunk_id.
	SaveChunks(ctx context.Context, chunks []*Chunk) error

	// GetChunk returns the chunk row or ErrChunkNotFound.
	GetChunk(ctx context.Context, chunkID string) (*Chunk, error)

	// GetChunks returns the rows for the given IDs, skipping missing ones.
	GetChunks(ctx context.Context, chunkIDs []string) ([]*Chunk, error)

	// ListBySource returns all chunk rows for a source in index order.
	ListBySource(ctx context.Context, source, version string) ([]*Chunk, error)

	// ListSources summarizes every source in the collection.
	ListSources(ctx context.Context) ([]SourceStat, error)

	// AllHashes returns content_hash → chunk_id for dedup rehydration.
	AllHashes(ctx context.Context) (map[string]string, error)

	// IterateChunks streams every chunk row in batches; used by migration.
	IterateChunks(ctx context.Context, batchSize int, fn func(chunks []*Chunk) error) error

	// DeleteChunks removes rows by chunk_id.
	DeleteChunks(ctx context.Context, chunkIDs []string) error

	// Count returns the number of chunk rows.
	Count(ctx context.Context) (int, error)

	Close() error
}

// BM25Config configures the lexical index backends.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words filtered out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultBM25Config returns the default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}

// VectorStoreConfig configures the HNSW vector store.
type VectorStoreConfig struct {
	// Dimensions is the embedding dimension for the collection.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean).
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// ErrDimensionMismatch indicates an embedding dimension that does not match
// the collection's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (migrate the collection to change models)", e.Expected, e.Got)
}
