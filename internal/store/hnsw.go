package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWStore implements VectorStore for one collection using the coder/hnsw
// pure Go HNSW graph. No CGO.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig
	path   string

	// ID mapping (chunk_id <-> uint64 graph key)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	// Per-chunk metadata, persisted with the ID maps. Drives filtered
	// search, DeleteByFilter, and EnumerateBySource.
	meta map[string]map[string]string

	closed bool
}

// hnswSidecar stores ID mappings and chunk metadata for persistence.
type hnswSidecar struct {
	IDMap   map[string]uint64
	Meta    map[string]map[string]string
	NextKey uint64
	Config  VectorStoreConfig
}

// OpenHNSWStore opens or creates the vector store at path. An existing index
// is loaded; a corrupt one is cleared with a warning so the caller can
// reindex. Empty path keeps the store in memory for tests.
func OpenHNSWStore(path string, cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 32
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	s := &HNSWStore{
		config: cfg,
		path:   path,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		meta:   make(map[string]map[string]string),
	}
	s.graph = newGraph(cfg)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := s.load(); err != nil {
				slog.Warn("vector_index_corrupted",
					slog.String("path", path),
					slog.String("error", err.Error()))
				if err := s.clearFiles(); err != nil {
					return nil, fmt.Errorf("vector index corrupted at %s and cannot clear: %w", path, err)
				}
				slog.Info("vector_index_cleared",
					slog.String("path", path),
					slog.String("reason", "corruption detected, please reindex"))
				s.reset()
			}
		}
	}

	return s, nil
}

func newGraph(cfg VectorStoreConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

func (s *HNSWStore) reset() {
	s.graph = newGraph(s.config)
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.meta = make(map[string]map[string]string)
	s.nextKey = 0
}

func (s *HNSWStore) clearFiles() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path + ".meta"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Upsert inserts or replaces vectors keyed by chunk_id.
// Existing IDs use lazy deletion: the old graph node is orphaned rather than
// removed, avoiding coder/hnsw issues when deleting the last node.
func (s *HNSWStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, rec := range records {
		if len(rec.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: s.config.Dimensions,
				Got:      len(rec.Vector),
			}
		}
	}

	for _, rec := range records {
		if existingKey, exists := s.idMap[rec.ChunkID]; exists {
			delete(s.keyMap, existingKey) // orphan the old node
			delete(s.idMap, rec.ChunkID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[rec.ChunkID] = key
		s.keyMap[key] = rec.ChunkID
		s.meta[rec.ChunkID] = copyMeta(rec.Metadata)
	}

	return nil
}

// Search finds the k nearest active vectors by descending similarity.
// When filter is non-empty the graph is over-queried so filtered hits can
// still fill k results.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: s.config.Dimensions,
			Got:      len(query),
		}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	// Orphaned and filtered-out nodes are skipped after the graph search,
	// so ask for extra candidates to compensate.
	fetch := k
	if len(filter) > 0 {
		fetch = k * 4
	}
	fetch += s.graph.Len() - len(s.idMap) // account for orphans
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(normalized, fetch)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		chunkID, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazily deleted
		}
		if !metaMatches(s.meta[chunkID], filter) {
			continue
		}

		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			ChunkID:    chunkID,
			Metadata:   copyMeta(s.meta[chunkID]),
			Similarity: distanceToScore(distance, s.config.Metric),
		})
		if len(results) >= k {
			break
		}
	}

	return results, nil
}

// Delete removes vectors by chunk_id using lazy deletion.
func (s *HNSWStore) Delete(ctx context.Context, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, id := range chunkIDs {
		s.deleteLocked(id)
	}
	return nil
}

func (s *HNSWStore) deleteLocked(chunkID string) bool {
	key, exists := s.idMap[chunkID]
	if !exists {
		return false
	}
	delete(s.keyMap, key)
	delete(s.idMap, chunkID)
	delete(s.meta, chunkID)
	return true
}

// DeleteByFilter removes every vector whose metadata matches the filter.
func (s *HNSWStore) DeleteByFilter(ctx context.Context, filter map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("vector store is closed")
	}
	if len(filter) == 0 {
		return 0, nil
	}

	var matched []string
	for id, meta := range s.meta {
		if metaMatches(meta, filter) {
			matched = append(matched, id)
		}
	}
	deleted := 0
	for _, id := range matched {
		if s.deleteLocked(id) {
			deleted++
		}
	}
	return deleted, nil
}

// EnumerateBySource returns the chunk IDs recorded for a source.
func (s *HNSWStore) EnumerateBySource(ctx context.Context, source, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}

	filter := sourceFilter(source, version)
	ids := make([]string, 0)
	for id, meta := range s.meta {
		if metaMatches(meta, filter) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AllIDs returns every active chunk ID. The consistency checker uses it to
// find vectors whose metadata row is gone.
func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the chunk_id has an active vector.
func (s *HNSWStore) Contains(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[chunkID]
	return exists
}

// Count returns the number of active vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Dimensions returns the configured vector dimension.
func (s *HNSWStore) Dimensions() int {
	return s.config.Dimensions
}

// Stats returns statistics including the orphan count left by lazy deletion.
func (s *HNSWStore) Stats() VectorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return VectorStats{}
	}
	return VectorStats{
		ValidIDs:   len(s.idMap),
		GraphNodes: s.graph.Len(),
		Orphans:    s.graph.Len() - len(s.idMap),
		Dimensions: s.config.Dimensions,
	}
}

// Save persists the graph and sidecar atomically (temp file + rename).
func (s *HNSWStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}
	if s.path == "" {
		return nil // in-memory store
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	if err := s.saveSidecar(s.path + ".meta"); err != nil {
		return fmt.Errorf("failed to save sidecar: %w", err)
	}
	return nil
}

// saveSidecar saves ID mappings and chunk metadata to a gob file.
func (s *HNSWStore) saveSidecar(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp sidecar file: %w", err)
	}

	sidecar := hnswSidecar{
		IDMap:   s.idMap,
		Meta:    s.meta,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close sidecar file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// load restores the graph and sidecar from disk.
func (s *HNSWStore) load() error {
	if err := s.loadSidecar(s.path + ".meta"); err != nil {
		return fmt.Errorf("failed to load sidecar: %w", err)
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

// loadSidecar restores ID mappings and metadata from the gob sidecar.
func (s *HNSWStore) loadSidecar(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sidecar file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close sidecar file", slog.String("error", err.Error()))
		}
	}()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}

	s.idMap = sidecar.IDMap
	s.meta = sidecar.Meta
	s.nextKey = sidecar.NextKey
	s.config = sidecar.Config
	s.graph = newGraph(s.config)
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	if s.meta == nil {
		s.meta = make(map[string]map[string]string)
	}
	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadVectorDimensions reads the dimension from an existing store's sidecar.
// Returns 0 if the sidecar doesn't exist (fresh collection).
func ReadVectorDimensions(vectorPath string) (int, error) {
	file, err := os.Open(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open vector sidecar: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close vector sidecar", slog.String("error", err.Error()))
		}
	}()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return 0, fmt.Errorf("failed to decode vector sidecar: %w", err)
	}
	return sidecar.Config.Dimensions, nil
}

var _ VectorStore = (*HNSWStore)(nil)

// metaMatches reports whether meta contains every (k, v) pair in filter.
func metaMatches(meta, filter map[string]string) bool {
	for k, want := range filter {
		if meta[k] != want {
			return false
		}
	}
	return true
}

// sourceFilter builds the metadata filter for a source lookup.
func sourceFilter(source, version string) map[string]string {
	filter := map[string]string{MetaSource: source}
	if version != "" {
		filter[MetaVersion] = version
	}
	return filter
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to a similarity score.
// Cosine distance ranges 0-2, mapped to similarity 1 - d/2.
func distanceToScore(distance float32, metric string) float64 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + float64(distance))
	default:
		return 1.0 - float64(distance)/2.0
	}
}
