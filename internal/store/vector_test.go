package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSWStore_UpsertAndSearch(t *testing.T) {
	// Given: empty in-memory vector store with 4 dimensions
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	// And: vectors a=[1,0,0,0], b=[0,1,0,0], c=[0.9,0.1,0,0]
	records := []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "b", Vector: []float32{0, 1, 0, 0}},
		{ChunkID: "c", Vector: []float32{0.9, 0.1, 0, 0}},
	}

	// When: I upsert all vectors
	err = store.Upsert(context.Background(), records)
	require.NoError(t, err)

	// And: I search for [1,0,0,0] with k=2
	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)

	// Then: results are ["a", "c"] in that order (a exact, c near)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "c", results[1].ChunkID)

	// And: similarity is descending with "a" near 1.0
	assert.Greater(t, results[0].Similarity, 0.99)
	assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)
}

func TestHNSWStore_UpsertReplacesExisting(t *testing.T) {
	// Given: a store with chunk "a" = [1,0,0,0]
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)

	// When: I upsert "a" = [0,1,0,0]
	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{0, 1, 0, 0}},
	})
	require.NoError(t, err)

	// Then: Count() is still 1 (idempotent by chunk_id)
	assert.Equal(t, 1, store.Count())

	// And: searching [0,1,0,0] finds the replacement with high similarity
	results, err := store.Search(context.Background(), []float32{0, 1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Greater(t, results[0].Similarity, 0.99)
}

func TestHNSWStore_DimensionMismatch(t *testing.T) {
	// Given: a store configured for 4 dimensions
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	// When: I upsert a 3-dimensional vector
	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "bad", Vector: []float32{1, 0, 0}},
	})

	// Then: the error names both dimensions
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Got)

	// And: searching with the wrong query width fails the same way
	_, err = store.Search(context.Background(), []float32{1, 0}, 1, nil)
	require.ErrorAs(t, err, &dimErr)
}

func TestHNSWStore_Delete(t *testing.T) {
	// Given: a store with chunks "a" and "b"
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "b", Vector: []float32{0, 1, 0, 0}},
	})
	require.NoError(t, err)

	// When: I delete "a"
	err = store.Delete(context.Background(), []string{"a"})
	require.NoError(t, err)

	// Then: "a" is gone and "b" remains
	assert.False(t, store.Contains("a"))
	assert.True(t, store.Contains("b"))
	assert.Equal(t, 1, store.Count())

	// And: search never returns the deleted chunk
	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ChunkID)
	}

	// And: deleting an unknown ID is a no-op
	err = store.Delete(context.Background(), []string{"nope"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count())
}

func TestHNSWStore_FilteredSearch(t *testing.T) {
	// Given: chunks from two sources
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "guide-1", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"source": "guide.md"}},
		{ChunkID: "guide-2", Vector: []float32{0.9, 0.1, 0, 0}, Metadata: map[string]string{"source": "guide.md"}},
		{ChunkID: "faq-1", Vector: []float32{0.95, 0.05, 0, 0}, Metadata: map[string]string{"source": "faq.md"}},
	})
	require.NoError(t, err)

	// When: I search with a source filter
	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 3,
		map[string]string{"source": "guide.md"})
	require.NoError(t, err)

	// Then: only guide chunks come back, still ordered by similarity
	require.Len(t, results, 2)
	assert.Equal(t, "guide-1", results[0].ChunkID)
	assert.Equal(t, "guide-2", results[1].ChunkID)

	// And: the filter key is present in returned metadata
	assert.Equal(t, "guide.md", results[0].Metadata["source"])
}

func TestHNSWStore_DeleteByFilter(t *testing.T) {
	// Given: two sources with two chunks each
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "g1", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"source": "guide.md", "version": "v1"}},
		{ChunkID: "g2", Vector: []float32{0, 1, 0, 0}, Metadata: map[string]string{"source": "guide.md", "version": "v2"}},
		{ChunkID: "f1", Vector: []float32{0, 0, 1, 0}, Metadata: map[string]string{"source": "faq.md", "version": "v1"}},
	})
	require.NoError(t, err)

	// When: I delete everything from guide.md v1
	deleted, err := store.DeleteByFilter(context.Background(),
		map[string]string{"source": "guide.md", "version": "v1"})
	require.NoError(t, err)

	// Then: exactly one chunk went away
	assert.Equal(t, 1, deleted)
	assert.False(t, store.Contains("g1"))
	assert.True(t, store.Contains("g2"))
	assert.True(t, store.Contains("f1"))
}

func TestHNSWStore_EnumerateBySource(t *testing.T) {
	// Given: chunks across sources and versions
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "g1", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"source": "guide.md", "version": "v1"}},
		{ChunkID: "g2", Vector: []float32{0, 1, 0, 0}, Metadata: map[string]string{"source": "guide.md", "version": "v2"}},
		{ChunkID: "f1", Vector: []float32{0, 0, 1, 0}, Metadata: map[string]string{"source": "faq.md"}},
	})
	require.NoError(t, err)

	// When: I enumerate guide.md without a version
	ids, err := store.EnumerateBySource(context.Background(), "guide.md", "")
	require.NoError(t, err)

	// Then: both versions are included
	assert.ElementsMatch(t, []string{"g1", "g2"}, ids)

	// When: I enumerate guide.md v1 only
	ids, err = store.EnumerateBySource(context.Background(), "guide.md", "v1")
	require.NoError(t, err)

	// Then: only the matching version comes back
	assert.Equal(t, []string{"g1"}, ids)
}

func TestHNSWStore_Persistence(t *testing.T) {
	// Given: a store persisted to disk with metadata
	tmpDir := t.TempDir()
	indexPath := filepath.Join(tmpDir, "vector")

	store1, err := OpenHNSWStore(indexPath, DefaultVectorStoreConfig(4))
	require.NoError(t, err)

	err = store1.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"source": "a.md"}},
		{ChunkID: "b", Vector: []float32{0, 1, 0, 0}, Metadata: map[string]string{"source": "b.md"}},
	})
	require.NoError(t, err)

	// When: I save and close, then reopen
	require.NoError(t, store1.Save())
	require.NoError(t, store1.Close())

	store2, err := OpenHNSWStore(indexPath, DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	// Then: the reloaded store answers searches with metadata intact
	assert.Equal(t, 2, store2.Count())
	results, err := store2.Search(context.Background(), []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "a.md", results[0].Metadata["source"])

	// And: the stored dimension is readable without opening the graph
	dims, err := ReadVectorDimensions(indexPath)
	require.NoError(t, err)
	assert.Equal(t, 4, dims)
}

func TestHNSWStore_CorruptIndexCleared(t *testing.T) {
	// Given: garbage bytes where the index file should be
	tmpDir := t.TempDir()
	indexPath := filepath.Join(tmpDir, "vector")
	require.NoError(t, os.WriteFile(indexPath, []byte("not an hnsw graph"), 0o644))
	require.NoError(t, os.WriteFile(indexPath+".meta", []byte("not a sidecar"), 0o644))

	// When: I open the store
	store, err := OpenHNSWStore(indexPath, DefaultVectorStoreConfig(4))

	// Then: the corrupt files are cleared and the store starts empty
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	assert.Equal(t, 0, store.Count())

	// And: the store is usable after the reset
	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save())
}

func TestHNSWStore_StatsTracksOrphans(t *testing.T) {
	// Given: three chunks, one deleted and one replaced
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "b", Vector: []float32{0, 1, 0, 0}},
		{ChunkID: "c", Vector: []float32{0, 0, 1, 0}},
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), []string{"b"}))
	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "c", Vector: []float32{0, 0, 0, 1}},
	})
	require.NoError(t, err)

	// When: I read stats
	stats := store.Stats()

	// Then: active IDs and orphaned graph nodes are both visible
	assert.Equal(t, 2, stats.ValidIDs)
	assert.Equal(t, 4, stats.GraphNodes)
	assert.Equal(t, 2, stats.Orphans)
	assert.Equal(t, 4, stats.Dimensions)
}

func TestHNSWStore_SearchEmptyStore(t *testing.T) {
	// Given: an empty store
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	// When: I search
	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 5, nil)

	// Then: empty result set, no error
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWStore_SearchKLargerThanCount(t *testing.T) {
	// Given: two chunks
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
		{ChunkID: "b", Vector: []float32{0, 1, 0, 0}},
	})
	require.NoError(t, err)

	// When: I ask for ten
	results, err := store.Search(context.Background(), []float32{1, 0, 0, 0}, 10, nil)

	// Then: I get the two that exist
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestHNSWStore_ClosedStoreRejectsOperations(t *testing.T) {
	// Given: a closed store
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// When/Then: mutations and searches fail
	err = store.Upsert(context.Background(), []VectorRecord{
		{ChunkID: "a", Vector: []float32{1, 0, 0, 0}},
	})
	assert.Error(t, err)

	_, err = store.Search(context.Background(), []float32{1, 0, 0, 0}, 1, nil)
	assert.Error(t, err)

	// And: closing again is fine
	assert.NoError(t, store.Close())
}

func TestHNSWStore_ManyVectorsRecallAfterChurn(t *testing.T) {
	// Given: 200 spread-out vectors with deletions mixed in
	store, err := OpenHNSWStore("", DefaultVectorStoreConfig(8))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	records := make([]VectorRecord, 0, 200)
	for i := 0; i < 200; i++ {
		vec := make([]float32, 8)
		vec[i%8] = 1
		vec[(i+3)%8] = float32(i%7) / 10
		records = append(records, VectorRecord{
			ChunkID: fmt.Sprintf("chunk-%03d", i),
			Vector:  vec,
		})
	}
	require.NoError(t, store.Upsert(context.Background(), records))

	var toDelete []string
	for i := 0; i < 200; i += 5 {
		toDelete = append(toDelete, fmt.Sprintf("chunk-%03d", i))
	}
	require.NoError(t, store.Delete(context.Background(), toDelete))

	// When: I search after the churn
	results, err := store.Search(context.Background(), []float32{0, 1, 0, 0, 0, 0, 0, 0}, 10, nil)
	require.NoError(t, err)

	// Then: k results come back and none of them were deleted
	require.Len(t, results, 10)
	deleted := make(map[string]bool, len(toDelete))
	for _, id := range toDelete {
		deleted[id] = true
	}
	for _, r := range results {
		assert.False(t, deleted[r.ChunkID], "deleted chunk %s surfaced", r.ChunkID)
	}
}
