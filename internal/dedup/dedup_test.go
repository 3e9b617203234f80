package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/store"
)

func testChunk(id, hash string) *store.Chunk {
	return &store.Chunk{
		ChunkID:     id,
		Collection:  "docs",
		Source:      "guide.md",
		Text:        "text for " + id,
		ContentHash: hash,
	}
}

// ============================================================================
// Classification
// ============================================================================

func TestClassify_NewChunksAreUnique(t *testing.T) {
	d := New(nil)
	chunks := []*store.Chunk{testChunk("c1", "h1"), testChunk("c2", "h2")}

	unique, duplicates := d.Classify("docs", chunks)

	assert.Len(t, unique, 2)
	assert.Empty(t, duplicates)
}

func TestClassify_RegisteredHashIsDuplicate(t *testing.T) {
	// Given: a committed chunk
	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h1")})

	// When: the same content arrives again under a new ID
	unique, duplicates := d.Classify("docs", []*store.Chunk{testChunk("c9", "h1")})

	// Then: it is a duplicate carrying the existing ID
	assert.Empty(t, unique)
	require.Len(t, duplicates, 1)
	assert.Equal(t, "c9", duplicates[0].Chunk.ChunkID)
	assert.Equal(t, "c1", duplicates[0].ExistingID)
}

func TestClassify_SameBatchCollapsesToFirst(t *testing.T) {
	d := New(nil)
	chunks := []*store.Chunk{
		testChunk("c1", "h1"),
		testChunk("c2", "h1"),
		testChunk("c3", "h2"),
	}

	unique, duplicates := d.Classify("docs", chunks)

	require.Len(t, unique, 2)
	assert.Equal(t, "c1", unique[0].ChunkID)
	assert.Equal(t, "c3", unique[1].ChunkID)
	require.Len(t, duplicates, 1)
	assert.Equal(t, "c2", duplicates[0].Chunk.ChunkID)
	assert.Equal(t, "c1", duplicates[0].ExistingID)
}

func TestClassify_DoesNotMutateRegistry(t *testing.T) {
	// Classify alone must not register anything; only Commit does.
	d := New(nil)

	d.Classify("docs", []*store.Chunk{testChunk("c1", "h1")})
	unique, duplicates := d.Classify("docs", []*store.Chunk{testChunk("c1", "h1")})

	assert.Len(t, unique, 1)
	assert.Empty(t, duplicates)
	assert.Zero(t, d.Entries("docs"))
}

func TestClassify_CollectionsAreIsolated(t *testing.T) {
	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h1")})

	unique, duplicates := d.Classify("wiki", []*store.Chunk{testChunk("c2", "h1")})

	assert.Len(t, unique, 1)
	assert.Empty(t, duplicates)
}

func TestClassify_EmptyHashPassesThrough(t *testing.T) {
	d := New(nil)
	chunks := []*store.Chunk{testChunk("c1", ""), testChunk("c2", "")}

	unique, duplicates := d.Classify("docs", chunks)

	assert.Len(t, unique, 2)
	assert.Empty(t, duplicates)
}

// ============================================================================
// Commit and Forget
// ============================================================================

func TestCommit_ReplacingChunkIDDropsStaleHash(t *testing.T) {
	// Given: chunk c1 committed with hash h1
	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h1")})

	// When: the same position returns with new content
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h2")})

	// Then: the old hash is forgotten and the new one registers
	unique, _ := d.Classify("docs", []*store.Chunk{testChunk("x1", "h1")})
	assert.Len(t, unique, 1, "stale hash should have been dropped")

	_, duplicates := d.Classify("docs", []*store.Chunk{testChunk("x2", "h2")})
	require.Len(t, duplicates, 1)
	assert.Equal(t, "c1", duplicates[0].ExistingID)

	assert.Equal(t, 1, d.Entries("docs"))
}

func TestForget_RemovesByChunkID(t *testing.T) {
	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h1"), testChunk("c2", "h2")})

	d.Forget("docs", []string{"c1", "unknown"})

	unique, _ := d.Classify("docs", []*store.Chunk{testChunk("x1", "h1")})
	assert.Len(t, unique, 1)
	_, duplicates := d.Classify("docs", []*store.Chunk{testChunk("x2", "h2")})
	assert.Len(t, duplicates, 1)
	assert.Equal(t, 1, d.Entries("docs"))
}

func TestDropCollection_ForgetsOnlyThatCollection(t *testing.T) {
	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("c1", "h1")})
	d.Commit("wiki", []*store.Chunk{testChunk("c2", "h2")})

	d.DropCollection("docs")

	assert.Zero(t, d.Entries("docs"))
	assert.Equal(t, 1, d.Entries("wiki"))
}

// ============================================================================
// Rehydration
// ============================================================================

func TestRehydrate_LoadsHashesFromMetadataStore(t *testing.T) {
	// Given: a metadata store holding two chunk rows
	meta, err := store.NewSQLiteMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	rows := []*store.Chunk{testChunk("c1", "h1"), testChunk("c2", "h2")}
	require.NoError(t, meta.SaveChunks(context.Background(), rows))

	// When: a fresh deduper rehydrates from it
	d := New(nil)
	require.NoError(t, d.Rehydrate(context.Background(), "docs", meta))

	// Then: previously indexed content classifies as duplicate
	assert.Equal(t, 2, d.Entries("docs"))
	_, duplicates := d.Classify("docs", []*store.Chunk{testChunk("x1", "h1")})
	require.Len(t, duplicates, 1)
	assert.Equal(t, "c1", duplicates[0].ExistingID)
}

func TestRehydrate_ReplacesExistingRegistry(t *testing.T) {
	meta, err := store.NewSQLiteMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	require.NoError(t, meta.SaveChunks(context.Background(), []*store.Chunk{testChunk("c1", "h1")}))

	d := New(nil)
	d.Commit("docs", []*store.Chunk{testChunk("old", "stale-hash")})

	require.NoError(t, d.Rehydrate(context.Background(), "docs", meta))

	unique, _ := d.Classify("docs", []*store.Chunk{testChunk("x1", "stale-hash")})
	assert.Len(t, unique, 1)
	assert.Equal(t, 1, d.Entries("docs"))
}

// ============================================================================
// Stats
// ============================================================================

func TestStats_TracksLifetimeDuplicateRate(t *testing.T) {
	// Given: three chunks committed
	d := New(nil)
	chunks := []*store.Chunk{
		testChunk("c1", "h1"),
		testChunk("c2", "h2"),
		testChunk("c3", "h3"),
	}
	unique, _ := d.Classify("docs", chunks)
	d.Commit("docs", unique)

	// When: the identical batch is classified again
	d.Classify("docs", chunks)

	// Then: the rate is duplicates over everything ever seen
	stats := d.Stats()
	assert.Equal(t, 1, stats.Collections)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(6), stats.TotalSeen)
	assert.Equal(t, int64(3), stats.Duplicates)
	assert.InDelta(t, 0.5, stats.DuplicateRate, 1e-9)
}

func TestStats_EmptyDeduper(t *testing.T) {
	stats := New(nil).Stats()

	assert.Zero(t, stats.TotalSeen)
	assert.Zero(t, stats.DuplicateRate)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestDeduper_ConcurrentClassifyAndCommit(t *testing.T) {
	d := New(nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ck := testChunk(
					fmt.Sprintf("c-%d-%d", g, i),
					fmt.Sprintf("h-%d", i))
				unique, _ := d.Classify("docs", []*store.Chunk{ck})
				d.Commit("docs", unique)
			}
		}(g)
	}
	wg.Wait()

	// Every distinct hash registered exactly once.
	assert.Equal(t, 50, d.Entries("docs"))
	assert.Equal(t, int64(8*50), d.Stats().TotalSeen)
}
