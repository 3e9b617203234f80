package index

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/dedup"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/store"
)

const testDims = 4

// ============================================================================
// Fixtures
// ============================================================================

func newTestCatalog(t *testing.T) *store.Catalog {
	t.Helper()
	cat := store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func newTestIndexer(t *testing.T, cat *store.Catalog) *Indexer {
	t.Helper()
	return NewIndexer(cat, dedup.New(nil), nil, nil)
}

// docChunk builds a chunk the way the chunker would, with a derived
// chunk_id and content hash.
func docChunk(collection, source, text string, section, idx int) *store.Chunk {
	ck := &store.Chunk{
		ChunkID:      fingerprint.ChunkID(collection, source, section, idx),
		Collection:   collection,
		Source:       source,
		DocTitle:     "Guide",
		SectionTitle: "Overview",
		SectionIndex: section,
		ChunkIndex:   idx,
		Text:         text,
		TokenCount:   len(strings.Fields(text)),
		CreatedAt:    time.Now().UTC(),
	}
	ck.ContentHash = fingerprint.ContentHash(text, ck.HashMetadata())
	return ck
}

// unitVecs returns n axis-aligned vectors of the test dimension.
func unitVecs(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, testDims)
		v[i%testDims] = 1
		out[i] = v
	}
	return out
}

// fakeCache records tag invalidations.
type fakeCache struct {
	mu   sync.Mutex
	tags []string
}

func (f *fakeCache) Get(context.Context, cache.Family, string) ([]byte, bool) { return nil, false }

func (f *fakeCache) Set(context.Context, cache.Family, string, []byte, ...string) {}

func (f *fakeCache) InvalidateTag(_ context.Context, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tag)
}

func (f *fakeCache) Close() error { return nil }

func (f *fakeCache) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags...)
}

// ============================================================================
// Upsert
// ============================================================================

func TestIndexer_UpsertWritesAllStores(t *testing.T) {
	// Given: a collection and chunks from two sources
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{
		docChunk("docs", "a.md", "alpha text", 0, 0),
		docChunk("docs", "a.md", "beta text", 0, 1),
		docChunk("docs", "b.md", "gamma text", 0, 0),
	}

	// When: I upsert them
	res, err := ix.Upsert(context.Background(), "docs", chunks, unitVecs(3))
	require.NoError(t, err)

	// Then: every stage accepted the full batch
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 3, res.Vector)
	assert.Equal(t, 3, res.Lexical)
	assert.Equal(t, 3, res.Metadata)

	// And: the three stores agree
	assert.Equal(t, 3, coll.Vector.Count())
	lexCount, err := coll.Lexical.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, lexCount)
	metaCount, err := coll.Meta.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, metaCount)
	assert.True(t, coll.Vector.Contains(chunks[0].ChunkID))
}

func TestIndexer_UpsertSkipsDuplicateContent(t *testing.T) {
	// Given: chunks already indexed once
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{
		docChunk("docs", "a.md", "alpha text", 0, 0),
		docChunk("docs", "a.md", "beta text", 0, 1),
	}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(2))
	require.NoError(t, err)

	// When: the same content is upserted again
	res, err := ix.Upsert(context.Background(), "docs", chunks, unitVecs(2))
	require.NoError(t, err)

	// Then: everything is recognized and nothing is rewritten
	assert.Equal(t, 2, res.Received)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 2, coll.Vector.Count())
}

func TestIndexer_UpsertValidatesLengths(t *testing.T) {
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "a.md", "text", 0, 0)}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(2))

	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestIndexer_UpsertUnknownCollection(t *testing.T) {
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)

	chunks := []*store.Chunk{docChunk("ghost", "a.md", "text", 0, 0)}
	_, err := ix.Upsert(context.Background(), "ghost", chunks, unitVecs(1))
	assert.Error(t, err)
}

func TestIndexer_FailedUpsertIsRedoable(t *testing.T) {
	// Given: an upsert that fails at the vector stage
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "a.md", "alpha text", 0, 0)}
	wrong := [][]float32{{1, 0}} // wrong width for the collection

	res, err := ix.Upsert(context.Background(), "docs", chunks, wrong)
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeIndexFailed, ragerrors.GetCode(err))
	assert.Equal(t, 0, res.Vector)

	// When: the call is rerun with correct vectors
	res, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(1))
	require.NoError(t, err)

	// Then: the chunk is not mistaken for a duplicate; the failed call
	// never committed its hashes
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, coll.Vector.Count())
}

func TestIndexer_UpsertInvalidatesCachedAnswers(t *testing.T) {
	// Given: an indexer wired to a query cache
	cat := newTestCatalog(t)
	fc := &fakeCache{}
	ix := NewIndexer(cat, dedup.New(nil), fc, nil)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	// When: content changes
	chunks := []*store.Chunk{docChunk("docs", "a.md", "alpha text", 0, 0)}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(1))
	require.NoError(t, err)

	// Then: the collection's cache tag was invalidated
	assert.Contains(t, fc.invalidated(), cache.CollectionTag("docs"))
}

// ============================================================================
// Delete
// ============================================================================

func TestIndexer_DeleteBySourceClearsAllStores(t *testing.T) {
	// Given: two indexed sources
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{
		docChunk("docs", "a.md", "alpha text", 0, 0),
		docChunk("docs", "a.md", "beta text", 0, 1),
		docChunk("docs", "b.md", "gamma text", 0, 0),
	}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(3))
	require.NoError(t, err)

	// When: one source is deleted
	res, err := ix.DeleteBySource(context.Background(), "docs", "a.md", "")
	require.NoError(t, err)

	// Then: its chunks are gone from every store and the other source stays
	assert.Equal(t, 2, res.VectorDeleted)
	assert.Equal(t, 2, res.LexicalDeleted)
	assert.Equal(t, 2, res.MetadataDeleted)

	assert.Equal(t, 1, coll.Vector.Count())
	rows, err := coll.Meta.ListBySource(context.Background(), "a.md", "")
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = coll.Meta.ListBySource(context.Background(), "b.md", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIndexer_DeleteBySourceConvergesHalfIndexedSource(t *testing.T) {
	// Given: a source that only reached the vector and lexical stores,
	// as after a crash between stages
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	ck := docChunk("docs", "a.md", "alpha text", 0, 0)
	require.NoError(t, coll.Vector.Upsert(context.Background(), []store.VectorRecord{
		{ChunkID: ck.ChunkID, Vector: unitVecs(1)[0], Metadata: ck.IndexMetadata()},
	}))
	require.NoError(t, coll.Lexical.BulkUpsert(context.Background(), []*store.LexicalDoc{
		{ChunkID: ck.ChunkID, Text: ck.Text, Source: ck.Source},
	}))

	// When: the source is deleted
	res, err := ix.DeleteBySource(context.Background(), "docs", "a.md", "")
	require.NoError(t, err)

	// Then: each backend was enumerated independently and cleared
	assert.Equal(t, 1, res.VectorDeleted)
	assert.Equal(t, 1, res.LexicalDeleted)
	assert.Equal(t, 0, res.MetadataDeleted)
	assert.Equal(t, 0, coll.Vector.Count())
}

func TestIndexer_DeleteBySourceNothingIndexed(t *testing.T) {
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	res, err := ix.DeleteBySource(context.Background(), "docs", "ghost.md", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.VectorDeleted+res.LexicalDeleted+res.MetadataDeleted)
}

// ============================================================================
// Reindex
// ============================================================================

func TestIndexer_ReindexSourceReplacesChunks(t *testing.T) {
	// Given: a source indexed with three chunks
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	old := []*store.Chunk{
		docChunk("docs", "a.md", "first section", 0, 0),
		docChunk("docs", "a.md", "second section", 1, 0),
		docChunk("docs", "a.md", "third section", 2, 0),
	}
	_, err = ix.Upsert(context.Background(), "docs", old, unitVecs(3))
	require.NoError(t, err)

	// When: the file shrank to two edited chunks and is reindexed
	replacement := []*store.Chunk{
		docChunk("docs", "a.md", "first section edited", 0, 0),
		docChunk("docs", "a.md", "second section", 1, 0),
	}
	res, err := ix.ReindexSource(context.Background(), "docs", "a.md", replacement, unitVecs(2))
	require.NoError(t, err)

	// Then: exactly the new chunks remain; the dropped section is gone
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 2, coll.Vector.Count())
	assert.False(t, coll.Vector.Contains(old[2].ChunkID))

	rows, err := coll.Meta.ListBySource(context.Background(), "a.md", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestIndexer_ReindexSourceConvergesOnRerun(t *testing.T) {
	// Given: a source reindexed once
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "a.md", "alpha text", 0, 0)}
	_, err = ix.ReindexSource(context.Background(), "docs", "a.md", chunks, unitVecs(1))
	require.NoError(t, err)

	// When: the identical reindex runs again, as after a retried watch event
	res, err := ix.ReindexSource(context.Background(), "docs", "a.md", chunks, unitVecs(1))
	require.NoError(t, err)

	// Then: the final state is unchanged
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, coll.Vector.Count())
	metaCount, err := coll.Meta.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, metaCount)
}

func TestIndexer_ReindexSourceRejectsForeignChunks(t *testing.T) {
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "b.md", "text", 0, 0)}
	_, err = ix.ReindexSource(context.Background(), "docs", "a.md", chunks, unitVecs(1))

	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestIndexer_ReindexSourceWithNoChunksClearsSource(t *testing.T) {
	// Given: an indexed source
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "a.md", "alpha text", 0, 0)}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(1))
	require.NoError(t, err)

	// When: it is reindexed with nothing, as for a file emptied on disk
	res, err := ix.ReindexSource(context.Background(), "docs", "a.md", nil, nil)
	require.NoError(t, err)

	// Then: the source is gone
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 0, coll.Vector.Count())
}

// ============================================================================
// Dedup registry lifecycle
// ============================================================================

func TestIndexer_RegistryRehydratesAfterRestart(t *testing.T) {
	// Given: content indexed by a previous process
	cat := newTestCatalog(t)
	first := newTestIndexer(t, cat)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{
		docChunk("docs", "a.md", "alpha text", 0, 0),
		docChunk("docs", "a.md", "beta text", 0, 1),
	}
	_, err = first.Upsert(context.Background(), "docs", chunks, unitVecs(2))
	require.NoError(t, err)

	// When: a fresh indexer with an empty registry sees the same content
	second := newTestIndexer(t, cat)
	res, err := second.Upsert(context.Background(), "docs", chunks, unitVecs(2))
	require.NoError(t, err)

	// Then: the registry was rebuilt from the metadata store first
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 0, res.Indexed)
}

func TestIndexer_DropCollectionForgetsState(t *testing.T) {
	// Given: indexed content
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	_, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{docChunk("docs", "a.md", "alpha text", 0, 0)}
	_, err = ix.Upsert(context.Background(), "docs", chunks, unitVecs(1))
	require.NoError(t, err)

	// When: the collection is dropped and recreated empty
	ix.DropCollection("docs")
	require.NoError(t, cat.Drop(context.Background(), "docs"))
	_, err = cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	// Then: the old hashes are gone and the content indexes as new
	res, err := ix.Upsert(context.Background(), "docs", chunks, unitVecs(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 0, res.Duplicates)
}

// ============================================================================
// Migration
// ============================================================================

func TestIndexer_MigrateCollectionRederivesIdentity(t *testing.T) {
	// Given: a source collection with two sources under one model
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	embedder := embed.NewStaticEmbedderWithDimensions(testDims)
	_, err := cat.Ensure(context.Background(), "old", "m", testDims)
	require.NoError(t, err)

	chunks := []*store.Chunk{
		docChunk("old", "a.md", "alpha text", 0, 0),
		docChunk("old", "a.md", "beta text", 0, 1),
		docChunk("old", "b.md", "gamma text", 0, 0),
	}
	_, err = ix.Upsert(context.Background(), "old", chunks, unitVecs(3))
	require.NoError(t, err)

	// When: the collection is migrated to a new embedding model
	res, err := ix.MigrateCollection(context.Background(), "old", "new", embedder)
	require.NoError(t, err)

	// Then: every chunk arrived with an identity derived for the target
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.Duplicates)

	newColl, err := cat.Get(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "static", newColl.Manifest.ModelID)
	assert.Equal(t, 3, newColl.Vector.Count())

	for _, ck := range chunks {
		migrated := fingerprint.ChunkID("new", ck.Source, ck.SectionIndex, ck.ChunkIndex)
		assert.NotEqual(t, ck.ChunkID, migrated)
		assert.True(t, newColl.Vector.Contains(migrated), "missing migrated chunk for %s", ck.ChunkID)
		assert.False(t, newColl.Vector.Contains(ck.ChunkID), "source chunk_id leaked into target")
	}

	// And: the source collection was not written
	oldColl, err := cat.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, 3, oldColl.Vector.Count())
}

func TestIndexer_MigrateRejectsSameCollection(t *testing.T) {
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	embedder := embed.NewStaticEmbedderWithDimensions(testDims)

	_, err := ix.MigrateCollection(context.Background(), "docs", "docs", embedder)
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

// ============================================================================
// Concurrency
// ============================================================================

func TestIndexer_ConcurrentUpsertsSerializePerSource(t *testing.T) {
	// Given: many goroutines writing distinct content to the same source
	cat := newTestCatalog(t)
	ix := newTestIndexer(t, cat)
	coll, err := cat.Ensure(context.Background(), "docs", "m", testDims)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ck := docChunk("docs", "a.md", "text number "+strings.Repeat("x", n+1), 0, n)
			_, errs[n] = ix.Upsert(context.Background(), "docs", []*store.Chunk{ck}, unitVecs(1))
		}(i)
	}
	wg.Wait()

	// Then: every write landed exactly once
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	assert.Equal(t, writers, coll.Vector.Count())
	metaCount, err := coll.Meta.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writers, metaCount)
}
