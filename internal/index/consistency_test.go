package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/embed"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// seedCollection indexes three chunks across two sources and returns the
// collection handle plus the chunks.
func seedCollection(t *testing.T) (*store.Collection, []*store.Chunk) {
	t.Helper()
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
	return coll, chunks
}

func TestChecker_CleanCollection(t *testing.T) {
	// Given: a collection written through the indexer
	coll, _ := seedCollection(t)

	// When: a full scan runs
	res, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	// Then: the stores agree
	assert.True(t, res.Consistent())
	assert.Equal(t, 3, res.MetadataCount)
	assert.Equal(t, 3, res.VectorCount)
	assert.Equal(t, 3, res.LexicalCount)
	assert.Empty(t, res.Issues)
}

func TestChecker_DetectsMissingVector(t *testing.T) {
	// Given: a vector lost without its metadata row, as after a crash
	// before the dense index was saved
	coll, chunks := seedCollection(t)
	require.NoError(t, coll.Vector.Delete(context.Background(), []string{chunks[0].ChunkID}))

	// When: a full scan runs
	res, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	// Then: exactly that chunk is reported missing from the vector index
	assert.False(t, res.Consistent())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, MissingVector, res.Issues[0].Kind)
	assert.Equal(t, chunks[0].ChunkID, res.Issues[0].ChunkID)
}

func TestChecker_DetectsMissingLexical(t *testing.T) {
	// Given: a lexical document deleted out from under its row
	coll, chunks := seedCollection(t)
	require.NoError(t, coll.Lexical.Delete(context.Background(), []string{chunks[1].ChunkID}))

	res, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Consistent())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, MissingLexical, res.Issues[0].Kind)
	assert.Equal(t, chunks[1].ChunkID, res.Issues[0].ChunkID)
}

func TestChecker_DetectsOrphanVector(t *testing.T) {
	// Given: a vector written without a metadata row
	coll, _ := seedCollection(t)
	stray := docChunk("docs", "stray.md", "stray text", 0, 0)
	require.NoError(t, coll.Vector.Upsert(context.Background(), []store.VectorRecord{
		{ChunkID: stray.ChunkID, Vector: unitVecs(1)[0], Metadata: stray.IndexMetadata()},
	}))

	res, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Consistent())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, OrphanVector, res.Issues[0].Kind)
	assert.Equal(t, stray.ChunkID, res.Issues[0].ChunkID)
}

func TestChecker_DetectsOrphanLexical(t *testing.T) {
	// Given: a lexical document for a source that still has rows, but for
	// a chunk the metadata does not know
	coll, _ := seedCollection(t)
	stray := docChunk("docs", "a.md", "stray text", 7, 0)
	require.NoError(t, coll.Lexical.BulkUpsert(context.Background(), []*store.LexicalDoc{
		{ChunkID: stray.ChunkID, Text: stray.Text, Source: "a.md"},
	}))

	res, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Consistent())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, OrphanLexical, res.Issues[0].Kind)
	assert.Equal(t, stray.ChunkID, res.Issues[0].ChunkID)
}

func TestChecker_ReportIsDeterministic(t *testing.T) {
	// Given: several kinds of drift at once
	coll, chunks := seedCollection(t)
	require.NoError(t, coll.Vector.Delete(context.Background(), []string{chunks[0].ChunkID}))
	require.NoError(t, coll.Lexical.Delete(context.Background(), []string{chunks[1].ChunkID}))

	// When: the scan runs twice
	first, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)
	second, err := NewChecker(coll, nil).Check(context.Background())
	require.NoError(t, err)

	// Then: the reports are identical
	assert.Equal(t, first.Issues, second.Issues)
}

func TestChecker_QuickCheck(t *testing.T) {
	coll, chunks := seedCollection(t)
	checker := NewChecker(coll, nil)

	ok, err := checker.QuickCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, coll.Vector.Delete(context.Background(), []string{chunks[0].ChunkID}))

	ok, err = checker.QuickCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChecker_RepairRestoresDrift(t *testing.T) {
	// Given: one missing vector, one missing lexical document, and one
	// orphan vector
	coll, chunks := seedCollection(t)
	require.NoError(t, coll.Vector.Delete(context.Background(), []string{chunks[0].ChunkID}))
	require.NoError(t, coll.Lexical.Delete(context.Background(), []string{chunks[1].ChunkID}))
	stray := docChunk("docs", "stray.md", "stray text", 0, 0)
	require.NoError(t, coll.Vector.Upsert(context.Background(), []store.VectorRecord{
		{ChunkID: stray.ChunkID, Vector: unitVecs(1)[0], Metadata: stray.IndexMetadata()},
	}))

	checker := NewChecker(coll, nil)
	res, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Issues, 3)

	// When: the issues are repaired with an embedder available
	embedder := embed.NewStaticEmbedderWithDimensions(testDims)
	rep, err := checker.Repair(context.Background(), res.Issues, embedder)
	require.NoError(t, err)

	// Then: the orphan is gone and the missing entries are restored from
	// their metadata rows
	assert.Equal(t, 1, rep.OrphansRemoved)
	assert.Equal(t, 1, rep.VectorsRestored)
	assert.Equal(t, 1, rep.LexicalRestored)
	assert.Equal(t, 0, rep.VectorsSkipped)

	after, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, after.Consistent(), "issues remain: %v", after.Issues)
}

func TestChecker_RepairWithoutEmbedderSkipsVectors(t *testing.T) {
	// Given: a missing vector and no embedder to rebuild it
	coll, chunks := seedCollection(t)
	require.NoError(t, coll.Vector.Delete(context.Background(), []string{chunks[0].ChunkID}))

	checker := NewChecker(coll, nil)
	res, err := checker.Check(context.Background())
	require.NoError(t, err)

	// When: repair runs without an embedder
	rep, err := checker.Repair(context.Background(), res.Issues, nil)
	require.NoError(t, err)

	// Then: the vector is counted as skipped, not silently dropped
	assert.Equal(t, 1, rep.VectorsSkipped)
	assert.Equal(t, 0, rep.VectorsRestored)
	assert.False(t, coll.Vector.Contains(chunks[0].ChunkID))
}

func TestChecker_RepairNothingToDo(t *testing.T) {
	coll, _ := seedCollection(t)
	checker := NewChecker(coll, nil)

	rep, err := checker.Repair(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, &RepairResult{}, rep)
}
