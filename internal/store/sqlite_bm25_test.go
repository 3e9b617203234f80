package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemorySQLiteIndex(t *testing.T) *SQLiteLexicalIndex {
	t.Helper()
	idx, err := NewSQLiteLexicalIndex("", DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteLexicalIndex_UpsertAndSearch(t *testing.T) {
	// Given: three indexed documents
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "The deployment pipeline builds the container image", Source: "deploy.md"},
		{ChunkID: "c2", Text: "Kubernetes schedules pods onto worker nodes", Source: "k8s.md"},
		{ChunkID: "c3", Text: "The pipeline runs unit tests before deployment", Source: "deploy.md"},
	})
	require.NoError(t, err)

	// When: I search for "deployment pipeline"
	results, err := idx.Search(context.Background(), "deployment pipeline", 10, nil)
	require.NoError(t, err)

	// Then: both pipeline documents match, scores positive and descending
	require.GreaterOrEqual(t, len(results), 2)
	assert.Greater(t, results[0].Score, 0.0)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ChunkID)
	}
	assert.Contains(t, ids, "c1")
	assert.Contains(t, ids, "c3")
}

func TestSQLiteLexicalIndex_PartialTermOverlap(t *testing.T) {
	// Given: one document matching both query terms, one matching one
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "both", Text: "Configure retention policy for backup storage", Source: "a.md"},
		{ChunkID: "one", Text: "The retention window defaults to thirty days", Source: "b.md"},
		{ChunkID: "none", Text: "Unrelated text about logging levels", Source: "c.md"},
	})
	require.NoError(t, err)

	// When: I search "retention policy"
	results, err := idx.Search(context.Background(), "retention policy", 10, nil)
	require.NoError(t, err)

	// Then: the single-term match is still returned (OR semantics),
	// the two-term match ranks first
	require.Len(t, results, 2)
	assert.Equal(t, "both", results[0].ChunkID)
	assert.Equal(t, "one", results[1].ChunkID)
}

func TestSQLiteLexicalIndex_StopWordOnlyQuery(t *testing.T) {
	// Given: an indexed document
	idx := newMemorySQLiteIndex(t)
	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "Restart the service after upgrading", Source: "ops.md"},
	})
	require.NoError(t, err)

	// When: the query is nothing but stop words
	results, err := idx.Search(context.Background(), "the and of", 10, nil)

	// Then: no results, no error
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteLexicalIndex_SectionTitleMatches(t *testing.T) {
	// Given: a document whose section title carries the term
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "title-hit", Text: "Run the installer and follow the prompts", SectionTitle: "Troubleshooting", Source: "a.md"},
		{ChunkID: "no-hit", Text: "Billing is monthly per seat", SectionTitle: "Pricing", Source: "b.md"},
	})
	require.NoError(t, err)

	// When: I search for the section term
	results, err := idx.Search(context.Background(), "troubleshooting", 10, nil)

	// Then: the title match is found
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "title-hit", results[0].ChunkID)
}

func TestSQLiteLexicalIndex_FilteredSearch(t *testing.T) {
	// Given: the same term in two sources and two versions
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "g-v1", Text: "Install the agent with the setup script", Source: "guide.md", Version: "v1"},
		{ChunkID: "g-v2", Text: "Install the agent with the package manager", Source: "guide.md", Version: "v2"},
		{ChunkID: "f-1", Text: "Install failures usually mean missing permissions", Source: "faq.md"},
	})
	require.NoError(t, err)

	// When: I filter by source
	results, err := idx.Search(context.Background(), "install agent", 10,
		map[string]string{MetaSource: "guide.md"})
	require.NoError(t, err)

	// Then: only guide chunks match
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, []string{"g-v1", "g-v2"}, r.ChunkID)
	}

	// When: I also filter by version
	results, err = idx.Search(context.Background(), "install agent", 10,
		map[string]string{MetaSource: "guide.md", MetaVersion: "v2"})
	require.NoError(t, err)

	// Then: one chunk remains
	require.Len(t, results, 1)
	assert.Equal(t, "g-v2", results[0].ChunkID)
}

func TestSQLiteLexicalIndex_UpsertReplacesExisting(t *testing.T) {
	// Given: chunk "c1" indexed with old text
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "original text about walruses", Source: "a.md"},
	})
	require.NoError(t, err)

	// When: I upsert "c1" with new text
	err = idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "replacement text about penguins", Source: "a.md"},
	})
	require.NoError(t, err)

	// Then: count stays 1 and only the new text matches
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := idx.Search(context.Background(), "penguins", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = idx.Search(context.Background(), "walruses", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteLexicalIndex_Delete(t *testing.T) {
	// Given: two indexed documents
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "alpha bravo charlie", Source: "a.md"},
		{ChunkID: "c2", Text: "delta echo foxtrot", Source: "a.md"},
	})
	require.NoError(t, err)

	// When: I delete c1
	err = idx.Delete(context.Background(), []string{"c1"})
	require.NoError(t, err)

	// Then: c1 no longer matches, count is 1
	results, err := idx.Search(context.Background(), "alpha", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// And: deleting a missing ID is a no-op
	require.NoError(t, idx.Delete(context.Background(), []string{"ghost"}))
}

func TestSQLiteLexicalIndex_DeleteBySource(t *testing.T) {
	// Given: three documents across two sources
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "g1", Text: "guide part one", Source: "guide.md", Version: "v1"},
		{ChunkID: "g2", Text: "guide part two", Source: "guide.md", Version: "v2"},
		{ChunkID: "f1", Text: "faq entry", Source: "faq.md"},
	})
	require.NoError(t, err)

	// When: I delete guide.md v1 only
	deleted, err := idx.DeleteBySource(context.Background(), "guide.md", "v1")
	require.NoError(t, err)

	// Then: one went away
	assert.Equal(t, 1, deleted)

	// When: I delete the rest of guide.md
	deleted, err = idx.DeleteBySource(context.Background(), "guide.md", "")
	require.NoError(t, err)

	// Then: one more went away, faq untouched
	assert.Equal(t, 1, deleted)
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// And: deleting an unknown source reports zero
	deleted, err = idx.DeleteBySource(context.Background(), "ghost.md", "")
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestSQLiteLexicalIndex_EnumerateBySource(t *testing.T) {
	// Given: documents across sources and versions
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "g1", Text: "one", Source: "guide.md", Version: "v1"},
		{ChunkID: "g2", Text: "two", Source: "guide.md", Version: "v2"},
		{ChunkID: "f1", Text: "three", Source: "faq.md"},
	})
	require.NoError(t, err)

	// When/Then: no version returns all of the source, sorted
	ids, err := idx.EnumerateBySource(context.Background(), "guide.md", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids)

	// When/Then: version narrows
	ids, err = idx.EnumerateBySource(context.Background(), "guide.md", "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, ids)
}

func TestSQLiteLexicalIndex_EmptyQuery(t *testing.T) {
	idx := newMemorySQLiteIndex(t)

	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "something indexed", Source: "a.md"},
	})
	require.NoError(t, err)

	for _, q := range []string{"", "   ", "\t\n"} {
		results, err := idx.Search(context.Background(), q, 10, nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestSQLiteLexicalIndex_EmptyAndNilBatches(t *testing.T) {
	idx := newMemorySQLiteIndex(t)

	require.NoError(t, idx.BulkUpsert(context.Background(), nil))
	require.NoError(t, idx.BulkUpsert(context.Background(), []*LexicalDoc{}))
	require.NoError(t, idx.Delete(context.Background(), nil))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLiteLexicalIndex_MatchedTerms(t *testing.T) {
	// Given: an indexed document
	idx := newMemorySQLiteIndex(t)
	err := idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "rotate credentials every ninety days", Source: "sec.md"},
	})
	require.NoError(t, err)

	// When: I search with stop words mixed in
	results, err := idx.Search(context.Background(), "the rotate credentials", 10, nil)
	require.NoError(t, err)

	// Then: matched terms carry the content words only
	require.Len(t, results, 1)
	assert.ElementsMatch(t, []string{"rotate", "credentials"}, results[0].MatchedTerms)
}

func TestSQLiteLexicalIndex_PersistenceRoundTrip(t *testing.T) {
	// Given: an on-disk index with one document
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "lexical.db")

	idx1, err := NewSQLiteLexicalIndex(path, DefaultBM25Config())
	require.NoError(t, err)

	err = idx1.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "persisted document about quotas", Source: "a.md"},
	})
	require.NoError(t, err)
	require.NoError(t, idx1.Close())

	// When: I reopen the index
	idx2, err := NewSQLiteLexicalIndex(path, DefaultBM25Config())
	require.NoError(t, err)
	defer func() { _ = idx2.Close() }()

	// Then: the document is still searchable
	results, err := idx2.Search(context.Background(), "quotas", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestSQLiteLexicalIndex_CorruptFileCleared(t *testing.T) {
	// Given: garbage bytes at the index path
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "lexical.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite"), 0o644))

	// When: I open the index
	idx, err := NewSQLiteLexicalIndex(path, DefaultBM25Config())

	// Then: it starts empty and is usable
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	err = idx.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "fresh start", Source: "a.md"},
	})
	require.NoError(t, err)
}

func TestSQLiteLexicalIndex_ValidIndexNotCleared(t *testing.T) {
	// Given: a healthy on-disk index
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "lexical.db")

	idx1, err := NewSQLiteLexicalIndex(path, DefaultBM25Config())
	require.NoError(t, err)
	err = idx1.BulkUpsert(context.Background(), []*LexicalDoc{
		{ChunkID: "c1", Text: "survives reopen", Source: "a.md"},
	})
	require.NoError(t, err)
	require.NoError(t, idx1.Close())

	// When: the integrity check runs on reopen
	require.NoError(t, validateSQLiteIntegrity(path))
	idx2, err := NewSQLiteLexicalIndex(path, DefaultBM25Config())
	require.NoError(t, err)
	defer func() { _ = idx2.Close() }()

	// Then: nothing was cleared
	count, err := idx2.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteLexicalIndex_CloseIdempotent(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultBM25Config())
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	// And: operations after close fail cleanly
	_, err = idx.Search(context.Background(), "anything", 10, nil)
	assert.Error(t, err)
	_, err = idx.Count()
	assert.Error(t, err)
}

func TestSQLiteLexicalIndex_ConcurrentReadsDuringWrites(t *testing.T) {
	// Given: a seeded index
	idx := newMemorySQLiteIndex(t)

	seed := make([]*LexicalDoc, 0, 50)
	for i := 0; i < 50; i++ {
		seed = append(seed, &LexicalDoc{
			ChunkID: fmt.Sprintf("seed-%02d", i),
			Text:    fmt.Sprintf("document number %d mentions replication", i),
			Source:  "seed.md",
		})
	}
	require.NoError(t, idx.BulkUpsert(context.Background(), seed))

	// When: writers and readers run concurrently
	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			docs := []*LexicalDoc{{
				ChunkID: fmt.Sprintf("writer-%d", w),
				Text:    "concurrent write mentions replication",
				Source:  "writers.md",
			}}
			if err := idx.BulkUpsert(context.Background(), docs); err != nil {
				errCh <- err
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := idx.Search(context.Background(), "replication", 5, nil); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	// Then: no operation failed
	for err := range errCh {
		t.Errorf("concurrent operation failed: %v", err)
	}
}
