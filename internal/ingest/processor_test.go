package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/chunk"
	"github.com/Aman-CERP/ragserve/internal/config"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/token"
)

// wordCounter counts whitespace-separated words as tokens, which makes
// budget arithmetic exact in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

var _ token.Counter = wordCounter{}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxFileSizeMB:    1,
		AllowedFileTypes: []string{"pdf", "txt", "md", "markdown"},
		ChunkSize:        200,
		ChunkOverlap:     20,
		Workers:          4,
	}
}

func testProcessor(opts ...Option) *Processor {
	base := []Option{WithChunker(chunk.NewChunkerWithOptions(chunk.Options{
		ChunkSize:    200,
		ChunkOverlap: 20,
		Counter:      wordCounter{},
	}))}
	return NewProcessor(testConfig(), append(base, opts...)...)
}

func writeDocs(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// ============================================================================
// Single File Processing
// ============================================================================

func TestProcess_MarkdownEndToEnd(t *testing.T) {
	// Given: a markdown document with frontmatter and two sections
	p := testProcessor()
	text := "---\nauthor: docs team\n---\n\n# Install Guide\n\nRun the installer.\n\n## Verify\n\nCheck the version output.\n"

	// When: processing
	chunks, err := p.Process(context.Background(), "docs", "guides/install.md", "v1", []byte(text))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Then: chunks carry provenance and document metadata
	first := chunks[0]
	assert.Equal(t, "docs", first.Collection)
	assert.Equal(t, "guides/install.md", first.Source)
	assert.Equal(t, "v1", first.Version)
	assert.Equal(t, "Install Guide", first.DocTitle)
	assert.Equal(t, "docs team", first.Metadata["author"])
	assert.Equal(t, "markdown", first.Metadata["file_type"])
	assert.Equal(t, "install.md", first.Metadata["file_name"])

	titles := make(map[string]bool)
	for _, ck := range chunks {
		titles[ck.SectionTitle] = true
	}
	assert.True(t, titles["Install Guide"])
	assert.True(t, titles["Verify"])
}

func TestProcess_PlainTextDefaultSection(t *testing.T) {
	p := testProcessor()

	chunks, err := p.Process(context.Background(), "docs", "notes.txt", "", []byte("Line one.\nLine two.\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, "Introduction", chunks[0].SectionTitle)
	assert.Equal(t, "text", chunks[0].Metadata["file_type"])
}

func TestProcess_EmptyExtractionReturnsNoChunks(t *testing.T) {
	p := testProcessor()

	for _, data := range [][]byte{nil, []byte("   \n\t\n")} {
		chunks, err := p.Process(context.Background(), "docs", "empty.txt", "", data)
		require.NoError(t, err)
		assert.Nil(t, chunks)
	}
}

func TestProcess_OversizeRejected(t *testing.T) {
	// Config caps files at 1MB
	p := testProcessor()
	data := bytes.Repeat([]byte{'a'}, 1<<20+1)

	_, err := p.Process(context.Background(), "docs", "big.txt", "", data)
	require.Error(t, err)

	var se *ragerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ragerrors.ErrCodeFileTooLarge, se.Code)
	assert.Equal(t, 413, ragerrors.HTTPStatus(err))
}

func TestProcess_DisallowedTypeRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedFileTypes = []string{"md"}
	p := NewProcessor(cfg, WithChunker(chunk.NewChunkerWithOptions(chunk.Options{
		ChunkSize: 200,
		Counter:   wordCounter{},
	})))

	_, err := p.Process(context.Background(), "docs", "notes.txt", "", []byte("text"))
	require.Error(t, err)

	var se *ragerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ragerrors.ErrCodeUnsupportedFileType, se.Code)
	assert.Contains(t, se.Suggestion, "md")
}

func TestProcess_ContentMismatchRejected(t *testing.T) {
	p := testProcessor()

	_, err := p.Process(context.Background(), "docs", "fake.md", "", []byte("%PDF-1.4\nstreams"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains PDF data")
}

func TestProcess_FrontmatterCannotOverrideProvenance(t *testing.T) {
	// Given: frontmatter that names reserved provenance fields
	p := testProcessor()
	text := "---\nsource: spoofed\nversion: v99\npage: 7\ndoc_title: Spoof\nauthor: real author\n---\n\n# Real Title\n\nBody.\n"

	// When: processing
	chunks, err := p.Process(context.Background(), "docs", "real.md", "v2", []byte(text))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Then: reserved keys are dropped and index metadata keeps the real
	// provenance
	ck := chunks[0]
	assert.Equal(t, "real.md", ck.Source)
	assert.Equal(t, "v2", ck.Version)
	assert.NotContains(t, ck.Metadata, "source")
	assert.NotContains(t, ck.Metadata, "version")
	assert.NotContains(t, ck.Metadata, "page")
	assert.NotContains(t, ck.Metadata, "doc_title")
	assert.Equal(t, "real author", ck.Metadata["author"])

	idx := ck.IndexMetadata()
	assert.Equal(t, "real.md", idx[store.MetaSource])
	assert.Equal(t, "v2", idx[store.MetaVersion])
}

// ============================================================================
// Disk and Directory Ingestion
// ============================================================================

func TestProcessFile_UsesBaseNameAsSource(t *testing.T) {
	p := testProcessor()
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte("# Guide\n\nBody text here.\n"), 0o644))

	chunks, err := p.ProcessFile(context.Background(), "docs", path, "")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "guide.md", chunks[0].Source)
}

func TestProcessFile_MissingFile(t *testing.T) {
	p := testProcessor()

	_, err := p.ProcessFile(context.Background(), "docs", filepath.Join(t.TempDir(), "nope.md"), "")
	require.Error(t, err)

	var se *ragerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ragerrors.ErrCodeFileNotFound, se.Code)
}

func TestProcessFile_DirectoryRejected(t *testing.T) {
	p := testProcessor()

	_, err := p.ProcessFile(context.Background(), "docs", t.TempDir(), "")
	require.Error(t, err)

	var se *ragerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, se.Code)
}

func TestDiscover_ReturnsRelativeAndAbsolutePaths(t *testing.T) {
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{"a.md": "# A\n\nBody."})

	files, err := p.Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, "a.md", files[0].Path)
	assert.True(t, filepath.IsAbs(files[0].AbsPath))
	assert.Positive(t, files[0].Size)
}

func TestDirectory_ProcessesTreeInWalkOrder(t *testing.T) {
	// Given: a tree with one file of a type that is not ingestible
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{
		"b.txt":     "Beta notes body.",
		"c.csv":     "col1,col2",
		"docs/a.md": "# Alpha\n\nAlpha body.",
		"sub/d.md":  "# Delta\n\nDelta body.",
	})

	// When: ingesting the directory
	res, err := p.Directory(context.Background(), "kb", root, "v1", nil)
	require.NoError(t, err)

	// Then: the csv is skipped and chunks group by file in walk order
	assert.Equal(t, 3, res.Documents)
	assert.Empty(t, res.Failed)

	var order []string
	seen := make(map[string]bool)
	for _, ck := range res.Chunks {
		if !seen[ck.Source] {
			seen[ck.Source] = true
			order = append(order, ck.Source)
		}
		assert.Equal(t, "kb", ck.Collection)
		assert.Equal(t, "v1", ck.Version)
	}
	assert.Equal(t, []string{"b.txt", "docs/a.md", "sub/d.md"}, order)
}

func TestDirectory_IsolatesPerFileFailures(t *testing.T) {
	// Given: one file whose content does not match its extension
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{
		"also.txt": "More fine content.",
		"bad.md":   "%PDF-1.4\npretending to be markdown",
		"good.md":  "# Good\n\nFine content.",
	})

	// When: ingesting
	res, err := p.Directory(context.Background(), "kb", root, "", nil)
	require.NoError(t, err)

	// Then: the poison file is recorded and the rest are processed
	assert.Equal(t, 2, res.Documents)
	require.Len(t, res.Failed, 1)

	fe := res.Failed[0]
	assert.Equal(t, "bad.md", fe.Source)
	assert.Contains(t, fe.Detail, "PDF")

	var se *ragerrors.ServiceError
	require.ErrorAs(t, fe.Err, &se)
	assert.Equal(t, ragerrors.ErrCodeUnsupportedFileType, se.Code)
}

func TestDirectory_EmptyFileNotCountedAsDocument(t *testing.T) {
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{
		"empty.txt": "   \n",
		"real.md":   "# Real\n\nContent.",
	})

	res, err := p.Directory(context.Background(), "kb", root, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Documents)
	assert.Empty(t, res.Failed)
	for _, ck := range res.Chunks {
		assert.Equal(t, "real.md", ck.Source)
	}
}

func TestDirectory_ReportsProgress(t *testing.T) {
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{
		"a.md": "# A\n\nAlpha.",
		"b.md": "# B\n\nBeta.",
		"c.md": "# C\n\nGamma.",
	})

	var mu sync.Mutex
	var dones, totals []int
	var sources []string
	progress := func(done, total int, source string) {
		mu.Lock()
		defer mu.Unlock()
		dones = append(dones, done)
		totals = append(totals, total)
		sources = append(sources, source)
	}

	_, err := p.Directory(context.Background(), "kb", root, "", progress)
	require.NoError(t, err)

	require.Len(t, dones, 3)
	sort.Ints(dones)
	assert.Equal(t, []int{1, 2, 3}, dones)
	assert.Equal(t, []int{3, 3, 3}, totals)
	assert.ElementsMatch(t, []string{"a.md", "b.md", "c.md"}, sources)
}

func TestDirectory_HonorsIgnoreFile(t *testing.T) {
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{
		".ragignore":    "drafts/\n",
		"drafts/wip.md": "# WIP\n\nDraft.",
		"final.md":      "# Final\n\nDone.",
	})

	res, err := p.Directory(context.Background(), "kb", root, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Documents)
	for _, ck := range res.Chunks {
		assert.Equal(t, "final.md", ck.Source)
	}
}

func TestDirectory_EmptyRoot(t *testing.T) {
	p := testProcessor()

	res, err := p.Directory(context.Background(), "kb", t.TempDir(), "", nil)
	require.NoError(t, err)

	assert.Zero(t, res.Documents)
	assert.Empty(t, res.Chunks)
	assert.Empty(t, res.Failed)
}

func TestDirectory_CancelledContext(t *testing.T) {
	p := testProcessor()
	root := t.TempDir()
	writeDocs(t, root, map[string]string{"a.md": "# A\n\nBody."})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Directory(ctx, "kb", root, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
