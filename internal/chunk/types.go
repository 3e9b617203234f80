package chunk

import (
	"github.com/Aman-CERP/ragserve/internal/token"
)

// Token budgets per chunk. These mirror the ingest configuration
// defaults; callers override through Options.
const (
	DefaultChunkSize    = 1000 // target tokens per chunk
	DefaultChunkOverlap = 200  // trailing context carried into the next chunk
)

// Section detection bounds.
const (
	maxHeadingLength     = 80  // longest line considered a non-markdown heading
	maxCapsHeadingLength = 60  // ALL-CAPS headings are shorter still
	maxTitleLength       = 100 // longest line considered a document title
	titleScanLines       = 10  // leading lines inspected for the document title
)

// DefaultSectionTitle names the implicit section of documents with no
// detectable headings.
const DefaultSectionTitle = "Introduction"

// UntitledDocTitle is the fallback when no document title can be found.
const UntitledDocTitle = "Untitled Document"

// Document is one parsed input ready for chunking. Text is the extracted
// plain or markdown text. Metadata carries document-level fields (file
// name, author) that propagate onto every chunk.
type Document struct {
	Collection string
	Source     string
	Version    string
	Text       string
	Metadata   map[string]string
}

// Options configures chunk sizing. Zero values take defaults.
type Options struct {
	// ChunkSize is the target chunk length in tokens.
	ChunkSize int

	// ChunkOverlap is the trailing context carried into the next chunk,
	// in tokens. Clamped below ChunkSize.
	ChunkOverlap int

	// Counter measures token counts. Defaults to the cl100k_base counter.
	Counter token.Counter
}

// Section is a contiguous run of document text under one heading. Index
// is the zero-based position among the document's non-empty sections;
// Content includes the heading line itself.
type Section struct {
	Title   string
	Level   int
	Page    int
	Index   int
	Content string
}
