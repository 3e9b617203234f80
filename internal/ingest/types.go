// Package ingest turns uploaded or on-disk files into chunked documents.
// Format detection is content-based: the declared extension selects a
// parser only after the leading bytes confirm the claimed format, so a
// renamed binary never reaches a text parser.
package ingest

import (
	"context"

	"github.com/Aman-CERP/ragserve/internal/store"
)

// FileType identifies the parser family for a document.
type FileType string

const (
	// TypeMarkdown covers .md and .markdown files.
	TypeMarkdown FileType = "markdown"
	// TypeText covers .txt and .text files.
	TypeText FileType = "text"
	// TypePDF covers .pdf files (text extraction only).
	TypePDF FileType = "pdf"
)

// Parsed is the outcome of text extraction from one file.
type Parsed struct {
	// Text is the full extracted text. For PDFs, page markers are inlined
	// so the chunker can track page numbers.
	Text string

	// Metadata holds format-level fields: frontmatter scalars for
	// markdown, page count for PDFs.
	Metadata map[string]string
}

// Parser extracts plain text from one file format.
type Parser interface {
	// Parse extracts text and format-level metadata from raw file bytes.
	// The name is used for diagnostics only; detection has already run.
	Parse(ctx context.Context, name string, data []byte) (*Parsed, error)
}

// FileError records a per-file ingestion failure. Failures are isolated
// so one poison document does not sink a batch.
type FileError struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
	Detail string `json:"detail"`
}

// Result aggregates one multi-file ingestion pass.
type Result struct {
	// Documents is the number of files that produced at least one chunk.
	Documents int

	// Chunks holds every chunk produced, grouped by file in discovery
	// order.
	Chunks []*store.Chunk

	// Failed lists files that errored, in discovery order.
	Failed []FileError
}

// ProgressFunc receives per-file completion updates during directory
// ingestion. It may be invoked from multiple goroutines.
type ProgressFunc func(done, total int, source string)
