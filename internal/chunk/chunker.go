// Package chunk splits parsed documents into sections and token-measured
// chunks with stable identifiers.
//
// Sections are detected from headings (markdown #-prefixes, numbered
// headings, short ALL-CAPS lines, Title-Case-colon lines) and page-break
// markers. Section bodies are split toward a token budget, preferring
// paragraph boundaries, then sentences, then words, then characters, with
// trailing overlap carried between adjacent chunks.
package chunk

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/token"
)

// Chunker turns parsed documents into store.Chunk lists. Safe for
// concurrent use; all state is configuration.
type Chunker struct {
	opts    Options
	counter token.Counter
}

// NewChunker creates a chunker with default options.
func NewChunker() *Chunker {
	return NewChunkerWithOptions(Options{})
}

// NewChunkerWithOptions creates a chunker with custom sizing.
func NewChunkerWithOptions(opts Options) *Chunker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 4
	}
	if opts.Counter == nil {
		opts.Counter = token.NewCounter(token.DefaultEncoding)
	}
	return &Chunker{opts: opts, counter: opts.Counter}
}

// Chunk splits a document into chunks carrying section metadata, stable
// chunk IDs, and content hashes. Empty chunks are dropped. Returns nil
// for blank documents.
func (c *Chunker) Chunk(ctx context.Context, doc *Document) ([]*store.Chunk, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return nil, nil
	}

	title := ExtractDocTitle(doc.Text)
	sections := ParseSections(doc.Text)
	now := time.Now().UTC()

	var chunks []*store.Chunk
	for _, sec := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		idx := 0
		for _, text := range c.splitSection(strings.TrimSpace(sec.Content)) {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}

			ck := &store.Chunk{
				ChunkID:      fingerprint.ChunkID(doc.Collection, doc.Source, sec.Index, idx),
				Collection:   doc.Collection,
				Source:       doc.Source,
				Version:      doc.Version,
				DocTitle:     title,
				SectionTitle: sec.Title,
				SectionLevel: sec.Level,
				SectionIndex: sec.Index,
				Page:         sec.Page,
				ChunkIndex:   idx,
				Text:         text,
				TokenCount:   c.counter.Count(text),
				CreatedAt:    now,
				Metadata:     copyMetadata(doc.Metadata),
			}
			ck.ContentHash = fingerprint.ContentHash(text, ck.HashMetadata())
			chunks = append(chunks, ck)
			idx++
		}
	}

	return chunks, nil
}

// Split levels, tried in order while a piece exceeds the budget.
const (
	levelParagraph = iota
	levelSentence
	levelWord
	levelChar
)

// splitSection breaks section content into chunk texts within the token
// budget.
func (c *Chunker) splitSection(content string) []string {
	if content == "" {
		return nil
	}
	if c.counter.Count(content) <= c.opts.ChunkSize {
		return []string{content}
	}
	return c.splitRecursive(content, levelParagraph)
}

// splitRecursive splits text at the given boundary level. Parts that fit
// the budget merge greedily; a part that is still too large descends to
// the next level and its results pass through unmerged, so overlap is
// never applied twice to the same text.
func (c *Chunker) splitRecursive(text string, level int) []string {
	if level >= levelChar {
		return c.hardSplit(text)
	}

	var parts []string
	joiner := " "
	switch level {
	case levelParagraph:
		parts = splitParagraphs(text)
		joiner = "\n\n"
	case levelSentence:
		parts = splitSentences(text)
	case levelWord:
		parts = strings.Fields(text)
	}
	if len(parts) <= 1 {
		return c.splitRecursive(text, level+1)
	}

	var chunks []string
	var pending []string
	flush := func() {
		if len(pending) > 0 {
			chunks = append(chunks, c.pack(pending, joiner)...)
			pending = nil
		}
	}

	for _, part := range parts {
		if c.counter.Count(part) <= c.opts.ChunkSize {
			pending = append(pending, part)
			continue
		}
		flush()
		chunks = append(chunks, c.splitRecursive(part, level+1)...)
	}
	flush()

	return chunks
}

// pack greedily merges pieces into chunks within the token budget and
// seeds each successor chunk with trailing overlap from its predecessor.
// Token sums are per-piece approximations; the exact count is measured
// on the assembled chunk.
func (c *Chunker) pack(pieces []string, joiner string) []string {
	var chunks []string
	var cur strings.Builder
	curTokens := 0
	pieceCount := 0

	for _, piece := range pieces {
		pt := c.counter.Count(piece)

		if pieceCount > 0 && curTokens+pt > c.opts.ChunkSize {
			emitted := strings.TrimSpace(cur.String())
			if emitted != "" {
				chunks = append(chunks, emitted)
			}
			cur.Reset()
			curTokens = 0
			pieceCount = 0

			if tail := c.overlapTail(emitted); tail != "" {
				cur.WriteString(tail)
				curTokens = c.counter.Count(tail)
			}
		}

		if cur.Len() > 0 {
			cur.WriteString(joiner)
		}
		cur.WriteString(piece)
		curTokens += pt
		pieceCount++
	}

	if final := strings.TrimSpace(cur.String()); final != "" {
		chunks = append(chunks, final)
	}
	return chunks
}

// overlapTail returns the last words of a chunk totaling at most the
// overlap budget, capped at half the chunk so short chunks do not repeat
// themselves wholesale.
func (c *Chunker) overlapTail(chunk string) string {
	if c.opts.ChunkOverlap <= 0 || chunk == "" {
		return ""
	}

	words := strings.Fields(chunk)
	limit := len(words) / 2
	if limit == 0 {
		return ""
	}

	start := len(words)
	tokens := 0
	for start > 0 && len(words)-start < limit {
		wt := c.counter.Count(words[start-1])
		if tokens+wt > c.opts.ChunkOverlap {
			break
		}
		start--
		tokens += wt
	}

	if start == len(words) {
		return ""
	}
	return strings.Join(words[start:], " ")
}

// hardSplit cuts text at rune boundaries, the last resort for content
// with no usable split points. Each piece is the largest prefix that
// fits the budget, found by binary search.
func (c *Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	var pieces []string

	for len(runes) > 0 {
		lo, hi := 1, len(runes)
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if c.counter.Count(string(runes[:mid])) <= c.opts.ChunkSize {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		pieces = append(pieces, string(runes[:lo]))
		runes = runes[lo:]
	}
	return pieces
}

var (
	paragraphBreakPattern = regexp.MustCompile(`\n[ \t]*\n`)
	sentenceEndPattern    = regexp.MustCompile(`[.!?]+\s+`)
)

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	var paragraphs []string
	for _, p := range paragraphBreakPattern.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

// splitSentences splits at sentence-ending punctuation followed by
// whitespace, keeping the punctuation with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for _, loc := range sentenceEndPattern.FindAllStringIndex(text, -1) {
		end := loc[0]
		for end < loc[1] && (text[end] == '.' || text[end] == '!' || text[end] == '?') {
			end++
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}

	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func copyMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
