package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/ragserve/internal/chunk"
	"github.com/Aman-CERP/ragserve/internal/config"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/scanner"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// Fallbacks mirroring config.DefaultConfig, applied when a zero config
// reaches the processor.
const (
	defaultMaxFileSizeMB = 100
	defaultWorkers       = 10
)

// reservedMetaKeys are provenance and position fields owned by the
// chunker. Parsed document metadata (frontmatter) must not shadow them.
var reservedMetaKeys = map[string]struct{}{
	store.MetaSource:       {},
	store.MetaVersion:      {},
	store.MetaDocTitle:     {},
	store.MetaSectionTitle: {},
	store.MetaPage:         {},
	"section_index":        {},
	"chunk_index":          {},
}

// Processor turns files into chunks ready for indexing. Safe for
// concurrent use; all state is configuration.
type Processor struct {
	chunker      *chunk.Chunker
	parsers      map[FileType]Parser
	allowed      map[string]struct{}
	maxFileBytes int64
	workers      int
	log          *slog.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// WithChunker replaces the chunker built from the config.
func WithChunker(c *chunk.Chunker) Option {
	return func(p *Processor) { p.chunker = c }
}

// WithParser registers or replaces the parser for a file type.
func WithParser(t FileType, parser Parser) Option {
	return func(p *Processor) { p.parsers[t] = parser }
}

// NewProcessor builds a processor from the ingest configuration.
func NewProcessor(cfg config.IngestConfig, opts ...Option) *Processor {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if len(cfg.AllowedFileTypes) == 0 {
		cfg.AllowedFileTypes = []string{"pdf", "txt", "md", "markdown"}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedFileTypes))
	for _, t := range cfg.AllowedFileTypes {
		allowed[strings.TrimPrefix(strings.ToLower(t), ".")] = struct{}{}
	}

	p := &Processor{
		parsers: map[FileType]Parser{
			TypeMarkdown: MarkdownParser{},
			TypeText:     TextParser{},
			TypePDF:      PDFParser{},
		},
		allowed:      allowed,
		maxFileBytes: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		workers:      cfg.Workers,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.chunker == nil {
		p.chunker = chunk.NewChunkerWithOptions(chunk.Options{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
		})
	}
	return p
}

// Process parses and chunks one named blob. An empty extraction is not
// an error: it logs a warning and returns no chunks.
func (p *Processor) Process(ctx context.Context, collection, source, version string, data []byte) ([]*store.Chunk, error) {
	if int64(len(data)) > p.maxFileBytes {
		return nil, p.tooLarge(source, int64(len(data)))
	}

	ext := fileExtension(source)
	if _, ok := p.allowed[ext]; !ok {
		return nil, ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
			fmt.Sprintf("file type %q is not enabled for ingestion", ext), nil).
			WithSuggestion("allowed types: " + strings.Join(p.allowedList(), ", "))
	}

	ft, err := DetectFileType(source, data)
	if err != nil {
		return nil, err
	}

	parser, ok := p.parsers[ft]
	if !ok {
		return nil, ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
			fmt.Sprintf("no parser registered for %s files", ft), nil)
	}

	parsed, err := parser.Parse(ctx, source, data)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(parsed.Text) == "" {
		p.log.Warn("no text extracted from file", slog.String("source", source))
		return nil, nil
	}

	doc := &chunk.Document{
		Collection: collection,
		Source:     source,
		Version:    version,
		Text:       parsed.Text,
		Metadata:   p.documentMetadata(source, parsed.Metadata),
	}

	chunks, err := p.chunker.Chunk(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ragerrors.New(ragerrors.ErrCodeChunkingFailed,
			fmt.Sprintf("failed to chunk %s", source), err)
	}
	return chunks, nil
}

// Supported reports whether a path's extension is enabled for ingestion.
// Watch mode uses it to drop events for files that would be rejected
// before reading them.
func (p *Processor) Supported(path string) bool {
	_, ok := p.allowed[fileExtension(path)]
	return ok
}

// ProcessFile reads and processes one file from disk. The chunk source
// is the file's base name.
func (p *Processor) ProcessFile(ctx context.Context, collection, path, version string) ([]*store.Chunk, error) {
	return p.processFileAs(ctx, collection, path, filepath.Base(path), version)
}

// processFileAs reads path and processes it under the given source name.
// Size is checked before reading so oversized files are never loaded.
func (p *Processor) processFileAs(ctx context.Context, collection, path, source, version string) ([]*store.Chunk, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ragerrors.New(ragerrors.ErrCodeFilePermission,
				fmt.Sprintf("cannot access %s", path), err)
		}
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound,
			fmt.Sprintf("file not found: %s", path), err)
	}
	if fi.IsDir() {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			fmt.Sprintf("%s is a directory, not a file", path), nil)
	}
	if fi.Size() > p.maxFileBytes {
		return nil, p.tooLarge(source, fi.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFilePermission,
			fmt.Sprintf("failed to read %s", path), err)
	}

	return p.Process(ctx, collection, source, version, data)
}

// Discover lists ingestible files under root, honoring .ragignore files
// and the allowed extension list. Results are in walk order.
func (p *Processor) Discover(ctx context.Context, root string) ([]*scanner.FileInfo, error) {
	sc, err := scanner.New()
	if err != nil {
		return nil, err
	}

	results, err := sc.Scan(ctx, &scanner.ScanOptions{
		RootDir:            root,
		IncludePatterns:    p.includePatterns(),
		RespectIgnoreFiles: true,
		MaxFileSize:        p.maxFileBytes,
	})
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFileNotFound,
			fmt.Sprintf("cannot scan %s", root), err)
	}

	var files []*scanner.FileInfo
	for res := range results {
		if res.Error != nil {
			return nil, res.Error
		}
		files = append(files, res.File)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

// Directory discovers and processes every ingestible file under root.
// Files are processed concurrently; one file's failure is recorded in
// the result and does not stop the rest. Chunks keep discovery order.
func (p *Processor) Directory(ctx context.Context, collection, root, version string, progress ProgressFunc) (*Result, error) {
	files, err := p.Discover(ctx, root)
	if err != nil {
		return nil, err
	}
	return p.Files(ctx, collection, files, version, progress)
}

// Files processes an already discovered file list. Callers that need the
// discovery count before chunking starts use Discover plus Files instead
// of Directory.
func (p *Processor) Files(ctx context.Context, collection string, files []*scanner.FileInfo, version string, progress ProgressFunc) (*Result, error) {
	res := &Result{}
	total := len(files)
	if total == 0 {
		return res, nil
	}

	chunks := make([][]*store.Chunk, total)
	failures := make([]*FileError, total)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, f := range files {
		g.Go(func() error {
			got, err := p.processFileAs(gctx, collection, f.AbsPath, f.Path, version)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				p.log.Warn("failed to process file",
					slog.String("source", f.Path),
					slog.String("error", err.Error()))
				failures[i] = &FileError{Source: f.Path, Err: err, Detail: err.Error()}
			default:
				chunks[i] = got
			}
			if progress != nil {
				progress(int(done.Add(1)), total, f.Path)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range files {
		if failures[i] != nil {
			res.Failed = append(res.Failed, *failures[i])
			continue
		}
		if len(chunks[i]) == 0 {
			continue
		}
		res.Documents++
		res.Chunks = append(res.Chunks, chunks[i]...)
	}
	return res, nil
}

// tooLarge builds the oversize rejection with sizes in MB.
func (p *Processor) tooLarge(source string, size int64) error {
	return ragerrors.New(ragerrors.ErrCodeFileTooLarge,
		fmt.Sprintf("%s is %.1fMB (max %dMB)",
			source, float64(size)/(1024*1024), p.maxFileBytes/(1024*1024)), nil).
		WithSuggestion("split the file or raise ingest.max_file_size_mb")
}

// documentMetadata filters parsed metadata and adds the file name.
func (p *Processor) documentMetadata(source string, parsed map[string]string) map[string]string {
	meta := make(map[string]string, len(parsed)+1)
	for k, v := range parsed {
		if _, reserved := reservedMetaKeys[k]; reserved {
			p.log.Debug("dropping reserved metadata key",
				slog.String("key", k), slog.String("source", source))
			continue
		}
		meta[k] = v
	}
	meta["file_name"] = filepath.Base(source)
	return meta
}

// allowedList returns the allowed extensions in sorted order.
func (p *Processor) allowedList() []string {
	list := make([]string, 0, len(p.allowed))
	for ext := range p.allowed {
		list = append(list, ext)
	}
	sort.Strings(list)
	return list
}

// includePatterns derives scan include globs from the allowed types.
func (p *Processor) includePatterns() []string {
	exts := p.allowedList()
	patterns := make([]string, len(exts))
	for i, ext := range exts {
		patterns[i] = "*." + ext
	}
	return patterns
}
