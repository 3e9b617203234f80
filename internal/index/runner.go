package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/ragserve/internal/embed"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/ui"
)

// defaultRunnerBatch is the number of chunk texts per embedding request
// during bulk ingestion.
const defaultRunnerBatch = 32

// sourceRetryDelay is the pause before the one retry a failed source gets
// within a run. Later runs converge on whatever this run could not finish.
const sourceRetryDelay = 500 * time.Millisecond

// RunnerConfig configures one bulk ingestion run.
type RunnerConfig struct {
	// RootDir is the directory tree to ingest.
	RootDir string
	// Collection receives the chunks; created on first run.
	Collection string
	// Version tags every chunk of this run. Optional.
	Version string
	// BatchSize is the number of chunk texts per embedding request.
	BatchSize int
	// DryRun stops after chunking; nothing is embedded or written.
	DryRun bool
	// Backend names the embedding backend for the completion summary.
	Backend string
}

// RunnerResult summarizes a bulk ingestion run. Failed counts files that
// could not be processed plus sources that could not be indexed; their
// errors are listed in Errors and the rest of the run proceeds.
type RunnerResult struct {
	Files      int           `json:"files"`
	Failed     int           `json:"failed"`
	Chunks     int           `json:"chunks"`
	Indexed    int           `json:"indexed"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
	Errors     []string      `json:"errors,omitempty"`
}

// RunnerDeps carries the pieces a Runner drives. Renderer is optional;
// headless callers (HTTP ingestion, background jobs) leave it nil.
type RunnerDeps struct {
	Processor *ingest.Processor
	Embedder  embed.Embedder
	Indexer   *Indexer
	Catalog   *store.Catalog
	Renderer  ui.Renderer
	Logger    *slog.Logger
}

func (d *RunnerDeps) validate() error {
	if d.Processor == nil {
		return fmt.Errorf("runner requires a processor")
	}
	if d.Embedder == nil {
		return fmt.Errorf("runner requires an embedder")
	}
	if d.Indexer == nil {
		return fmt.Errorf("runner requires an indexer")
	}
	if d.Catalog == nil {
		return fmt.Errorf("runner requires a catalog")
	}
	return nil
}

// Runner drives bulk ingestion: discover files under a root, chunk them,
// embed the chunks, and upsert them into the collection source by source.
// A rerun of an interrupted or partly failed run is safe: chunks already
// committed are recognized by the dedup registry and skipped, so the run
// resumes where the previous one stopped.
type Runner struct {
	processor *ingest.Processor
	embedder  embed.Embedder
	indexer   *Indexer
	catalog   *store.Catalog
	renderer  ui.Renderer
	log       *slog.Logger
}

// NewRunner validates the dependencies and creates a Runner.
func NewRunner(deps RunnerDeps) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		processor: deps.Processor,
		embedder:  deps.Embedder,
		indexer:   deps.Indexer,
		catalog:   deps.Catalog,
		renderer:  deps.Renderer,
		log:       log,
	}, nil
}

// Run executes one bulk ingestion pass. File-level failures are recorded
// and skipped; only setup errors (unreadable root, manifest mismatch,
// cancelled context) abort the run.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	start := time.Now()
	res := &RunnerResult{}
	var stages ui.StageTimings
	warnings := 0

	scanStart := time.Now()
	r.progress(ui.ProgressEvent{Stage: ui.StageScanning, Message: "scanning " + cfg.RootDir})
	files, err := r.processor.Discover(ctx, cfg.RootDir)
	if err != nil {
		return nil, err
	}
	stages.Scan = time.Since(scanStart)
	res.Files = len(files)

	chunkStart := time.Now()
	ingRes, err := r.processor.Files(ctx, cfg.Collection, files, cfg.Version,
		func(done, total int, source string) {
			r.progress(ui.ProgressEvent{
				Stage:       ui.StageChunking,
				Current:     done,
				Total:       total,
				CurrentFile: source,
			})
		})
	if err != nil {
		return nil, err
	}
	stages.Chunk = time.Since(chunkStart)
	res.Chunks = len(ingRes.Chunks)
	for _, fe := range ingRes.Failed {
		res.Failed++
		warnings++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", fe.Source, fe.Detail))
		r.addError(ui.ErrorEvent{File: fe.Source, Err: fe.Err, IsWarn: true})
	}

	if cfg.DryRun || len(ingRes.Chunks) == 0 {
		res.Duration = time.Since(start)
		r.complete(cfg, res, stages, 0, warnings)
		return res, nil
	}

	// The collection is created with this embedder's signature before any
	// write; a mismatch with an existing manifest aborts here.
	coll, err := r.catalog.Ensure(ctx, cfg.Collection, r.embedder.ModelName(), r.embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRunnerBatch
	}

	// Embed everything first, per source, so one poison file costs only
	// its own source and the stage progress stays monotonic.
	groups := groupBySource(ingRes.Chunks)
	vectors := make(map[string][][]float32, len(groups))
	embedStart := time.Now()
	embedded := 0
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs, err := embedChunks(ctx, r.embedder, g.chunks, batchSize)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", g.source, err.Error()))
			r.addError(ui.ErrorEvent{File: g.source, Err: err})
			continue
		}
		vectors[g.source] = vecs
		embedded += len(g.chunks)
		r.progress(ui.ProgressEvent{
			Stage:       ui.StageEmbedding,
			Current:     embedded,
			Total:       res.Chunks,
			CurrentFile: g.source,
		})
	}
	stages.Embed = time.Since(embedStart)

	indexStart := time.Now()
	done := 0
	for _, g := range groups {
		vecs, ok := vectors[g.source]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		up, err := r.upsertSource(ctx, cfg.Collection, g.chunks, vecs)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", g.source, err.Error()))
			r.addError(ui.ErrorEvent{File: g.source, Err: err})
			continue
		}
		done++
		res.Indexed += up.Indexed
		res.Duplicates += up.Duplicates
		r.progress(ui.ProgressEvent{
			Stage:       ui.StageIndexing,
			Current:     done,
			Total:       len(groups),
			CurrentFile: g.source,
		})
	}
	if err := coll.Save(); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("persisting vector index: %s", err.Error()))
		r.addError(ui.ErrorEvent{File: cfg.Collection, Err: err})
	}
	stages.Index = time.Since(indexStart)

	res.Duration = time.Since(start)
	r.complete(cfg, res, stages, res.Failed-warnings, warnings)
	return res, nil
}

// embedChunks embeds chunk texts in bounded batches. The embedder retries
// transient provider errors internally; what escapes here is terminal for
// the calling operation.
func embedChunks(ctx context.Context, embedder embed.Embedder, chunks []*store.Chunk, batchSize int) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		texts := make([]string, end-start)
		for i, ck := range chunks[start:end] {
			texts[i] = ck.Text
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// upsertSource writes one source's chunks, retrying once after a short
// pause. Upserts replace by chunk_id, so the retry cannot double-index.
func (r *Runner) upsertSource(ctx context.Context, collection string, chunks []*store.Chunk, vecs [][]float32) (*UpsertResult, error) {
	up, err := r.indexer.Upsert(ctx, collection, chunks, vecs)
	if err == nil || ctx.Err() != nil {
		return up, err
	}

	r.log.Warn("source_upsert_retrying",
		slog.String("collection", collection),
		slog.String("source", chunks[0].Source),
		slog.String("error", err.Error()))

	select {
	case <-ctx.Done():
		return up, ctx.Err()
	case <-time.After(sourceRetryDelay):
	}
	return r.indexer.Upsert(ctx, collection, chunks, vecs)
}

func (r *Runner) progress(event ui.ProgressEvent) {
	if r.renderer != nil {
		r.renderer.UpdateProgress(event)
	}
}

func (r *Runner) addError(event ui.ErrorEvent) {
	if r.renderer != nil {
		r.renderer.AddError(event)
	}
}

func (r *Runner) complete(cfg RunnerConfig, res *RunnerResult, stages ui.StageTimings, errors, warnings int) {
	if r.renderer != nil {
		r.renderer.Complete(ui.CompletionStats{
			Files:    res.Files,
			Chunks:   res.Chunks,
			Duration: res.Duration,
			Errors:   errors,
			Warnings: warnings,
			Stages:   stages,
			Embedder: ui.EmbedderInfo{
				Backend:    cfg.Backend,
				Model:      r.embedder.ModelName(),
				Dimensions: r.embedder.Dimensions(),
			},
		})
	}
	r.log.Info("ingest_complete",
		slog.String("collection", cfg.Collection),
		slog.Int("files", res.Files),
		slog.Int("chunks", res.Chunks),
		slog.Int("indexed", res.Indexed),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("failed", res.Failed),
		slog.Int64("scan_ms", stages.Scan.Milliseconds()),
		slog.Int64("chunk_ms", stages.Chunk.Milliseconds()),
		slog.Int64("embed_ms", stages.Embed.Milliseconds()),
		slog.Int64("index_ms", stages.Index.Milliseconds()),
		slog.Duration("total", res.Duration))
}

// sourceChunks is one source's chunks in discovery order.
type sourceChunks struct {
	source string
	chunks []*store.Chunk
}

// groupBySource splits a flat chunk list into per-source groups, keeping
// discovery order for both the groups and the chunks within them.
func groupBySource(chunks []*store.Chunk) []sourceChunks {
	var groups []sourceChunks
	idx := make(map[string]int, 8)
	for _, ck := range chunks {
		i, ok := idx[ck.Source]
		if !ok {
			i = len(groups)
			idx[ck.Source] = i
			groups = append(groups, sourceChunks{source: ck.Source})
		}
		groups[i].chunks = append(groups[i].chunks, ck)
	}
	return groups
}
