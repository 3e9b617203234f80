package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/ragserve/internal/embed"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/scanner"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/watcher"
)

// CoordinatorConfig wires the incremental update path for one watched tree.
type CoordinatorConfig struct {
	// RootDir is the absolute path of the watched directory.
	RootDir string

	// Collection receives the indexed chunks.
	Collection string

	// Version is stamped on every chunk produced by watch updates. Optional.
	Version string

	// Catalog resolves the collection and persists it after changes.
	Catalog *store.Catalog

	// Processor parses and chunks changed files.
	Processor *ingest.Processor

	// Embedder produces vectors for changed chunks.
	Embedder embed.Embedder

	// Indexer applies the mutations.
	Indexer *Indexer

	// EmbedBatchSize bounds chunk texts per embedding request.
	// Defaults to the bulk ingestion batch size.
	EmbedBatchSize int

	// MaxFileSize is the largest file re-indexed from an event, in bytes.
	// Larger files are skipped with a warning. Defaults to the scanner limit.
	MaxFileSize int64

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (cfg *CoordinatorConfig) validate() error {
	if cfg.RootDir == "" {
		return fmt.Errorf("coordinator requires a root directory")
	}
	if cfg.Collection == "" {
		return fmt.Errorf("coordinator requires a collection")
	}
	if cfg.Catalog == nil {
		return fmt.Errorf("coordinator requires a catalog")
	}
	if cfg.Processor == nil {
		return fmt.Errorf("coordinator requires a processor")
	}
	if cfg.Embedder == nil {
		return fmt.Errorf("coordinator requires an embedder")
	}
	if cfg.Indexer == nil {
		return fmt.Errorf("coordinator requires an indexer")
	}
	return nil
}

// EventSource is the batched event surface the coordinator consumes.
// *watcher.HybridWatcher satisfies it.
type EventSource interface {
	Events() <-chan []watcher.FileEvent
	Errors() <-chan error
}

// Coordinator keeps a collection in step with a directory tree as it
// changes. File events reindex or remove one source at a time; ignore-rule
// and config edits trigger a reconcile pass that diffs the tree against
// the index. Event batches are serialized, so a reconcile never interleaves
// with per-file updates.
type Coordinator struct {
	cfg CoordinatorConfig
	log *slog.Logger
	mu  sync.Mutex
}

// NewCoordinator validates the configuration and creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultRunnerBatch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{cfg: cfg, log: log}, nil
}

// Run consumes event batches until the context is canceled or the source
// closes. Batch failures are logged and do not stop the loop.
func (c *Coordinator) Run(ctx context.Context, src EventSource) error {
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Warn("watcher_error", slog.String("error", err.Error()))
		case batch, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.HandleEvents(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("event_batch_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleEvents applies one debounced batch of file events. A single
// event's failure is logged and the rest of the batch proceeds; the next
// reconcile pass picks up whatever was missed. The collection is persisted
// once per batch that changed anything.
func (c *Coordinator) HandleEvents(ctx context.Context, events []watcher.FileEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var processed int
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.handleEvent(ctx, ev); err != nil {
			c.log.Warn("file_event_failed",
				slog.String("path", ev.Path),
				slog.String("operation", ev.Operation.String()),
				slog.String("error", err.Error()))
			continue
		}
		processed++
	}

	if processed > 0 {
		c.persist(ctx)
	}
	return nil
}

func (c *Coordinator) handleEvent(ctx context.Context, ev watcher.FileEvent) error {
	c.log.Debug("file_event",
		slog.String("path", ev.Path),
		slog.String("operation", ev.Operation.String()),
		slog.Bool("is_dir", ev.IsDir))

	// New directories are picked up by the watcher itself; their files
	// arrive as separate create events. Removed directories report IsDir
	// false because the path is already gone, so removePath handles them.
	if ev.IsDir {
		return nil
	}

	switch ev.Operation {
	case watcher.OpCreate, watcher.OpModify:
		return c.reindexPath(ctx, ev.Path)
	case watcher.OpDelete:
		return c.removePath(ctx, ev.Path)
	case watcher.OpRename:
		// fsnotify reports the old name; the new name arrives as its own
		// create event.
		return c.removePath(ctx, ev.Path)
	case watcher.OpIgnoreChange:
		return c.handleIgnoreChange(ctx, ev.Path)
	case watcher.OpConfigChange:
		return c.handleConfigChange(ctx)
	default:
		return nil
	}
}

// reindexPath chunks, embeds, and replaces one file's entries. A file that
// vanished between the event and now is treated as deleted. Zero chunks
// (a file emptied on disk) clears the source.
func (c *Coordinator) reindexPath(ctx context.Context, relPath string) error {
	if !c.cfg.Processor.Supported(relPath) {
		c.log.Debug("unsupported_file_skipped", slog.String("path", relPath))
		return nil
	}

	absPath := filepath.Join(c.cfg.RootDir, relPath)

	// Lstat so symlinks are seen, not followed.
	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return c.removePath(ctx, relPath)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		c.log.Debug("symlink_skipped", slog.String("path", relPath))
		return nil
	}
	if info.Size() > c.maxFileSize() {
		c.log.Warn("oversized_file_skipped",
			slog.String("path", relPath),
			slog.Int64("size", info.Size()),
			slog.Int64("max", c.maxFileSize()))
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", relPath, err)
	}

	chunks, err := c.cfg.Processor.Process(ctx, c.cfg.Collection, relPath, c.cfg.Version, data)
	if err != nil {
		return err
	}

	vectors, err := embedChunks(ctx, c.cfg.Embedder, chunks, c.cfg.EmbedBatchSize)
	if err != nil {
		return err
	}

	res, err := c.cfg.Indexer.ReindexSource(ctx, c.cfg.Collection, relPath, chunks, vectors)
	if err != nil {
		return err
	}

	c.log.Info("source_reindexed",
		slog.String("collection", c.cfg.Collection),
		slog.String("source", relPath),
		slog.Int("chunks", res.Indexed),
		slog.Int("duplicates", res.Duplicates))
	return nil
}

// removePath clears a path from the index. A removed directory arrives as
// one event for the directory itself, so indexed sources under the path
// are cleared along with any exact match.
func (c *Coordinator) removePath(ctx context.Context, relPath string) error {
	coll, err := c.cfg.Catalog.Get(ctx, c.cfg.Collection)
	if err != nil {
		return err
	}
	stats, err := coll.Meta.ListSources(ctx)
	if err != nil {
		return err
	}

	prefix := relPath + "/"
	seen := make(map[string]struct{})
	var targets []string
	for _, st := range stats {
		if st.Source != relPath && !strings.HasPrefix(st.Source, prefix) {
			continue
		}
		if _, ok := seen[st.Source]; ok {
			continue
		}
		seen[st.Source] = struct{}{}
		targets = append(targets, st.Source)
	}
	if len(targets) == 0 && c.cfg.Processor.Supported(relPath) {
		// Nothing in metadata, but an earlier partial failure can have left
		// vector or lexical entries behind. DeleteBySource enumerates each
		// backend, so the sweep costs little when there is nothing to do.
		targets = append(targets, relPath)
	}
	if len(targets) == 0 {
		return nil
	}
	sort.Strings(targets)

	var chunks int
	for _, src := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.cfg.Indexer.DeleteBySource(ctx, c.cfg.Collection, src, "")
		if err != nil {
			return err
		}
		chunks += res.MetadataDeleted
	}

	if chunks > 0 {
		c.log.Info("path_removed_from_index",
			slog.String("collection", c.cfg.Collection),
			slog.String("path", relPath),
			slog.Int("sources", len(targets)),
			slog.Int("chunks", chunks))
	}
	return nil
}

// handleIgnoreChange reconciles the index after a .ragignore edit. The
// watcher reloads its own matcher before emitting the event; this pass
// drops newly ignored sources and picks up newly visible files. A nested
// ignore file only affects its own subtree, so the reconcile is scoped to
// the file's directory.
func (c *Coordinator) handleIgnoreChange(ctx context.Context, relPath string) error {
	scope := filepath.Dir(relPath)
	if scope == "." {
		scope = ""
	}
	c.log.Info("ignore_rules_changed",
		slog.String("path", relPath),
		slog.String("scope", scope))
	_, err := c.reconcile(ctx, scope, false)
	return err
}

// handleConfigChange runs after a ragserve.yaml edit under the watched
// tree. Ingest settings are fixed at startup, so only a restart fully
// applies the new file; the reconcile still catches files whose visibility
// changed.
func (c *Coordinator) handleConfigChange(ctx context.Context) error {
	c.log.Info("config_file_changed",
		slog.String("note", "restart to fully apply the new configuration"))
	_, err := c.reconcile(ctx, "", false)
	return err
}

// ReconcileOnStartup aligns the index with the current tree before event
// processing begins. It covers changes made while the service was down:
// files created, edited, or deleted offline, and ignore-rule edits. A
// source is re-indexed when its file changed after its last indexed row
// was written.
func (c *Coordinator) ReconcileOnStartup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	applied, err := c.reconcile(ctx, "", true)
	if err != nil {
		return err
	}
	if applied > 0 {
		c.persist(ctx)
	}
	return nil
}

// ChangeType classifies a difference between the watched tree and the
// index found during reconciliation.
type ChangeType int

const (
	// ChangeTypeAdded is a file on disk with no indexed source.
	ChangeTypeAdded ChangeType = iota
	// ChangeTypeModified is a file newer than its indexed rows.
	ChangeTypeModified
	// ChangeTypeDeleted is an indexed source with no file on disk.
	ChangeTypeDeleted
)

// FileChange is one difference found during reconciliation.
type FileChange struct {
	Path string
	Type ChangeType
}

// reconcile diffs the tree against the index and applies the differences.
// scope limits the pass to sources under a directory; empty means the
// whole tree. checkModified also re-indexes sources whose file changed
// after their last indexed row was written. Returns how many changes were
// applied; individual failures are logged and skipped.
func (c *Coordinator) reconcile(ctx context.Context, scope string, checkModified bool) (int, error) {
	files, err := c.cfg.Processor.Discover(ctx, c.cfg.RootDir)
	if err != nil {
		return 0, err
	}
	current := make(map[string]*scanner.FileInfo, len(files))
	for _, f := range files {
		if underScope(f.Path, scope) {
			current[f.Path] = f
		}
	}

	coll, err := c.cfg.Catalog.Get(ctx, c.cfg.Collection)
	if err != nil {
		return 0, err
	}
	stats, err := coll.Meta.ListSources(ctx)
	if err != nil {
		return 0, err
	}
	// A source can appear once per version; keep the newest row time.
	indexed := make(map[string]time.Time, len(stats))
	for _, st := range stats {
		if !underScope(st.Source, scope) {
			continue
		}
		if t, ok := indexed[st.Source]; !ok || st.UpdatedAt.After(t) {
			indexed[st.Source] = st.UpdatedAt
		}
	}

	changes := diffSources(indexed, current, checkModified)
	if len(changes) == 0 {
		c.log.Debug("reconcile_no_changes",
			slog.String("collection", c.cfg.Collection),
			slog.Int("sources", len(indexed)))
		return 0, nil
	}

	var added, modified, deleted int
	for i, ch := range changes {
		// Shutdown can arrive mid-pass; stop cleanly and let the next
		// startup reconcile finish the remainder.
		if ctx.Err() != nil {
			c.log.Debug("reconcile_interrupted",
				slog.Int("applied", i),
				slog.Int("remaining", len(changes)-i))
			return added + modified + deleted, nil
		}

		var err error
		switch ch.Type {
		case ChangeTypeDeleted:
			if err = c.removePath(ctx, ch.Path); err == nil {
				deleted++
			}
		case ChangeTypeModified:
			if err = c.reindexPath(ctx, ch.Path); err == nil {
				modified++
			}
		case ChangeTypeAdded:
			if err = c.reindexPath(ctx, ch.Path); err == nil {
				added++
			}
		}
		if err != nil {
			c.log.Warn("reconcile_change_failed",
				slog.String("path", ch.Path),
				slog.String("error", err.Error()))
		}
	}

	c.log.Info("index_reconciled",
		slog.String("collection", c.cfg.Collection),
		slog.Int("added", added),
		slog.Int("modified", modified),
		slog.Int("deleted", deleted))
	return added + modified + deleted, nil
}

// diffSources compares indexed sources against discovered files. Deletions
// sort first so a rename shrinks the index before the new name grows it.
func diffSources(indexed map[string]time.Time, current map[string]*scanner.FileInfo, checkModified bool) []FileChange {
	var changes []FileChange
	for source, updatedAt := range indexed {
		f, ok := current[source]
		switch {
		case !ok:
			changes = append(changes, FileChange{Path: source, Type: ChangeTypeDeleted})
		case checkModified && f.ModTime.After(updatedAt):
			changes = append(changes, FileChange{Path: source, Type: ChangeTypeModified})
		}
	}
	for path := range current {
		if _, ok := indexed[path]; !ok {
			changes = append(changes, FileChange{Path: path, Type: ChangeTypeAdded})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changes[i].Type > changes[j].Type
		}
		return changes[i].Path < changes[j].Path
	})
	return changes
}

func underScope(path, scope string) bool {
	return scope == "" || strings.HasPrefix(path, scope+"/")
}

// persist flushes the collection's dense index to disk. The SQLite-backed
// stores write through, but the vector store lives in memory between
// saves. Runs to completion even when the triggering context is being
// torn down.
func (c *Coordinator) persist(ctx context.Context) {
	coll, err := c.cfg.Catalog.Get(context.WithoutCancel(ctx), c.cfg.Collection)
	if err != nil {
		c.log.Warn("collection_save_failed",
			slog.String("collection", c.cfg.Collection),
			slog.String("error", err.Error()))
		return
	}
	if err := coll.Save(); err != nil {
		c.log.Warn("collection_save_failed",
			slog.String("collection", c.cfg.Collection),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) maxFileSize() int64 {
	if c.cfg.MaxFileSize > 0 {
		return c.cfg.MaxFileSize
	}
	return scanner.DefaultMaxFileSize
}
