package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/watcher"
)

// watchOptions holds CLI flags for watch.
type watchOptions struct {
	collection string
	version    string
	offline    bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch a directory and keep a collection in sync",
		Long: `Watch a directory tree and re-index files as they change.

Events are debounced, filtered against .ragignore patterns, and applied
incrementally: created and modified files are re-chunked, re-embedded,
and swapped into the indexes; deleted files have their chunks removed.

The watch starts from the indexes as they are. To build them first, run
'ragserve ingest <path> --watch' instead, which does a full pass and
then hands off to the same loop.`,
		Example: `  # Keep the handbook collection in sync with ./docs
  ragserve watch ./docs --collection handbook`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runWatch(ctx, cmd, path, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "default", "Target collection")
	cmd.Flags().StringVar(&opts.version, "tag", "", "Version tag recorded on re-indexed chunks")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use static embeddings (no provider required)")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, path string, opts watchOptions) error {
	defer setupQuietLogging()()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, slog.Default(), opts.offline)
	if err != nil {
		return err
	}
	defer svc.Close()

	return runWatchLoop(ctx, cmd, svc, watchLoopConfig{
		Root:       absPath,
		Collection: opts.collection,
		Version:    opts.version,
	})
}

// watchLoopConfig parameterizes the shared watch loop used by both the
// watch command and ingest --watch.
type watchLoopConfig struct {
	Root       string
	Collection string
	Version    string
}

// runWatchLoop consumes debounced file events until ctx is cancelled,
// re-indexing changed sources and deleting removed ones. Per-file failures
// are reported and the loop keeps going.
func runWatchLoop(ctx context.Context, cmd *cobra.Command, svc *services, cfg watchLoopConfig) error {
	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	if err := w.Start(ctx, cfg.Root); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	// A fresh collection must exist before the first event lands on it.
	if _, err := svc.catalog.Ensure(ctx, cfg.Collection, svc.embedder.ModelName(), svc.embedder.Dimensions()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching %s (collection %q), press Ctrl-C to stop\n", cfg.Root, cfg.Collection)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "watch stopped")
			return nil

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			svc.log.Warn("watcher error", slog.String("error", err.Error()))

		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			for _, ev := range batch {
				if ev.IsDir {
					continue
				}
				applyWatchEvent(ctx, out, svc, cfg, ev)
			}
		}
	}
}

// applyWatchEvent maps one debounced event onto the index.
func applyWatchEvent(ctx context.Context, out io.Writer, svc *services, cfg watchLoopConfig, ev watcher.FileEvent) {
	switch ev.Operation {
	case watcher.OpCreate, watcher.OpModify:
		n, err := reindexFile(ctx, svc, cfg, ev.Path)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  %s: %v\n", ev.Path, err)
		case n >= 0:
			fmt.Fprintf(out, "  indexed %s (%d chunks)\n", ev.Path, n)
		}

	case watcher.OpRename:
		if ev.OldPath != "" {
			if _, err := svc.indexer.DeleteBySource(ctx, cfg.Collection, ev.OldPath, ""); err != nil {
				svc.log.Warn("failed to remove renamed source",
					slog.String("source", ev.OldPath),
					slog.String("error", err.Error()))
			}
		}
		n, err := reindexFile(ctx, svc, cfg, ev.Path)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  %s: %v\n", ev.Path, err)
		case n >= 0:
			fmt.Fprintf(out, "  moved %s -> %s (%d chunks)\n", ev.OldPath, ev.Path, n)
		}

	case watcher.OpDelete:
		if _, err := svc.indexer.DeleteBySource(ctx, cfg.Collection, ev.Path, ""); err != nil {
			fmt.Fprintf(out, "  %s: %v\n", ev.Path, err)
			return
		}
		fmt.Fprintf(out, "  removed %s\n", ev.Path)

	case watcher.OpIgnoreChange, watcher.OpConfigChange:
		// Pattern changes only affect future events; already-indexed files
		// stay until a full ingest reconciles them.
		fmt.Fprintf(out, "  %s changed; run 'ragserve ingest' to reconcile existing entries\n", ev.Path)
	}
}

// reindexFile re-chunks and re-embeds one file and swaps it into the
// indexes under its tree-relative source name, matching what a bulk ingest
// of the same tree records. Returns -1 for files outside the ingestible
// set, which the caller skips quietly.
func reindexFile(ctx context.Context, svc *services, cfg watchLoopConfig, relPath string) (int, error) {
	absPath := filepath.Join(cfg.Root, relPath)
	if !svc.processor.Supported(absPath) {
		return -1, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		// Deleted between debounce and read; the delete event follows.
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, fmt.Errorf("read failed: %w", err)
	}

	chunks, err := svc.processor.Process(ctx, cfg.Collection, relPath, cfg.Version, data)
	if err != nil {
		return 0, err
	}

	var embeddings [][]float32
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ck := range chunks {
			texts[i] = ck.Text
		}
		embeddings, err = svc.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed failed: %w", err)
		}
	}

	// Empty chunk sets still go through so a file emptied in place drops
	// its stale entries.
	if _, err := svc.indexer.ReindexSource(ctx, cfg.Collection, relPath, chunks, embeddings); err != nil {
		return 0, fmt.Errorf("index failed: %w", err)
	}
	return len(chunks), nil
}
