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

	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/preflight"
	"github.com/Aman-CERP/ragserve/internal/ui"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	collection string
	version    string
	batchSize  int
	dryRun     bool
	noTUI      bool
	offline    bool
	watch      bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Ingest a directory of documents into a collection",
		Long: `Ingest a directory tree into a collection.

Files are scanned, parsed (markdown, text, PDF), chunked along
heading boundaries, embedded, and written to the collection's vector
and keyword indexes. Unchanged files are skipped by content hash, so
re-running over the same tree is cheap.

Use --dry-run to see what would be ingested without writing anything.
Use --watch to keep watching the tree after the initial pass and
re-index files as they change.`,
		Example: `  # Ingest the current directory into the default collection
  ragserve ingest

  # Ingest a docs tree into a named collection with a version tag
  ragserve ingest ./docs --collection handbook --tag 2.1.0

  # Ingest, then keep the index in sync with the tree
  ragserve ingest ./docs --collection handbook --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIngest(ctx, cmd, path, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "default", "Target collection")
	cmd.Flags().StringVar(&opts.version, "tag", "", "Version tag recorded on every chunk of this run")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Chunk texts per embedding request (0 uses the embedder default)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Scan and chunk only; embed and write nothing")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI mode, use plain text output")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use static embeddings (no provider required)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep watching the tree after the initial pass")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, path string, opts ingestOptions) error {
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

	if preflight.NeedsCheck(cfg.Storage.DataDir) {
		checker := preflight.New(
			preflight.WithOffline(opts.offline),
			preflight.WithOutput(io.Discard),
			preflight.WithEmbedder(svc.embedder),
		)
		results := checker.RunAll(ctx, cfg.Storage.DataDir)
		if checker.HasCriticalFailures(results) {
			return fmt.Errorf("system check failed: run 'ragserve doctor' for details")
		}
		if err := preflight.MarkPassed(cfg.Storage.DataDir); err != nil {
			slog.Debug("failed to record preflight marker", slog.String("error", err.Error()))
		}
	}

	// Renderer auto-detects TTY/CI and falls back to plain output.
	uiCfg := ui.NewConfig(cmd.OutOrStdout(), ui.WithForcePlain(opts.noTUI), ui.WithProjectDir(absPath))
	renderer := ui.NewRenderer(uiCfg)
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	runner, err := index.NewRunner(index.RunnerDeps{
		Processor: svc.processor,
		Embedder:  svc.embedder,
		Indexer:   svc.indexer,
		Catalog:   svc.catalog,
		Renderer:  renderer,
		Logger:    svc.log,
	})
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx, index.RunnerConfig{
		RootDir:    absPath,
		Collection: opts.collection,
		Version:    opts.version,
		BatchSize:  opts.batchSize,
		DryRun:     opts.dryRun,
		Backend:    cfg.Embedding.Provider,
	})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d file(s) failed; see the summary above\n", res.Failed)
	}

	if opts.watch {
		_ = renderer.Stop()
		return runWatchLoop(ctx, cmd, svc, watchLoopConfig{
			Root:       absPath,
			Collection: opts.collection,
			Version:    opts.version,
		})
	}
	return nil
}
