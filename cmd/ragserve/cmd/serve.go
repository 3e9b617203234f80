package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/admission"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/jobs"
	"github.com/Aman-CERP/ragserve/internal/logging"
	"github.com/Aman-CERP/ragserve/internal/mcp"
	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/preflight"
	"github.com/Aman-CERP/ragserve/internal/server"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
	"github.com/Aman-CERP/ragserve/internal/trace"
	"github.com/Aman-CERP/ragserve/internal/ui"
	"github.com/Aman-CERP/ragserve/pkg/version"
)

// serveOptions holds CLI flags for serve.
type serveOptions struct {
	mcp       bool
	port      int
	skipCheck bool
	offline   bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the query and ingestion server",
		Long: `Start the HTTP API server.

The server exposes query endpoints (buffered, streamed, batched),
multipart document ingestion, collection management, background
ingestion jobs, health probes, and admin telemetry. Prometheus
metrics are served on the configured metrics port.

With --mcp the process serves the Model Context Protocol over stdio
instead of HTTP, exposing the ask, retrieve, and collection_info
tools to agent hosts. In that mode stdout carries JSON-RPC framing
exclusively; logs go to ~/.ragserve/logs/.`,
		Example: `  # Serve HTTP on the configured port (default 8080)
  ragserve serve

  # Override the listen port
  ragserve serve --port 9090

  # Serve agent hosts over stdio
  ragserve serve --mcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "Serve MCP over stdio instead of HTTP")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override the configured HTTP port")
	cmd.Flags().BoolVar(&opts.skipCheck, "skip-check", false, "Skip pre-flight system checks")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use static embeddings (no provider required)")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}

	logger := slog.Default()
	if !debugMode {
		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Server.LogLevel
		if opts.mcp {
			// Stdout carries JSON-RPC framing; keep the console clean.
			logCfg.WriteToStderr = false
		}
		l, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		defer cleanup()
		slog.SetDefault(l)
		logger = l
	}

	svc, err := buildServices(ctx, cfg, logger, opts.offline)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !opts.skipCheck && preflight.NeedsCheck(cfg.Storage.DataDir) {
		checker := preflight.New(
			preflight.WithOffline(opts.offline),
			preflight.WithOutput(io.Discard),
			preflight.WithEmbedder(svc.embedder),
		)
		results := checker.RunAll(ctx, cfg.Storage.DataDir)
		if checker.HasCriticalFailures(results) {
			logger.Error("system check failed")
			return fmt.Errorf("system check failed: run 'ragserve doctor' for details")
		}
		if err := preflight.MarkPassed(cfg.Storage.DataDir); err != nil {
			logger.Debug("failed to record preflight marker", slog.String("error", err.Error()))
		}
	}

	tracer := trace.NewTracer(trace.DefaultMaxTraces)
	m := metrics.New()
	adm := admission.NewController(cfg.Admission, logger)
	tele := telemetry.NewRecorder()

	pipe, err := buildPipeline(ctx, svc, adm, tracer, m)
	if err != nil {
		return err
	}

	if opts.mcp {
		mcpSrv, err := mcp.NewServer(mcp.Deps{
			Queries:   pipe,
			Retriever: svc.retriever,
			Embedder:  svc.embedder,
			Planner:   svc.planner,
			Catalog:   svc.catalog,
			Telemetry: tele,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		return mcpSrv.Serve(ctx)
	}

	// Background ingestion jobs reuse the bulk runner; each run reports
	// progress into its job snapshot.
	runIngest := func(ctx context.Context, rcfg index.RunnerConfig, progress ui.Renderer) (*index.RunnerResult, error) {
		runner, err := index.NewRunner(index.RunnerDeps{
			Processor: svc.processor,
			Embedder:  svc.embedder,
			Indexer:   svc.indexer,
			Catalog:   svc.catalog,
			Renderer:  progress,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		res, err := runner.Run(ctx, rcfg)
		if err == nil {
			m.RecordIngest(rcfg.Collection, "bulk", res.Files, res.Chunks, res.Duplicates, res.Duration.Seconds())
		}
		return res, err
	}
	mgr, err := jobs.NewManager(jobs.Config{}, runIngest, logger)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	srv, err := server.New(server.Config{HTTP: cfg.Server, Ingest: cfg.Ingest}, server.Deps{
		Queries:   pipe,
		Processor: svc.processor,
		Embedder:  svc.embedder,
		Indexer:   svc.indexer,
		Catalog:   svc.catalog,
		Admission: adm,
		Jobs:      mgr,
		Tracer:    tracer,
		Metrics:   m,
		Telemetry: tele,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("ragserve_starting",
		slog.String("version", version.Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("embedding_model", svc.embedder.ModelName()))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ragserve %s listening on :%d\n", version.Version, cfg.Server.Port)

	return srv.Run(ctx)
}
