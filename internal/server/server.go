// Package server exposes the service over HTTP: ingestion, querying
// (buffered, streamed, and batched), collection management, background
// ingest jobs, and health probes. Routing and middleware run on gin;
// every response that is not a success carries the shared error body.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/ragserve/internal/admission"
	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/jobs"
	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
	"github.com/Aman-CERP/ragserve/internal/trace"
)

const (
	defaultPort             = 8080
	defaultMaxRequestSizeMB = 50
	shutdownGrace           = 10 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

// QueryService answers questions. *pipeline.Pipeline is the production
// implementation; the indirection keeps handler tests independent of a
// full retrieval stack.
type QueryService interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	QueryStream(ctx context.Context, req pipeline.Request, onDelta func(string)) (*pipeline.Result, error)
}

// Config carries the HTTP settings plus the ingest settings the upload
// handlers need for per-request chunking overrides.
type Config struct {
	HTTP   config.ServerConfig
	Ingest config.IngestConfig
}

// Deps carries the services the HTTP surface composes. Telemetry and
// Logger are optional; everything else is required.
type Deps struct {
	Queries   QueryService
	Processor *ingest.Processor
	Embedder  embed.Embedder
	Indexer   *index.Indexer
	Catalog   *store.Catalog
	Admission *admission.Controller
	Jobs      *jobs.Manager
	Tracer    *trace.Tracer
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
}

func (d *Deps) validate() error {
	if d.Queries == nil {
		return fmt.Errorf("server requires a query service")
	}
	if d.Processor == nil {
		return fmt.Errorf("server requires an ingest processor")
	}
	if d.Embedder == nil {
		return fmt.Errorf("server requires an embedder")
	}
	if d.Indexer == nil {
		return fmt.Errorf("server requires an indexer")
	}
	if d.Catalog == nil {
		return fmt.Errorf("server requires a catalog")
	}
	if d.Admission == nil {
		return fmt.Errorf("server requires an admission controller")
	}
	if d.Jobs == nil {
		return fmt.Errorf("server requires a job manager")
	}
	if d.Tracer == nil {
		return fmt.Errorf("server requires a tracer")
	}
	if d.Metrics == nil {
		return fmt.Errorf("server requires a metrics registry")
	}
	return nil
}

// Server is the HTTP surface. Build one with New, then either Run it or
// mount Handler on a listener of your own.
type Server struct {
	cfg       Config
	queries   QueryService
	processor *ingest.Processor
	embedder  embed.Embedder
	indexer   *index.Indexer
	catalog   *store.Catalog
	admission *admission.Controller
	jobs      *jobs.Manager
	tracer    *trace.Tracer
	metrics   *metrics.Metrics
	telemetry *telemetry.Recorder
	log       *slog.Logger

	engine  *gin.Engine
	maxBody int64
	started time.Time
}

// New validates the dependencies, applies config defaults, and builds
// the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.MaxRequestSizeMB <= 0 {
		cfg.HTTP.MaxRequestSizeMB = defaultMaxRequestSizeMB
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		queries:   deps.Queries,
		processor: deps.Processor,
		embedder:  deps.Embedder,
		indexer:   deps.Indexer,
		catalog:   deps.Catalog,
		admission: deps.Admission,
		jobs:      deps.Jobs,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		telemetry: deps.Telemetry,
		log:       log,
		maxBody:   int64(cfg.HTTP.MaxRequestSizeMB) * 1024 * 1024,
		started:   time.Now(),
	}
	s.engine = s.router()
	return s, nil
}

// Handler returns the configured router for mounting in tests or on an
// externally managed listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.logRequests())
	r.Use(s.observeRequests())
	r.Use(gin.CustomRecovery(s.recovered))
	r.Use(s.limitBody())
	r.Use(s.requireAPIKey())

	r.NoRoute(func(c *gin.Context) {
		writeError(c, ragerrors.NotFoundError(ragerrors.ErrCodeRouteNotFound,
			fmt.Sprintf("route %s %s", c.Request.Method, c.Request.URL.Path)))
	})

	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)
	r.GET("/health/live", s.handleLive)

	r.POST("/ingest", s.handleIngest)
	r.POST("/ingest/reindex_source", s.handleReindexSource)
	r.POST("/ingest/async", s.handleIngestAsync)
	r.GET("/ingest/jobs", s.handleListJobs)
	r.GET("/ingest/jobs/:id", s.handleGetJob)

	r.GET("/collections/:collection", s.handleCollectionInfo)
	r.DELETE("/collections/:collection/sources/*source", s.handleDeleteSource)

	r.POST("/query", s.handleQuery)
	r.POST("/query/stream", s.handleQueryStream)
	r.POST("/query/batch", s.handleQueryBatch)

	admin := r.Group("/admin", s.requireScope(admission.ScopeAdmin))
	admin.GET("/traces", s.handleListTraces)
	admin.GET("/traces/:id", s.handleGetTrace)
	admin.GET("/stats", s.handleStats)

	return r
}

// Run serves until ctx is cancelled, then drains connections for up to
// shutdownGrace. The Prometheus listener starts alongside when
// metrics_port is set.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.HTTP.Host, strconv.Itoa(s.cfg.HTTP.Port))
	api := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var metricsSrv *http.Server
	if s.cfg.HTTP.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(s.cfg.HTTP.Host, strconv.Itoa(s.cfg.HTTP.MetricsPort)),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server_listening", slog.String("addr", addr))
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api listener: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			s.log.Info("metrics_listening", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("server_draining")
		drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := api.Shutdown(drain)
		if metricsSrv != nil {
			if merr := metricsSrv.Shutdown(drain); err == nil {
				err = merr
			}
		}
		return err
	})
	return g.Wait()
}

// clientID names the caller for admission accounting: the API key when
// one was sent, else the remote address. Mirrors the quota keying of
// the admission controller.
func (s *Server) clientID(c *gin.Context) string {
	if key := c.GetHeader(apiKeyHeader); key != "" {
		return key
	}
	return c.ClientIP()
}
