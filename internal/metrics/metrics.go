// Package metrics exposes the service's Prometheus instrumentation.
// Metrics are registered in a per-instance registry, so tests and
// embedded uses never collide through the global default registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes used as the rag_queries_total outcome label.
const (
	OutcomeSuccess = "success"
	OutcomeRefused = "refused"
	OutcomePartial = "partial"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Metrics holds every instrument the service records. Components do not
// record into it themselves; the HTTP layer and the pipeline do.
type Metrics struct {
	registry *prometheus.Registry

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	QueryCount       *prometheus.CounterVec
	QueryResults     *prometheus.HistogramVec
	StageDuration    *prometheus.HistogramVec
	GenerationTokens *prometheus.CounterVec

	AdmissionDenials *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	IngestDocuments  *prometheus.CounterVec
	IngestChunks     *prometheus.CounterVec
	IngestDuplicates *prometheus.CounterVec
	IngestDuration   *prometheus.HistogramVec

	ErrorCount     *prometheus.CounterVec
	CollectionSize *prometheus.GaugeVec
}

// New creates and registers the service metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rag_active_requests",
				Help: "Number of requests currently being served",
			},
		),

		QueryCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_queries_total",
				Help: "Total number of queries by outcome",
			},
			[]string{"collection", "outcome"},
		),
		QueryResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_query_results_count",
				Help:    "Number of results returned per query",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
			[]string{"collection"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage", "collection"},
		),
		GenerationTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_generation_tokens_total",
				Help: "Total LLM tokens used for answers",
			},
			[]string{"model"},
		),

		AdmissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_admission_denials_total",
				Help: "Total admission denials by reason",
			},
			[]string{"reason"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_cache_hits_total",
				Help: "Total cache hits by family",
			},
			[]string{"family"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_cache_misses_total",
				Help: "Total cache misses by family",
			},
			[]string{"family"},
		),

		IngestDocuments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_documents_ingested_total",
				Help: "Total number of documents ingested",
			},
			[]string{"collection", "file_type"},
		),
		IngestChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_chunks_created_total",
				Help: "Total number of chunks created",
			},
			[]string{"collection"},
		),
		IngestDuplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_duplicates_skipped_total",
				Help: "Total number of duplicate chunks skipped",
			},
			[]string{"collection"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_ingestion_duration_seconds",
				Help:    "Ingestion duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"collection"},
		),

		ErrorCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_errors_total",
				Help: "Total number of errors by code and component",
			},
			[]string{"error_type", "component"},
		),
		CollectionSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rag_collection_size",
				Help: "Number of chunks in a collection",
			},
			[]string{"collection"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.RequestCount,
		m.RequestDuration,
		m.ActiveRequests,
		m.QueryCount,
		m.QueryResults,
		m.StageDuration,
		m.GenerationTokens,
		m.AdmissionDenials,
		m.CacheHits,
		m.CacheMisses,
		m.IngestDocuments,
		m.IngestChunks,
		m.IngestDuplicates,
		m.IngestDuration,
		m.ErrorCount,
		m.CollectionSize,
	)
	return m
}

// RecordRequest counts one served HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, status int, seconds float64) {
	code := strconv.Itoa(status)
	m.RequestCount.WithLabelValues(method, endpoint, code).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// RecordQuery counts one query by outcome.
func (m *Metrics) RecordQuery(collection, outcome string) {
	m.QueryCount.WithLabelValues(collection, outcome).Inc()
}

// RecordStage observes one pipeline stage duration.
func (m *Metrics) RecordStage(stage, collection string, seconds float64) {
	m.StageDuration.WithLabelValues(stage, collection).Observe(seconds)
}

// RecordCache counts a cache lookup outcome for a family.
func (m *Metrics) RecordCache(family string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(family).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(family).Inc()
}

// RecordDenial counts one admission denial.
func (m *Metrics) RecordDenial(reason string) {
	m.AdmissionDenials.WithLabelValues(reason).Inc()
}

// RecordIngest counts the outcome of one ingest run.
func (m *Metrics) RecordIngest(collection, fileType string, docs, chunks, duplicates int, seconds float64) {
	m.IngestDocuments.WithLabelValues(collection, fileType).Add(float64(docs))
	m.IngestChunks.WithLabelValues(collection).Add(float64(chunks))
	m.IngestDuplicates.WithLabelValues(collection).Add(float64(duplicates))
	m.IngestDuration.WithLabelValues(collection).Observe(seconds)
}

// RecordError counts one error by code and component.
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorCount.WithLabelValues(errorType, component).Inc()
}

// Registry exposes the backing registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
