package client

import (
	"encoding/json"
	"io"
	"time"
)

// ============================================================================
// Query
// ============================================================================

// QueryRequest is one question against a collection. Zero-valued
// optional fields defer to the server's query plan.
type QueryRequest struct {
	Question   string `json:"question"`
	Collection string `json:"collection"`

	// TopK caps the number of returned sources. Zero lets the server
	// decide.
	TopK int `json:"top_k,omitempty"`

	// Nil pointers leave the corresponding pipeline stage to the plan;
	// set them to force a stage on or off.
	UseHybrid         *bool `json:"use_hybrid,omitempty"`
	UseReranking      *bool `json:"use_reranking,omitempty"`
	UseQueryExpansion *bool `json:"use_query_expansion,omitempty"`
	UsePlanning       *bool `json:"use_planning,omitempty"`
}

// Source is one cited document the answer draws on.
type Source struct {
	Index        int     `json:"index"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"section_title,omitempty"`
	Page         string  `json:"page,omitempty"`
	Relevance    float64 `json:"relevance"`
}

// QueryPlan describes how the server decided to execute the query.
type QueryPlan struct {
	Class         string  `json:"query_class"`
	DenseWeight   float64 `json:"dense_weight"`
	LexicalWeight float64 `json:"lexical_weight"`
	RetrieveK     int     `json:"retrieve_k"`
	RerankK       int     `json:"rerank_k"`
	UseRerank     bool    `json:"use_rerank"`
	UseExpansion  bool    `json:"use_expansion"`
	Confidence    float64 `json:"plan_confidence"`
}

// QueryResult is one complete answer with its supporting material.
type QueryResult struct {
	Answer                string             `json:"answer"`
	Sources               []Source           `json:"sources"`
	Contexts              []string           `json:"contexts"`
	Confidence            float64            `json:"confidence"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds"`
	TokensUsed            int                `json:"tokens_used"`
	LatencyBreakdown      map[string]float64 `json:"latency_breakdown"`
	SearchStrategy        string             `json:"search_strategy"`
	QueryPlan             *QueryPlan         `json:"query_plan,omitempty"`
	DeadlineExceeded      bool               `json:"deadline_exceeded,omitempty"`
	Refused               bool               `json:"refused,omitempty"`
	RefusalReason         string             `json:"refusal_reason,omitempty"`
	FromCache             bool               `json:"from_cache,omitempty"`
	TraceID               string             `json:"trace_id,omitempty"`
}

// BatchItem is one element of a batch response: either a result or the
// error that replaced it. Exactly one field is non-nil.
type BatchItem struct {
	Result *QueryResult
	Err    *APIError
}

// UnmarshalJSON distinguishes result elements from error elements by
// the presence of the error code field.
func (b *BatchItem) UnmarshalJSON(data []byte) error {
	var probe struct {
		Code string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Code != "" {
		b.Err = &APIError{}
		return json.Unmarshal(data, b.Err)
	}
	b.Result = &QueryResult{}
	return json.Unmarshal(data, b.Result)
}

// ============================================================================
// Ingestion
// ============================================================================

// Upload is one document to index. Name becomes the source identifier;
// the reader is consumed once.
type Upload struct {
	Name   string
	Reader io.Reader
}

// IngestRequest uploads documents into a collection, creating it on
// first use.
type IngestRequest struct {
	Collection string
	// Version tags the uploaded documents, e.g. "v2.1".
	Version string
	// ChunkSize and ChunkOverlap override the server's chunking
	// defaults when positive.
	ChunkSize    int
	ChunkOverlap int
	Uploads      []Upload
}

// IngestResult reports what one upload produced. Errors holds
// per-document failures; the remaining documents indexed normally.
type IngestResult struct {
	DocumentsProcessed int      `json:"documents_processed"`
	ChunksCreated      int      `json:"chunks_created"`
	DuplicatesSkipped  int      `json:"duplicates_skipped"`
	Errors             []string `json:"errors"`
}

// ReindexRequest atomically replaces everything indexed for one source
// with a fresh upload.
type ReindexRequest struct {
	Collection   string
	Source       string
	Version      string
	ChunkSize    int
	ChunkOverlap int
	Upload       Upload
}

// ReindexResult reports a source replacement: the new chunks plus how
// many old ones were removed.
type ReindexResult struct {
	IngestResult
	DeletedDocuments int `json:"deleted_documents"`
}

// DeleteResult reports how many chunks a source deletion removed.
type DeleteResult struct {
	DeletedDocuments int `json:"deleted_documents"`
}

// ============================================================================
// Collections
// ============================================================================

// SourceStat summarizes the chunks held for one source.
type SourceStat struct {
	Source     string    `json:"source"`
	Version    string    `json:"version,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DiskUsage breaks a collection's on-disk footprint down by index.
type DiskUsage struct {
	TotalBytes   int64 `json:"total_bytes"`
	VectorBytes  int64 `json:"vector_bytes"`
	LexicalBytes int64 `json:"lexical_bytes"`
	MetaBytes    int64 `json:"meta_bytes"`
}

// QueryStats summarizes the queries a collection has served.
type QueryStats struct {
	TotalQueries        int64            `json:"total_queries"`
	ClassCounts         map[string]int64 `json:"class_counts,omitempty"`
	StrategyCounts      map[string]int64 `json:"strategy_counts,omitempty"`
	LatencyDistribution map[string]int64 `json:"latency_distribution,omitempty"`
	AverageLatencyMS    float64          `json:"average_latency_ms"`
	CacheHits           int64            `json:"cache_hits"`
	CacheHitRate        float64          `json:"cache_hit_rate"`
	ZeroResultCount     int64            `json:"zero_result_count"`
	ZeroResultRate      float64          `json:"zero_result_rate"`
	RefusedCount        int64            `json:"refused_count"`
}

// Collection describes one collection's index state and query history.
type Collection struct {
	Name       string       `json:"name"`
	ModelID    string       `json:"model_id"`
	Dimension  int          `json:"dimension"`
	ChunkCount int          `json:"chunk_count"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     string       `json:"status"`
	Sources    []SourceStat `json:"sources,omitempty"`
	Disk       DiskUsage    `json:"disk"`
	Stats      *QueryStats  `json:"stats,omitempty"`
}

// ============================================================================
// Background jobs
// ============================================================================

// Job states as reported by the jobs endpoints.
const (
	JobStatePending = "pending"
	JobStateRunning = "running"
	JobStateDone    = "done"
	JobStateFailed  = "failed"
)

// AsyncIngestRequest starts a server-side directory ingest.
type AsyncIngestRequest struct {
	Collection string `json:"collection"`
	RootDir    string `json:"root_dir"`
	Version    string `json:"version,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

// Job is a snapshot of one background ingest job.
type Job struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	RootDir    string `json:"root_dir"`
	State      string `json:"state"`

	Stage        string  `json:"stage,omitempty"`
	StageCurrent int     `json:"stage_current,omitempty"`
	StageTotal   int     `json:"stage_total,omitempty"`
	ProgressPct  float64 `json:"progress_pct"`

	Documents  int      `json:"documents"`
	Chunks     int      `json:"chunks"`
	Indexed    int      `json:"indexed"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
	Error      string   `json:"error,omitempty"`

	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.State == JobStateDone || j.State == JobStateFailed
}

// ============================================================================
// Health and operations
// ============================================================================

// Health is the basic service identity probe.
type Health struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	EmbeddingModel string `json:"embedding_model"`
}

// ReadyCheck is one dependency's readiness verdict.
type ReadyCheck struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Readiness reports whether the service can take traffic, with
// per-dependency detail either way.
type Readiness struct {
	Ready     bool                  `json:"-"`
	Status    string                `json:"status"`
	Timestamp string                `json:"timestamp"`
	Checks    map[string]ReadyCheck `json:"checks"`
}

// Liveness reports process uptime.
type Liveness struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// AdmissionStats reports global load on the admission controller.
type AdmissionStats struct {
	InFlight   int64   `json:"in_flight"`
	Capacity   int     `json:"capacity"`
	LoadRatio  float64 `json:"load_ratio"`
	QueueDepth int     `json:"queue_depth"`
	Clients    int     `json:"clients"`
	Status     string  `json:"status"`
}

// TraceStats aggregates over retained request traces.
type TraceStats struct {
	TotalTraces   int     `json:"total_traces"`
	ActiveTraces  int     `json:"active_traces"`
	TotalSpans    int     `json:"total_spans"`
	AvgDurationMS float64 `json:"average_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// TermCount is one entry of the frequent-terms table.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryTelemetry is the service-wide query analytics snapshot.
type QueryTelemetry struct {
	QueryStats
	TopTerms          []TermCount `json:"top_terms,omitempty"`
	RecentZeroResults []string    `json:"recent_zero_results,omitempty"`
	ExactRepeatCount  int64       `json:"exact_repeat_count"`
	ExactRepeatRate   float64     `json:"exact_repeat_rate"`
	Since             time.Time   `json:"since"`
}

// ServiceStats is the operator view: admission load, trace aggregates,
// and query analytics.
type ServiceStats struct {
	Admission AdmissionStats  `json:"admission"`
	Traces    TraceStats      `json:"traces"`
	Queries   *QueryTelemetry `json:"queries,omitempty"`
}

// LogEntry is one timestamped note attached to a span.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SpanView is one recorded pipeline stage inside a trace.
type SpanView struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Op         string         `json:"op"`
	Start      time.Time      `json:"start_time"`
	End        *time.Time     `json:"end_time,omitempty"`
	DurationMS float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	Tags       map[string]any `json:"tags,omitempty"`
	Logs       []LogEntry     `json:"logs,omitempty"`
}

// TraceView is one request's recorded spans.
type TraceView struct {
	TraceID   string     `json:"trace_id"`
	Spans     []SpanView `json:"spans"`
	SpanCount int        `json:"span_count"`
}

// TraceList pages through retained traces.
type TraceList struct {
	Traces     []TraceView `json:"traces"`
	Statistics TraceStats  `json:"statistics"`
}
