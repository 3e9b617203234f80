// Package jobs runs bulk ingestion in the background and tracks per-job
// progress. A Manager bounds how many runs execute at once; submitted
// jobs queue as pending, move to running when a slot frees, and keep a
// bounded history of finished runs for status polling.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/ui"
)

// State is the lifecycle position of one job.
type State string

const (
	// StatePending means the job is queued behind the concurrency gate.
	StatePending State = "pending"
	// StateRunning means the ingestion run is executing.
	StateRunning State = "running"
	// StateDone means the run finished; per-file failures may still be
	// listed in the snapshot's errors.
	StateDone State = "done"
	// StateFailed means the run aborted before completing.
	StateFailed State = "failed"
)

// maxJobErrors bounds the error list a snapshot carries. The failed
// counter keeps the true total when a run trips over more.
const maxJobErrors = 25

// RunFunc executes one ingestion run, reporting progress through the
// renderer. Production wiring builds an index.Runner per job so each run
// reports into its own tracker; tests inject a scripted run.
type RunFunc func(ctx context.Context, cfg index.RunnerConfig, progress ui.Renderer) (*index.RunnerResult, error)

// Snapshot is an immutable view of one job.
type Snapshot struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	RootDir    string `json:"root_dir"`
	State      string `json:"state"`

	// Stage and its counters cover the run's current phase; the counters
	// reset when the stage changes.
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

// Job tracks one background ingestion run.
type Job struct {
	id         string
	collection string
	rootDir    string
	enqueued   time.Time
	done       chan struct{}

	mu         sync.RWMutex
	state      State
	stage      ui.Stage
	hasStage   bool
	current    int
	total      int
	documents  int
	chunks     int
	indexed    int
	duplicates int
	failed     int
	errors     []string
	errMsg     string
	started    time.Time
	finished   time.Time
	err        error
}

func newJob(cfg index.RunnerConfig) *Job {
	return &Job{
		id:         uuid.NewString(),
		collection: cfg.Collection,
		rootDir:    cfg.RootDir,
		enqueued:   time.Now().UTC(),
		done:       make(chan struct{}),
		state:      StatePending,
	}
}

// ID returns the job's id.
func (j *Job) ID() string { return j.id }

// Done returns a channel closed when the job leaves the running state
// for good.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx expires. A finished job
// returns the error that failed it, nil when it completed.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Snapshot returns an immutable copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		JobID:      j.id,
		Collection: j.collection,
		RootDir:    j.rootDir,
		State:      string(j.state),
		Documents:  j.documents,
		Chunks:     j.chunks,
		Indexed:    j.indexed,
		Duplicates: j.duplicates,
		Failed:     j.failed,
		Errors:     append([]string(nil), j.errors...),
		Error:      j.errMsg,
		EnqueuedAt: j.enqueued,
	}
	if j.hasStage {
		s.Stage = strings.ToLower(j.stage.String())
		s.StageCurrent = j.current
		s.StageTotal = j.total
	}
	switch {
	case j.state == StateDone:
		s.ProgressPct = 100
	case j.total > 0:
		s.ProgressPct = float64(j.current) / float64(j.total) * 100.0
	}
	if !j.started.IsZero() {
		t := j.started
		s.StartedAt = &t
		end := time.Now().UTC()
		if !j.finished.IsZero() {
			f := j.finished
			s.FinishedAt = &f
			end = f
		}
		s.ElapsedSeconds = end.Sub(j.started).Seconds()
	}
	return s
}

func (j *Job) start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateRunning
	j.started = time.Now().UTC()
}

// observe folds one progress event into the tracker. The chunking stage
// counts files and the embedding stage counts chunks, so those totals
// double as live document and chunk counts until the final result lands.
func (j *Job) observe(event ui.ProgressEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stage = event.Stage
	j.hasStage = true
	j.current = event.Current
	j.total = event.Total
	switch event.Stage {
	case ui.StageChunking:
		j.documents = event.Current
	case ui.StageEmbedding:
		j.chunks = event.Total
	}
}

func (j *Job) addError(event ui.ErrorEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed++
	if len(j.errors) < maxJobErrors {
		j.errors = append(j.errors, fmt.Sprintf("%s: %s", event.File, event.Err))
	}
}

// finish records the run's result. The result's counts and errors are
// authoritative and replace whatever the live events accumulated.
func (j *Job) finish(res *index.RunnerResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateDone
	j.finished = time.Now().UTC()
	j.documents = res.Files
	j.chunks = res.Chunks
	j.indexed = res.Indexed
	j.duplicates = res.Duplicates
	j.failed = res.Failed
	if len(res.Errors) > maxJobErrors {
		j.errors = append([]string(nil), res.Errors[:maxJobErrors]...)
	} else {
		j.errors = append([]string(nil), res.Errors...)
	}
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateFailed
	j.finished = time.Now().UTC()
	j.err = err
	j.errMsg = err.Error()
}

// sink adapts a job to the renderer interface the ingestion runner
// reports progress through.
type sink struct{ j *Job }

func (s sink) Start(context.Context) error { return nil }

func (s sink) UpdateProgress(event ui.ProgressEvent) { s.j.observe(event) }

func (s sink) AddError(event ui.ErrorEvent) { s.j.addError(event) }

func (s sink) Complete(ui.CompletionStats) {
	s.j.mu.Lock()
	defer s.j.mu.Unlock()
	s.j.stage = ui.StageComplete
	s.j.hasStage = true
}

func (s sink) Stop() error { return nil }

// Config tunes a job manager.
type Config struct {
	// MaxConcurrent bounds how many runs execute at once. Defaults to 1;
	// queued jobs stay pending until a slot frees.
	MaxConcurrent int
	// MaxHistory bounds how many finished jobs stay queryable. Oldest
	// finished jobs are dropped first. Defaults to 100.
	MaxHistory int
}

// Manager owns background ingestion jobs.
type Manager struct {
	run        RunFunc
	log        *slog.Logger
	sem        chan struct{}
	maxHistory int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	closed bool
}

// NewManager validates the run function and creates a Manager.
func NewManager(cfg Config, run RunFunc, log *slog.Logger) (*Manager, error) {
	if run == nil {
		return nil, fmt.Errorf("job manager requires a run function")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		run:        run,
		log:        log,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		maxHistory: cfg.MaxHistory,
		baseCtx:    ctx,
		cancel:     cancel,
		jobs:       make(map[string]*Job),
	}, nil
}

// Submit enqueues one ingestion run and returns immediately. The job
// starts as soon as a concurrency slot frees; poll Get or block on Wait
// for completion.
func (m *Manager) Submit(cfg index.RunnerConfig) (*Job, error) {
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidCollection, "collection must not be empty", nil)
	}
	if strings.TrimSpace(cfg.RootDir) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "root directory must not be empty", nil)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("job manager is closed")
	}
	j := newJob(cfg)
	m.jobs[j.id] = j
	m.order = append(m.order, j.id)
	m.pruneLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("ingest_job_submitted",
		slog.String("job_id", j.id),
		slog.String("collection", cfg.Collection),
		slog.String("root", cfg.RootDir))
	go m.execute(j, cfg)
	return j, nil
}

// Get returns a snapshot of the job with the given id.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// List returns snapshots of all tracked jobs, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tracked := make([]*Job, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if j, ok := m.jobs[m.order[i]]; ok {
			tracked = append(tracked, j)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(tracked))
	for i, j := range tracked {
		out[i] = j.Snapshot()
	}
	return out
}

// Close stops accepting jobs, cancels running ones, and waits for them
// to unwind. Interrupted runs are safe to resubmit; committed chunks are
// recognized as duplicates on the next run.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) execute(j *Job, cfg index.RunnerConfig) {
	defer m.wg.Done()
	defer close(j.done)

	select {
	case m.sem <- struct{}{}:
	case <-m.baseCtx.Done():
		j.fail(fmt.Errorf("job manager shutting down: %w", m.baseCtx.Err()))
		return
	}
	defer func() { <-m.sem }()

	j.start()
	res, err := m.run(m.baseCtx, cfg, sink{j})
	if err != nil {
		j.fail(err)
		m.log.Warn("ingest_job_failed",
			slog.String("job_id", j.id),
			slog.String("collection", j.collection),
			slog.String("error", err.Error()))
		return
	}
	j.finish(res)
	m.log.Info("ingest_job_completed",
		slog.String("job_id", j.id),
		slog.String("collection", j.collection),
		slog.Int("documents", res.Files),
		slog.Int("chunks", res.Chunks),
		slog.Int("indexed", res.Indexed),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", res.Duration))
}

// pruneLocked drops the oldest finished jobs beyond the history cap.
// Pending and running jobs are never dropped. Caller holds m.mu.
func (m *Manager) pruneLocked() {
	finished := 0
	for _, id := range m.order {
		if j, ok := m.jobs[id]; ok && j.settled() {
			finished++
		}
	}
	if finished <= m.maxHistory {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		if finished > m.maxHistory && j.settled() {
			delete(m.jobs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (j *Job) settled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state == StateDone || j.state == StateFailed
}
