package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTraces bounds the finished-trace store.
const DefaultMaxTraces = 1000

// Trace is a tree of spans sharing a trace id. The first span is the
// root; stage spans hang off it via StartSpan.
type Trace struct {
	tracer *Tracer
	id     string

	mu    sync.Mutex
	root  *Span
	spans []*Span
	done  bool
}

// TraceView is an immutable snapshot of a whole trace.
type TraceView struct {
	TraceID   string     `json:"trace_id"`
	Spans     []SpanView `json:"spans"`
	SpanCount int        `json:"span_count"`
}

// ID returns the trace id.
func (t *Trace) ID() string { return t.id }

// Root returns the root span.
func (t *Trace) Root() *Span { return t.root }

// StartSpan opens a stage span under the trace's root.
func (t *Trace) StartSpan(op string) *Span {
	return t.newSpan(op, t.root.spanID)
}

func (t *Trace) newSpan(op, parentID string) *Span {
	s := &Span{
		tr:       t,
		spanID:   uuid.NewString(),
		parentID: parentID,
		op:       op,
		start:    time.Now().UTC(),
		status:   StatusStarted,
	}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return s
}

// Finish ends the root span with the given outcome and moves the trace
// to the bounded store. Finishing twice is a no-op.
func (t *Trace) Finish(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	t.root.End(err)
	t.tracer.finish(t)
}

// Snapshot renders the whole span tree.
func (t *Trace) Snapshot() TraceView {
	t.mu.Lock()
	spans := append([]*Span(nil), t.spans...)
	t.mu.Unlock()

	view := TraceView{
		TraceID:   t.id,
		Spans:     make([]SpanView, len(spans)),
		SpanCount: len(spans),
	}
	for i, s := range spans {
		view.Spans[i] = s.Snapshot()
	}
	return view
}

// Tracer creates traces and stores the most recent finished ones.
type Tracer struct {
	maxTraces int

	mu       sync.Mutex
	active   map[string]*Trace
	finished []TraceView
}

// NewTracer creates a tracer keeping at most maxTraces finished traces;
// non-positive means DefaultMaxTraces.
func NewTracer(maxTraces int) *Tracer {
	if maxTraces <= 0 {
		maxTraces = DefaultMaxTraces
	}
	return &Tracer{
		maxTraces: maxTraces,
		active:    make(map[string]*Trace),
	}
}

// StartTrace opens a new trace whose root span carries op.
func (tr *Tracer) StartTrace(op string) *Trace {
	t := &Trace{tracer: tr, id: uuid.NewString()}
	t.root = t.newSpan(op, "")

	tr.mu.Lock()
	tr.active[t.id] = t
	tr.mu.Unlock()
	return t
}

func (tr *Tracer) finish(t *Trace) {
	view := t.Snapshot()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.active, t.id)
	tr.finished = append(tr.finished, view)
	if overflow := len(tr.finished) - tr.maxTraces; overflow > 0 {
		tr.finished = append(tr.finished[:0], tr.finished[overflow:]...)
	}
}

// Get returns a trace by id, checking active traces before the store.
func (tr *Tracer) Get(id string) (TraceView, bool) {
	tr.mu.Lock()
	t, ok := tr.active[id]
	tr.mu.Unlock()
	if ok {
		return t.Snapshot(), true
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.finished) - 1; i >= 0; i-- {
		if tr.finished[i].TraceID == id {
			return tr.finished[i], true
		}
	}
	return TraceView{}, false
}

// Recent returns up to limit finished traces, oldest first. A
// non-positive limit returns everything stored.
func (tr *Tracer) Recent(limit int) []TraceView {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if limit <= 0 || limit > len(tr.finished) {
		limit = len(tr.finished)
	}
	return append([]TraceView(nil), tr.finished[len(tr.finished)-limit:]...)
}

// Statistics summarizes the trace store.
type Statistics struct {
	TotalTraces   int     `json:"total_traces"`
	ActiveTraces  int     `json:"active_traces"`
	TotalSpans    int     `json:"total_spans"`
	AvgDurationMS float64 `json:"average_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// Statistics reports totals over the finished store plus the count of
// in-flight traces. Success rate is the fraction of finished traces
// whose root span succeeded.
func (tr *Tracer) Statistics() Statistics {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	stats := Statistics{
		TotalTraces:  len(tr.finished),
		ActiveTraces: len(tr.active),
	}
	if stats.TotalTraces == 0 {
		return stats
	}

	var totalMS float64
	var measured, succeeded int
	for _, view := range tr.finished {
		stats.TotalSpans += view.SpanCount
		for _, span := range view.Spans {
			if span.End != nil {
				totalMS += span.DurationMS
				measured++
			}
		}
		if len(view.Spans) > 0 && view.Spans[0].Status == StatusSuccess {
			succeeded++
		}
	}
	if measured > 0 {
		stats.AvgDurationMS = totalMS / float64(measured)
	}
	stats.SuccessRate = float64(succeeded) / float64(stats.TotalTraces)
	return stats
}
