// Package trace records per-request span trees in a bounded in-memory
// store. It backs the latency breakdown on query responses and the
// admin trace endpoints without requiring an external collector.
package trace

import (
	"sync"
	"time"
)

// Span statuses.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusError   = "error"
)

// LogEntry is one timestamped event attached to a span.
type LogEntry struct {
	Time    time.Time `json:"timestamp"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Span is one timed operation within a trace. Safe for concurrent use.
type Span struct {
	tr *Trace

	mu       sync.Mutex
	spanID   string
	parentID string
	op       string
	start    time.Time
	end      time.Time
	status   string
	tags     map[string]any
	logs     []LogEntry
}

// SpanView is an immutable snapshot of a span.
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

// ID returns the span's id.
func (s *Span) ID() string { return s.spanID }

// Op returns the operation name.
func (s *Span) Op() string { return s.op }

// SetTag attaches a key/value annotation to the span.
func (s *Span) SetTag(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags == nil {
		s.tags = make(map[string]any)
	}
	s.tags[key] = value
}

// Log attaches a timestamped event to the span.
func (s *Span) Log(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, LogEntry{Time: time.Now().UTC(), Level: level, Message: message})
}

// End finishes the span. A nil error marks success; otherwise the span
// is marked failed and the message recorded. Ending an ended span keeps
// the first outcome.
func (s *Span) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.end.IsZero() {
		return
	}
	s.end = time.Now().UTC()
	if err == nil {
		s.status = StatusSuccess
		return
	}
	s.status = StatusError
	if s.tags == nil {
		s.tags = make(map[string]any)
	}
	s.tags["error"] = true
	s.tags["error.message"] = err.Error()
	s.logs = append(s.logs, LogEntry{Time: s.end, Level: "error", Message: err.Error()})
}

// Duration returns the elapsed time, measured to now while the span is
// still open.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end.IsZero() {
		return time.Since(s.start)
	}
	return s.end.Sub(s.start)
}

// StartChild opens a nested span under this one.
func (s *Span) StartChild(op string) *Span {
	return s.tr.newSpan(op, s.spanID)
}

// Snapshot renders the span's current state.
func (s *Span) Snapshot() SpanView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := SpanView{
		TraceID:  s.tr.id,
		SpanID:   s.spanID,
		ParentID: s.parentID,
		Op:       s.op,
		Start:    s.start,
		Status:   s.status,
	}
	if !s.end.IsZero() {
		end := s.end
		view.End = &end
		view.DurationMS = float64(s.end.Sub(s.start)) / float64(time.Millisecond)
	}
	if len(s.tags) > 0 {
		view.Tags = make(map[string]any, len(s.tags))
		for k, v := range s.tags {
			view.Tags[k] = v
		}
	}
	if len(s.logs) > 0 {
		view.Logs = append([]LogEntry(nil), s.logs...)
	}
	return view
}
