package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
)

// batchParallelism bounds concurrent batch items so one batch cannot
// claim the whole global capacity; remaining items wait in the
// admission queue.
const batchParallelism = 4

func (s *Server) handleQuery(c *gin.Context) {
	var req pipeline.Request
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	req.ClientID = s.clientID(c)

	res, err := s.queries.Query(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	s.recordQueryTelemetry(req, res)
	c.JSON(http.StatusOK, res)
}

// handleQueryStream answers over SSE: a start event, content deltas as
// generation produces them, and a final done event whose metadata is
// the full buffered result. Failures before the first byte keep their
// HTTP status; failures mid-stream arrive as an error event.
func (s *Server) handleQueryStream(c *gin.Context) {
	var req pipeline.Request
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	req.ClientID = s.clientID(c)

	sw := &sseWriter{c: c}
	res, err := s.queries.QueryStream(c.Request.Context(), req, sw.content)
	if err != nil {
		if !sw.started {
			writeError(c, err)
			return
		}
		sw.fail(coerce(err).Message)
		return
	}
	s.recordQueryTelemetry(req, res)
	sw.done(res)
}

// handleQueryBatch runs an array of queries with bounded parallelism
// and returns results in request order. Items are individually
// admitted, so a failed or denied item becomes an error element without
// affecting its neighbors.
func (s *Server) handleQueryBatch(c *gin.Context) {
	var reqs []pipeline.Request
	if err := bindJSON(c, &reqs); err != nil {
		writeError(c, err)
		return
	}
	if len(reqs) == 0 {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"batch requires at least one query", nil))
		return
	}

	clientID := s.clientID(c)
	leaves := make([]func(), len(reqs))
	for i := range reqs {
		reqs[i].ClientID = clientID
		leaves[i] = s.admission.EnterQueue(clientID)
	}

	results := make([]any, len(reqs))
	g := new(errgroup.Group)
	g.SetLimit(batchParallelism)
	for i := range reqs {
		g.Go(func() error {
			leaves[i]()
			res, err := s.queries.Query(c.Request.Context(), reqs[i])
			if err != nil {
				results[i] = errorPayload(coerce(err))
				return nil
			}
			s.recordQueryTelemetry(reqs[i], res)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	c.JSON(http.StatusOK, results)
}

func (s *Server) recordQueryTelemetry(req pipeline.Request, res *pipeline.Result) {
	if s.telemetry == nil {
		return
	}
	class := ""
	if res.QueryPlan != nil {
		class = string(res.QueryPlan.Class)
	}
	s.telemetry.Record(telemetry.Event{
		Collection: req.Collection,
		Query:      req.Question,
		Class:      class,
		Strategy:   res.SearchStrategy,
		Latency:    time.Duration(res.ProcessingTimeSeconds * float64(time.Second)),
		Results:    len(res.Sources),
		CacheHit:   res.FromCache,
		Refused:    res.Refused,
	})
}

type streamEvent struct {
	Type     string           `json:"type"`
	Content  string           `json:"content,omitempty"`
	Metadata *pipeline.Result `json:"metadata,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// sseWriter frames stream events as SSE data lines. Headers and the
// start event go out lazily on the first write so that errors raised
// before any output keep their proper status code.
type sseWriter struct {
	c       *gin.Context
	started bool
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	w.c.Header("Content-Type", "text/event-stream")
	w.c.Header("Cache-Control", "no-cache")
	w.c.Header("Connection", "keep-alive")
	w.c.Header("X-Accel-Buffering", "no")
	w.emit(streamEvent{Type: "start"})
}

func (w *sseWriter) content(delta string) {
	w.start()
	w.emit(streamEvent{Type: "content", Content: delta})
}

func (w *sseWriter) done(res *pipeline.Result) {
	w.start()
	w.emit(streamEvent{Type: "done", Metadata: res})
}

func (w *sseWriter) fail(msg string) {
	w.emit(streamEvent{Type: "error", Error: msg})
}

func (w *sseWriter) emit(ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", data)
	w.c.Writer.Flush()
}
