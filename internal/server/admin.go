package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Aman-CERP/ragserve/internal/admission"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
	"github.com/Aman-CERP/ragserve/internal/trace"
)

const defaultTraceListLimit = 20

type traceListResponse struct {
	Traces     []trace.TraceView `json:"traces"`
	Statistics trace.Statistics  `json:"statistics"`
}

type statsResponse struct {
	Admission admission.Stats     `json:"admission"`
	Traces    trace.Statistics    `json:"traces"`
	Queries   *telemetry.Snapshot `json:"queries,omitempty"`
}

func (s *Server) handleListTraces(c *gin.Context) {
	limit := defaultTraceListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
				"limit must be a positive integer", err))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, traceListResponse{
		Traces:     s.tracer.Recent(limit),
		Statistics: s.tracer.Statistics(),
	})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	view, ok := s.tracer.Get(c.Param("id"))
	if !ok {
		writeError(c, ragerrors.NotFoundError(ragerrors.ErrCodeTraceNotFound,
			"trace "+c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := statsResponse{
		Admission: s.admission.Stats(),
		Traces:    s.tracer.Statistics(),
	}
	if s.telemetry != nil {
		resp.Queries = s.telemetry.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}
