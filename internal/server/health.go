package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/pkg/version"
)

type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	EmbeddingModel string `json:"embedding_model"`
}

type readyCheck struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type readyResponse struct {
	Status    string                `json:"status"`
	Timestamp string                `json:"timestamp"`
	Checks    map[string]readyCheck `json:"checks"`
}

type notReadyResponse struct {
	errorBody
	Checks map[string]readyCheck `json:"checks"`
}

type liveResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Version:        version.Version,
		EmbeddingModel: s.embedder.ModelName(),
	})
}

// handleReady aggregates adapter pings. Readiness gates on the
// embedding provider and the catalog; admission load is reported but
// does not fail the probe, since an overloaded node still serves what
// its quota admits.
func (s *Server) handleReady(c *gin.Context) {
	ctx := c.Request.Context()
	checks := make(map[string]readyCheck, 3)

	embedderOK := s.embedder.Available(ctx)
	checks["embedder"] = readyCheck{Healthy: embedderOK, Detail: s.embedder.ModelName()}

	_, catErr := s.catalog.List(ctx)
	catCheck := readyCheck{Healthy: catErr == nil}
	if catErr != nil {
		catCheck.Detail = coerce(catErr).Message
	}
	checks["catalog"] = catCheck

	stats := s.admission.Stats()
	checks["admission"] = readyCheck{Healthy: true, Detail: stats.Status}

	if embedderOK && catErr == nil {
		c.JSON(http.StatusOK, readyResponse{
			Status:    "ready",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		})
		return
	}

	cause := catErr
	if !embedderOK {
		cause = ragerrors.New(ragerrors.ErrCodeProviderUnavailable,
			"embedding provider is not reachable", nil)
	}
	c.JSON(http.StatusServiceUnavailable, notReadyResponse{
		errorBody: errorPayload(coerce(cause)),
		Checks:    checks,
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, liveResponse{
		Status:        "alive",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}
