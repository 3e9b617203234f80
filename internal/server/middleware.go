package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aman-CERP/ragserve/internal/admission"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

const apiKeyHeader = "X-API-Key"

// logRequests emits one line per completed request.
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			slog.String("client", c.ClientIP()))
	}
}

// observeRequests tracks in-flight gauge and per-endpoint counters. The
// route template keeps the endpoint label bounded; unmatched paths
// collapse into one bucket.
func (s *Server) observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.ActiveRequests.Inc()
		start := time.Now()
		c.Next()
		s.metrics.ActiveRequests.Dec()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.RecordRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// recovered turns a handler panic into a 500 with the shared error body.
func (s *Server) recovered(c *gin.Context, rec any) {
	s.log.Error("handler_panic",
		slog.String("path", c.Request.URL.Path),
		slog.Any("panic", rec))
	writeError(c, ragerrors.New(ragerrors.ErrCodeInternal, "internal server error", nil))
}

// limitBody caps every request body at max_request_size_mb. Reads past
// the cap fail with a MaxBytesError, which coerce maps to 413.
func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
		c.Next()
	}
}

// requireAPIKey rejects requests whose X-API-Key header does not match
// the configured key. An empty configured key disables the check for
// local development.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	key := []byte(s.cfg.HTTP.APIKey)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(apiKeyHeader))
		if subtle.ConstantTimeCompare(got, key) != 1 {
			writeError(c, ragerrors.New(ragerrors.ErrCodeUnauthorized,
				"missing or invalid API key", nil))
			return
		}
		c.Next()
	}
}

// requireScope admits the request under the given scope and releases
// the slot when the handler finishes. Clients without the scope get the
// standard denial body.
func (s *Server) requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dec := s.admission.Admit(s.clientID(c), scope)
		if !dec.Allowed {
			s.metrics.RecordDenial(dec.Reason)
			writeError(c, admission.DenialError(dec))
			return
		}
		defer dec.Ticket.Release()
		c.Next()
	}
}
