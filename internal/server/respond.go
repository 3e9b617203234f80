package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// errorBody is the shape every failed response carries: a machine
// readable tag in error, a human detail, and for denials the reason
// plus a retry hint in whole seconds.
type errorBody struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// coerce normalizes any error into a ServiceError so the status mapping
// and body rendering stay uniform. Body-size overruns from
// http.MaxBytesReader become payload-too-large.
func coerce(err error) *ragerrors.ServiceError {
	var se *ragerrors.ServiceError
	if errors.As(err, &se) {
		return se
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return ragerrors.New(ragerrors.ErrCodePayloadTooLarge,
			"request body exceeds "+strconv.FormatInt(tooBig.Limit, 10)+" bytes", err)
	}
	return ragerrors.Wrap(ragerrors.ErrCodeInternal, err)
}

func errorPayload(se *ragerrors.ServiceError) errorBody {
	body := errorBody{
		Error:     se.Code,
		Detail:    se.Message,
		Reason:    se.Details["reason"],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if v := se.Details["retry_after_seconds"]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			body.RetryAfter = secs
		}
	}
	return body
}

// writeError renders err as the shared error body and aborts the
// handler chain. Denials additionally get a Retry-After header.
func writeError(c *gin.Context, err error) {
	se := coerce(err)
	body := errorPayload(se)
	if body.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	c.AbortWithStatusJSON(ragerrors.HTTPStatus(se), body)
}

// bindJSON decodes the request body, mapping size overruns to 413 and
// everything else to a validation failure.
func bindJSON(c *gin.Context, dst any) error {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return coerce(err)
	}
	return ragerrors.New(ragerrors.ErrCodeInvalidInput,
		"request body is not valid JSON: "+err.Error(), err)
}
