package mcp

import (
	"context"
	"errors"
	"fmt"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// MCP error codes. The -32xxx range below -32000 follows JSON-RPC;
// -32001 through -32005 are service-specific.
const (
	// ErrCodeCollectionNotFound indicates the named collection does not
	// exist.
	ErrCodeCollectionNotFound = -32001

	// ErrCodeEmbeddingFailed indicates the embedding provider failed.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out or was canceled.
	ErrCodeTimeout = -32003

	// ErrCodeSearchFailed indicates retrieval against the indexes failed.
	ErrCodeSearchFailed = -32004

	// ErrCodeGenerationFailed indicates answer generation failed.
	ErrCodeGenerationFailed = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is a protocol error with a JSON-RPC code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP protocol errors, keeping
// the human-readable message and suggestion so the client can relay
// them.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var se *ragerrors.ServiceError
	if errors.As(err, &se) {
		return mapServiceError(se)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: err.Error()}
	}
}

// NewInvalidParamsError creates an error for invalid tool parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: msg,
	}
}

// NewResourceNotFoundError creates an error for unknown resource URIs.
func NewResourceNotFoundError(uri string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Resource '%s' not found.", uri),
	}
}

// mapServiceError maps service error codes onto the MCP code space.
func mapServiceError(se *ragerrors.ServiceError) *MCPError {
	message := se.Message
	if se.Suggestion != "" {
		message = fmt.Sprintf("%s %s", se.Message, se.Suggestion)
	}

	switch se.Code {
	case ragerrors.ErrCodeCollectionNotFound, ragerrors.ErrCodeSourceNotFound:
		return &MCPError{Code: ErrCodeCollectionNotFound, Message: message}
	case ragerrors.ErrCodeEmbeddingFailed, ragerrors.ErrCodeProviderUnavailable:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	case ragerrors.ErrCodeGenerationFailed:
		return &MCPError{Code: ErrCodeGenerationFailed, Message: message}
	case ragerrors.ErrCodeSearchFailed,
		ragerrors.ErrCodeLexicalUnavailable,
		ragerrors.ErrCodeVectorUnavailable:
		return &MCPError{Code: ErrCodeSearchFailed, Message: message}
	case ragerrors.ErrCodeUpstreamTimeout, ragerrors.ErrCodeDeadlineExceeded:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	}

	switch se.Category {
	case ragerrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case ragerrors.CategoryNotFound:
		return &MCPError{Code: ErrCodeCollectionNotFound, Message: message}
	case ragerrors.CategoryAdmission:
		// Tool calls share the pipeline's admission budget; a denial is
		// an invalid request for the client to back off on, not an
		// internal fault.
		return &MCPError{Code: ErrCodeInvalidRequest, Message: message}
	case ragerrors.CategoryDeadline:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
