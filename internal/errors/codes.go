// Package errors provides structured error handling for ragserve.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Upstream errors (embedding endpoint, LLM, lexical/vector backend, cache)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
//   - 6XX: Not-found errors
//   - 7XX: Admission denials (HTTP 429 bodies)
//   - 8XX: Deadline errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryUpstream indicates failures of an external collaborator.
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryNotFound indicates a missing collection, source, or job.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryAdmission indicates a request denied by admission control.
	CategoryAdmission Category = "ADMISSION"
	// CategoryDeadline indicates the request deadline was exhausted.
	CategoryDeadline Category = "DEADLINE"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// IO errors (200-299)
	ErrCodeFileNotFound        = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission      = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull            = "ERR_203_DISK_FULL"
	ErrCodeFileTooLarge        = "ERR_204_FILE_TOO_LARGE"
	ErrCodeCorruptIndex        = "ERR_205_CORRUPT_INDEX"
	ErrCodeUnsupportedFileType = "ERR_206_UNSUPPORTED_FILE_TYPE"

	// Upstream errors (300-399)
	ErrCodeUpstreamTimeout     = "ERR_301_UPSTREAM_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeEmbeddingFailed     = "ERR_303_EMBEDDING_FAILED"
	ErrCodeLexicalUnavailable  = "ERR_304_LEXICAL_UNAVAILABLE"
	ErrCodeVectorUnavailable   = "ERR_305_VECTOR_UNAVAILABLE"
	ErrCodeGenerationFailed    = "ERR_306_GENERATION_FAILED"
	ErrCodeRerankerUnavailable = "ERR_307_RERANKER_UNAVAILABLE"
	ErrCodeCacheUnavailable    = "ERR_308_CACHE_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty        = "ERR_404_QUERY_EMPTY"
	ErrCodeQueryTooLong      = "ERR_405_QUERY_TOO_LONG"
	ErrCodeInvalidCollection = "ERR_406_INVALID_COLLECTION"
	ErrCodePayloadTooLarge   = "ERR_407_PAYLOAD_TOO_LARGE"
	ErrCodeModelMismatch     = "ERR_408_MODEL_MISMATCH"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeIndexFailed    = "ERR_502_INDEX_FAILED"
	ErrCodeSearchFailed   = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed = "ERR_504_CHUNKING_FAILED"

	// Not-found errors (600-699)
	ErrCodeCollectionNotFound = "ERR_601_COLLECTION_NOT_FOUND"
	ErrCodeSourceNotFound     = "ERR_602_SOURCE_NOT_FOUND"
	ErrCodeJobNotFound        = "ERR_603_JOB_NOT_FOUND"
	ErrCodeTraceNotFound      = "ERR_604_TRACE_NOT_FOUND"
	ErrCodeRouteNotFound      = "ERR_605_ROUTE_NOT_FOUND"

	// Admission denials (700-799)
	ErrCodeScopeDenied         = "ERR_701_SCOPE_DENIED"
	ErrCodeConcurrencyExceeded = "ERR_702_CONCURRENCY_EXCEEDED"
	ErrCodeRPMExceeded         = "ERR_703_RPM_EXCEEDED"
	ErrCodeRPHExceeded         = "ERR_704_RPH_EXCEEDED"
	ErrCodeBurstExceeded       = "ERR_705_BURST_EXCEEDED"
	ErrCodeSystemOverload      = "ERR_706_SYSTEM_OVERLOAD"
	ErrCodeQueueFull           = "ERR_707_QUEUE_FULL"
	ErrCodeUnauthorized        = "ERR_708_UNAUTHORIZED"

	// Deadline errors (800-899)
	ErrCodeDeadlineExceeded = "ERR_801_DEADLINE_EXCEEDED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	numStr := code[4:7]
	if len(numStr) < 1 {
		return CategoryInternal
	}

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	case '6':
		return CategoryNotFound
	case '7':
		return CategoryAdmission
	case '8':
		return CategoryDeadline
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	// Fatal errors
	switch code {
	case ErrCodeCorruptIndex, ErrCodeDiskFull:
		return SeverityFatal
	}

	// Retryable upstream errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	// Default to error severity
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// All upstream failures are retried with backoff before being surfaced.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryUpstream
}

// HTTPStatus maps an error category to the HTTP status code its
// response should carry.
func HTTPStatus(err error) int {
	se, ok := err.(*ServiceError)
	if !ok {
		return 500
	}
	if se.Code == ErrCodePayloadTooLarge || se.Code == ErrCodeFileTooLarge {
		return 413
	}
	if se.Code == ErrCodeScopeDenied {
		return 403
	}
	if se.Code == ErrCodeUnauthorized {
		return 401
	}
	switch se.Category {
	case CategoryValidation:
		return 400
	case CategoryNotFound:
		return 404
	case CategoryAdmission:
		return 429
	case CategoryUpstream:
		return 503
	case CategoryDeadline:
		return 504
	default:
		return 500
	}
}
