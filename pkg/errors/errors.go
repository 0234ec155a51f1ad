package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common application errors
var (
	// Lifecycle errors
	ErrPointerConflict    = errors.New("production pointer changed concurrently")
	ErrDeploymentAborted  = errors.New("deployment aborted")
	ErrExperimentNotReady = errors.New("experiment not ready for evaluation")
	ErrArtifactExists     = errors.New("artifact already stored for version")

	// Storage errors
	ErrStorageTimeout       = errors.New("storage operation timeout")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeStorage     ErrorType = "storage"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeIntegrity   ErrorType = "integrity"
	ErrorTypeHealthCheck ErrorType = "health_check"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeRollback    ErrorType = "rollback"
	ErrorTypeInternal    ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Retryable  bool                   `json:"retryable"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause attaches the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	e.Retryable = e.Retryable || isRetryable(err)
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		Retryable:  isRetryable(err),
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewNotFoundError creates an error for a missing version, experiment or deployment
func NewNotFoundError(kind, id string) *AppError {
	return NewAppError(ErrorTypeNotFound, CodeNotFound, fmt.Sprintf("%s not found", kind)).
		WithContext("kind", kind).
		WithContext("id", id).
		WithDetails(id)
}

// NewIntegrityError reports an artifact whose bytes no longer match the recorded hash
func NewIntegrityError(versionID, expected, actual string) *AppError {
	return NewAppError(ErrorTypeIntegrity, CodeHashMismatch, "artifact hash mismatch").
		WithDetails(fmt.Sprintf("version %s: expected %s, got %s", versionID, expected, actual)).
		WithContext("version_id", versionID).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// NewConflictError creates a conflict error
func NewConflictError(code, message string) *AppError {
	return NewAppError(ErrorTypeConflict, code, message)
}

// NewRollbackError creates a rollback error
func NewRollbackError(deploymentID string, cause error) *AppError {
	return WrapError(cause, ErrorTypeRollback, CodeRollbackFailed, "rollback failed").
		WithContext("deployment_id", deploymentID)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 500,
	}
}

// TypeOf returns the ErrorType of the outermost typed error in the chain, or ""
func TypeOf(err error) ErrorType {
	for err != nil {
		switch e := err.(type) {
		case *HealthCheckError:
			return ErrorTypeHealthCheck
		case *StorageError:
			return ErrorTypeStorage
		case *AppError:
			return e.Type
		}

		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if t := TypeOf(inner); t != "" {
					return t
				}
			}
			return ""
		default:
			return ""
		}
	}
	return ""
}

func IsNotFound(err error) bool    { return TypeOf(err) == ErrorTypeNotFound }
func IsValidation(err error) bool  { return TypeOf(err) == ErrorTypeValidation }
func IsIntegrity(err error) bool   { return TypeOf(err) == ErrorTypeIntegrity }
func IsStorage(err error) bool     { return TypeOf(err) == ErrorTypeStorage }
func IsConflict(err error) bool    { return TypeOf(err) == ErrorTypeConflict }
func IsHealthCheck(err error) bool { return TypeOf(err) == ErrorTypeHealthCheck }

// HTTPStatus resolves the status code an API layer should answer with
func HTTPStatus(err error) int {
	if appErr, ok := err.(*AppError); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return getDefaultHTTPStatus(TypeOf(err))
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return 400
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeConflict:
		return 409
	case ErrorTypeHealthCheck, ErrorTypeIntegrity:
		return 422
	case ErrorTypeStorage:
		return 503
	default:
		return 500
	}
}

// isRetryable determines if an error is retryable
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrStorageTimeout):
		return true
	case errors.Is(err, ErrConnectionFailed):
		return true
	case errors.Is(err, ErrStorageUnavailable):
		return true
	case errors.Is(err, ErrPointerConflict):
		return true
	default:
		return false
	}
}

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	parts := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return fmt.Sprintf("%s: %s", ve.Message, strings.Join(parts, "; "))
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// AsAppError folds the collected details into a single validation AppError
func (ve *ValidationErrors) AsAppError() *AppError {
	appErr := NewValidationError(CodeInvalidInput, ve.Error())
	appErr.WithContext("errors", ve.Errors)
	return appErr
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput        = "INVALID_INPUT"
	CodeMissingField        = "MISSING_FIELD"
	CodeOutOfRange          = "OUT_OF_RANGE"
	CodeInvalidIncrement    = "INVALID_INCREMENT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeExperimentNotReady  = "EXPERIMENT_NOT_READY"
	CodeUnsupportedStrategy = "UNSUPPORTED_STRATEGY"
	CodeApprovalRequired    = "APPROVAL_REQUIRED"
	CodeVersionDeprecated   = "VERSION_DEPRECATED"
	CodeNoChampion          = "NO_CHAMPION"
	CodeArtifactExists      = "ARTIFACT_EXISTS"

	// Lookup error codes
	CodeNotFound = "NOT_FOUND"

	// Integrity error codes
	CodeHashMismatch = "HASH_MISMATCH"

	// Storage error codes
	CodeStorageError  = "STORAGE_ERROR"
	CodeWriteFailed   = "WRITE_FAILED"
	CodeReadFailed    = "READ_FAILED"
	CodeInvalidConfig = "INVALID_CONFIG"

	// Deployment error codes
	CodeHealthCheckFailed = "HEALTH_CHECK_FAILED"
	CodeCanaryRegression  = "CANARY_REGRESSION"
	CodePointerConflict   = "POINTER_CONFLICT"
	CodeDeploymentAborted = "DEPLOYMENT_ABORTED"
	CodeRollbackFailed    = "ROLLBACK_FAILED"
	CodeNoRollbackTarget  = "NO_ROLLBACK_TARGET"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
