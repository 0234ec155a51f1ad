package errors

import (
	"context"
	"errors"
	"os"
	"strings"
)

// StorageError represents a storage-specific error with additional context
type StorageError struct {
	*AppError
	Backend   string `json:"backend,omitempty"`   // "local", "s3", "sqlite", "postgres", ...
	Operation string `json:"operation,omitempty"` // "store", "load", "backup", "commit", ...
	Key       string `json:"key,omitempty"`       // version id, object key or record id
	Transient bool   `json:"transient"`
}

// Unwrap exposes the wrapped AppError so errors.As finds it
func (se *StorageError) Unwrap() error {
	return se.AppError
}

// NewStorageError creates a new storage error
func NewStorageError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeStorage,
		Code:       code,
		Message:    message,
		Retryable:  code == CodeReadFailed,
		HTTPStatus: getDefaultHTTPStatus(ErrorTypeStorage),
	}
}

// NewStorageIOError wraps a failed read or write against a backend
func NewStorageIOError(backend, operation, key string, err error) *StorageError {
	code := CodeStorageError
	switch operation {
	case "store", "write", "commit", "save", "backup", "delete":
		code = CodeWriteFailed
	case "load", "read", "get", "list":
		code = CodeReadFailed
	}

	appErr := WrapError(err, ErrorTypeStorage, code, "storage "+operation+" failed")
	appErr.WithContext("backend", backend).WithContext("operation", operation)
	if key != "" {
		appErr.WithContext("key", key)
	}

	return &StorageError{
		AppError:  appErr,
		Backend:   backend,
		Operation: operation,
		Key:       key,
		Transient: isTransientStorageError(err),
	}
}

// IsTransient reports whether retrying the operation may succeed
func (se *StorageError) IsTransient() bool {
	return se.Transient
}

func isTransientStorageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStorageTimeout) ||
		errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection reset", "connection refused", "temporarily unavailable", "database is locked"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
