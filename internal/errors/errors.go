// Package errors provides structured error types for rowcache.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryRemote   ErrorCategory = "REMOTE"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Remote codes
	CodeFetchFailed     = "FETCH_FAILED"
	CodeTransportFailed = "TRANSPORT_FAILED"
	CodeDecodeFailed    = "DECODE_FAILED"

	// Schema codes
	CodeTableExists       = "TABLE_EXISTS"
	CodeDDLFailed         = "DDL_FAILED"
	CodeInvalidColumnType = "INVALID_COLUMN_TYPE"
	CodeInvalidColumnName = "INVALID_COLUMN_NAME"

	// Storage codes
	CodeOpenFailed   = "OPEN_FAILED"
	CodeInsertFailed = "INSERT_FAILED"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeLocked       = "LOCKED"

	// Config codes
	CodeInvalidDefinition = "INVALID_DEFINITION"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys carried by remote errors.
const (
	DetailStatus = "status"
	DetailReason = "reason"
)

// CacheError is the structured error type used throughout the system.
type CacheError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CacheError) Is(target error) bool {
	var t *CacheError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CacheError.
func New(category ErrorCategory, code, message string) *CacheError {
	return &CacheError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CacheError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CacheError {
	return &CacheError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CacheError) WithDetails(details map[string]interface{}) *CacheError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CacheError.
func GetCategory(err error) ErrorCategory {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CacheError.
func GetCode(err error) string {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// RemoteStatus extracts the HTTP status and reason carried by a remote error.
// Transport failures report status 0.
func RemoteStatus(err error) (status int, reason string, ok bool) {
	var ce *CacheError
	if !errors.As(err, &ce) || ce.Category != ErrCategoryRemote {
		return 0, "", false
	}
	status, _ = ce.Details[DetailStatus].(int)
	reason, _ = ce.Details[DetailReason].(string)
	return status, reason, true
}

// Remote errors are never retried: callers see the failure immediately.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && (code == CodeOpenFailed || code == CodeLocked):
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewRemoteFetchError reports a non-success API response.
func NewRemoteFetchError(status int, reason string) *CacheError {
	msg := fmt.Sprintf("remote request failed with status %d", status)
	if reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, reason)
	}
	return New(ErrCategoryRemote, CodeFetchFailed, msg).WithDetails(map[string]interface{}{
		DetailStatus: status,
		DetailReason: reason,
	})
}

// NewTransportError folds a transport failure into the remote error shape.
func NewTransportError(cause error) *CacheError {
	return Wrap(ErrCategoryRemote, CodeTransportFailed, "remote request failed", cause).WithDetails(map[string]interface{}{
		DetailStatus: 0,
		DetailReason: cause.Error(),
	})
}

func NewSchemaError(code, message string, cause error) *CacheError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewStorageError(code, message string, cause error) *CacheError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string, cause error) *CacheError {
	return Wrap(ErrCategoryConfig, CodeInvalidDefinition, message, cause)
}

func NewInternalError(message string, cause error) *CacheError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
