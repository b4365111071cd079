// Package errors provides standardized error types for tripbench.
package errors

import (
	"errors"
	"fmt"
)

// Error codes used to classify benchmark failures.
const (
	CodeDataSourceNotFound   = "DATA_SOURCE_NOT_FOUND"
	CodeSchemaMismatch       = "SCHEMA_MISMATCH"
	CodeBackendFailed        = "BACKEND_FAILED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNoSuccessfulBackends = "NO_SUCCESSFUL_BACKENDS"
	CodeInternal             = "INTERNAL_ERROR"
)

// BenchError represents a benchmark error with code, message, and optional details.
type BenchError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *BenchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *BenchError) Unwrap() error {
	return e.Cause
}

// Is matches any BenchError carrying the same code.
func (e *BenchError) Is(target error) bool {
	t, ok := target.(*BenchError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *BenchError) WithDetail(key string, value interface{}) *BenchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrDataSourceNotFound   = &BenchError{Code: CodeDataSourceNotFound, Message: "data source not found"}
	ErrSchemaMismatch       = &BenchError{Code: CodeSchemaMismatch, Message: "schema mismatch"}
	ErrBackendFailed        = &BenchError{Code: CodeBackendFailed, Message: "backend execution failed"}
	ErrInvalidQuery         = &BenchError{Code: CodeInvalidRequest, Message: "invalid query"}
	ErrNoSuccessfulBackends = &BenchError{Code: CodeNoSuccessfulBackends, Message: "no backend completed successfully"}
)

// New creates a new BenchError with the given code and message.
func New(code, message string) *BenchError {
	return &BenchError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new BenchError with a formatted message.
func Newf(code, format string, args ...interface{}) *BenchError {
	return &BenchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a BenchError.
func Wrap(err error, code, message string) *BenchError {
	if err == nil {
		return nil
	}
	return &BenchError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *BenchError {
	if err == nil {
		return nil
	}
	return &BenchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsDataSourceNotFound checks if an error reports a missing data source.
func IsDataSourceNotFound(err error) bool {
	return hasCode(err, CodeDataSourceNotFound)
}

// IsSchemaMismatch checks if an error reports an incompatible schema.
func IsSchemaMismatch(err error) bool {
	return hasCode(err, CodeSchemaMismatch)
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return hasCode(err, CodeInvalidRequest)
}

func hasCode(err error, code string) bool {
	var benchErr *BenchError
	if errors.As(err, &benchErr) {
		return benchErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error. Errors that do not carry a
// code are reported as backend failures: they come from the engines.
func GetCode(err error) string {
	var benchErr *BenchError
	if errors.As(err, &benchErr) {
		return benchErr.Code
	}
	return CodeBackendFailed
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var benchErr *BenchError
	if errors.As(err, &benchErr) {
		if benchErr.Cause != nil {
			return fmt.Sprintf("%s: %v", benchErr.Message, benchErr.Cause)
		}
		return benchErr.Message
	}
	return err.Error()
}
