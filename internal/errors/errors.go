// Package errors provides the structured error type used across the monitor.
//
// Every failure that crosses a component boundary carries an ErrorCode so the
// sampling loop and the compactor can decide whether to contain it at a tick
// boundary or abort startup.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	// ErrCodeAcquisition indicates the GPU query tool was missing, timed out,
	// exited non-zero or produced output of the wrong shape.
	ErrCodeAcquisition ErrorCode = "ACQUISITION"
	// ErrCodeStoreWrite indicates an I/O or lock failure while writing samples.
	ErrCodeStoreWrite ErrorCode = "STORE_WRITE"
	// ErrCodeStoreCorruption indicates the store file or schema is unreadable.
	ErrCodeStoreCorruption ErrorCode = "STORE_CORRUPTION"
	// ErrCodeCompaction indicates a prune or reclaim pass failed.
	ErrCodeCompaction ErrorCode = "COMPACTION"
	// ErrCodeExport indicates the snapshot could not be serialized or replaced.
	ErrCodeExport ErrorCode = "EXPORT"
	// ErrCodeConfig indicates invalid or unresolvable configuration.
	ErrCodeConfig ErrorCode = "CONFIG"
	// ErrCodeTimeout indicates an operation exceeded its time limit.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// StructuredError carries a code, a message, the underlying cause and
// optional key/value context for logging.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// LogAttrs flattens the error into slog key/value pairs.
func (e *StructuredError) LogAttrs() []any {
	attrs := make([]any, 0, 4+2*len(e.Context))
	attrs = append(attrs, "code", string(e.Code), "err", e.Error())
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// New creates a StructuredError without a cause.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithContext wraps an error and attaches context for diagnostics.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// CodeOf returns the code of the outermost StructuredError in the chain.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// HasCode reports whether any StructuredError in the chain has the code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var se *StructuredError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsTransient reports whether err should be contained at a tick or cycle
// boundary rather than stopping the process.
func IsTransient(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case ErrCodeAcquisition, ErrCodeStoreWrite, ErrCodeCompaction, ErrCodeExport, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// LogAttrs returns slog attributes for err, expanding structured context when present.
func LogAttrs(err error) []any {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.LogAttrs()
	}
	return []any{"err", err}
}
