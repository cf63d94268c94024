package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a classified capture error.
type ErrorCode string

const (
	ErrCodeElementNotFound  ErrorCode = "element_not_found"
	ErrCodeExtraction       ErrorCode = "extraction_failure"
	ErrCodeSetup            ErrorCode = "setup_failure"
	ErrCodePersistence      ErrorCode = "persistence_failure"
	ErrCodeExport           ErrorCode = "export_failure"
	ErrCodeContextCancelled ErrorCode = "context_cancelled"
	ErrCodeTimeout          ErrorCode = "timeout"
	ErrCodeUnknown          ErrorCode = "unknown"
)

// CaptureError is a structured error raised by a capture component.
type CaptureError struct {
	Code      ErrorCode
	Component string
	Message   string
	Cause     error
}

func (e *CaptureError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match a CaptureError against the sentinel of its code.
func (e *CaptureError) Is(target error) bool {
	switch e.Code {
	case ErrCodeElementNotFound:
		return target == ErrElementNotFound
	case ErrCodeExtraction:
		return target == ErrExtraction
	case ErrCodeSetup:
		return target == ErrSetup
	}
	return false
}

// NewExtractionError builds an extraction failure for the given component.
func NewExtractionError(component, format string, args ...any) *CaptureError {
	return &CaptureError{
		Code:      ErrCodeExtraction,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
}

// NewSetupError builds a setup failure wrapping cause.
func NewSetupError(component string, cause error) *CaptureError {
	msg := "setup failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &CaptureError{
		Code:      ErrCodeSetup,
		Component: component,
		Message:   msg,
		Cause:     cause,
	}
}

// ClassifyError inspects an error and returns a *CaptureError with the appropriate code.
// Errors that already are CaptureErrors are returned unchanged.
func ClassifyError(err error, component string) *CaptureError {
	if err == nil {
		return nil
	}

	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}

	out := &CaptureError{
		Component: component,
		Message:   err.Error(),
		Cause:     err,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = ErrCodeTimeout
		out.Message = "operation timed out"
	case errors.Is(err, context.Canceled):
		out.Code = ErrCodeContextCancelled
		out.Message = "operation cancelled"
	case errors.Is(err, ErrElementNotFound):
		out.Code = ErrCodeElementNotFound
	case errors.Is(err, ErrExtraction):
		out.Code = ErrCodeExtraction
	case errors.Is(err, ErrSetup):
		out.Code = ErrCodeSetup
	default:
		out.Code = ErrCodeUnknown
	}
	return out
}

// IsErrorRetryable returns true if the error is likely transient and worth retrying.
func IsErrorRetryable(err error) bool {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return IsRetryable(ce.Code)
	}
	return false
}
