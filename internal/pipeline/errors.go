package pipeline

import (
	"errors"
	"fmt"
)

// Error is a coded pipeline failure.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeCaptureSourceFailure     = "CAPTURE_SOURCE_FAILURE"
	ErrCodeSinkNotReady             = "SINK_NOT_READY"
	ErrCodeUnsupportedConfiguration = "UNSUPPORTED_CONFIGURATION"
	ErrCodeStreamingConnectFailure  = "STREAMING_CONNECT_FAILURE"
	ErrCodeTimingAdjustmentSkipped  = "TIMING_ADJUSTMENT_SKIPPED"
	ErrCodeInvalidState             = "INVALID_STATE"
)

// Sentinels for errors.Is checks.
var (
	ErrCaptureSourceFailure     = &Error{Code: ErrCodeCaptureSourceFailure, Message: "capture source failed"}
	ErrSinkNotReady             = &Error{Code: ErrCodeSinkNotReady, Message: "sink input not ready"}
	ErrUnsupportedConfiguration = &Error{Code: ErrCodeUnsupportedConfiguration, Message: "unsupported configuration"}
	ErrStreamingConnectFailure  = &Error{Code: ErrCodeStreamingConnectFailure, Message: "streaming connect failed"}
	ErrTimingAdjustmentSkipped  = &Error{Code: ErrCodeTimingAdjustmentSkipped, Message: "no reference timestamp for resume"}
	ErrInvalidState             = &Error{Code: ErrCodeInvalidState, Message: "invalid session state"}
)

// NewError creates a new pipeline error
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Fatal reports whether err must stop the pipeline.
func Fatal(err error) bool {
	return errors.Is(err, ErrCaptureSourceFailure) || errors.Is(err, ErrUnsupportedConfiguration)
}
