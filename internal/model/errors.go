package model

import (
	"errors"
	"fmt"
)

// ConflictError reports an etag/version mismatch on a conditional write.
// Always recoverable by re-fetch-and-retry at a higher layer.
type ConflictError struct {
	// ExpectedETag is the caller-supplied If-Match value.
	ExpectedETag string
	// ActualETag is the server-side etag, when the backend disclosed it.
	ActualETag string
}

func (e *ConflictError) Error() string {
	if e.ActualETag != "" {
		return fmt.Sprintf("etag conflict: expected %q, server has %q", e.ExpectedETag, e.ActualETag)
	}
	return fmt.Sprintf("etag conflict: expected %q", e.ExpectedETag)
}

// PermissionError reports a write against a read-only calendar or an auth
// failure. Never retried automatically.
type PermissionError struct {
	Op       string
	Calendar string
	Reason   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s on calendar %q not permitted: %s", e.Op, e.Calendar, e.Reason)
}

// ValidationError reports malformed request or response data. The event is
// left untouched and the error surfaced to the caller.
type ValidationError struct {
	Msg  string
	Body string
}

func (e *ValidationError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %s", e.Msg, e.Body)
	}
	return e.Msg
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsPermission reports whether err is (or wraps) a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
