package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrNotReady          = errors.New("result not ready")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError rejects a submission before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConversionError wraps an opaque converter failure. Timeouts are conversion
// errors for retry purposes.
type ConversionError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// PermanentFailure is recorded when a job exhausts its retries.
type PermanentFailure struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("job %s failed permanently after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *PermanentFailure) Unwrap() error { return e.Err }

// DeliveryFailure is a webhook that could not be delivered. It never affects
// job or batch state.
type DeliveryFailure struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s undelivered after %d attempts: status %d", e.URL, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("webhook %s undelivered after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
