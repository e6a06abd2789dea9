package imaging

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Concrete errors wrap one of these so callers can use errors.Is.
var (
	ErrNetworkUnavailable = errors.New("imaging: network unavailable")
	ErrValidation         = errors.New("imaging: validation failed")
	ErrNotFound           = errors.New("imaging: not found")
	ErrPartialFailure     = errors.New("imaging: partial failure")
	ErrArchiveUnavailable = errors.New("imaging: archive unavailable")
	ErrMalformedResponse  = errors.New("imaging: malformed response")
)

// ValidationError is a payload rejected locally or by the registry. It is
// never retried automatically.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError names the entity that does not exist (any more).
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NetworkError is a transient transport failure; the caller may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network unavailable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetworkUnavailable, e.Err} }

// ResponseError is a successful response whose body could not be decoded.
// Retrying returns the same body, so it is not a NetworkError.
type ResponseError struct {
	Op     string
	Status int
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *ResponseError) Unwrap() []error { return []error{ErrMalformedResponse, e.Err} }

// ArchiveUnavailableError reports that one archive could not be reached.
type ArchiveUnavailableError struct {
	ArchiveID int
	Err       error
}

func (e *ArchiveUnavailableError) Error() string {
	return fmt.Sprintf("archive %d unavailable: %v", e.ArchiveID, e.Err)
}

func (e *ArchiveUnavailableError) Unwrap() []error {
	return []error{ErrArchiveUnavailable, e.Err}
}

// PartialFailureError describes a multi-backend operation where some backends
// applied the change and others did not. The succeeded half is not undone.
type PartialFailureError struct {
	Op        string
	Succeeded []string
	Failed    []string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: partial failure: succeeded on %s, failed on %s: %v",
		e.Op, strings.Join(e.Succeeded, ","), strings.Join(e.Failed, ","), e.Err)
}

func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Err}
}
