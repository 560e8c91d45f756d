package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrContinueWait ErrorCode = "CONTINUE_WAIT"
	ErrQuery        ErrorCode = "QUERY_ERROR"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the rollupd API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Stage   *QueryStage  `json:"stage,omitempty"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// ContinueWaitMessage is the error text of the continue-wait signal.
const ContinueWaitMessage = "Continue wait"

// ContinueWaitError signals that an operation is still running and the caller
// should ask again later. Stage is nil for scheduled refresh queries.
type ContinueWaitError struct {
	Stage *QueryStage
}

func (e *ContinueWaitError) Error() string {
	return ContinueWaitMessage
}

// IsContinueWait reports whether err is, or wraps, a ContinueWaitError.
func IsContinueWait(err error) bool {
	var cw *ContinueWaitError
	return errors.As(err, &cw)
}

// QueryError is a non-retryable execution failure surfaced to callers.
type QueryError struct {
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	return e.Message
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnsupportedPreAggregation is returned for pre-aggregation types that
	// cannot be refreshed on a schedule.
	ErrUnsupportedPreAggregation = errors.New("scheduled refresh is unsupported")

	// ErrEmptyCube is returned when a cube has neither measures nor dimensions.
	ErrEmptyCube = errors.New("can't refresh pre-aggregation without measures and dimensions")

	// ErrDependencyCycle is returned when pre-aggregation dependencies form a cycle.
	ErrDependencyCycle = errors.New("pre-aggregation dependency cycle")
)

// Refresh outcomes that are reported instead of raised.
const (
	RefreshUnusedPreAggregation = "Unused pre-aggregation"
	RefreshWaitingForCache      = "Waiting for cache"
)
