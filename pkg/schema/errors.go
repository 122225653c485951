package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeDisconnected      = "DISCONNECTED_GRAPH"
	ErrCodeNotAChain         = "NOT_A_CHAIN"
	ErrCodeInvalidDocument   = "INVALID_GRAPH_DOCUMENT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRejected          = "REJECTED"
	ErrCodeEmptyResponse     = "EMPTY_RESPONSE"
	ErrCodeQuotaExhausted    = "QUOTA_EXHAUSTED"
	ErrCodeQuota             = "QUOTA_ERROR"
	ErrCodeFatal             = "FATAL_ERROR"
	ErrCodeNoEligibleBackend = "NO_ELIGIBLE_BACKEND"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// ChainError is the structured error type for all imagechain operations.
type ChainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	ImageID string         `json:"image_id,omitempty"`
	Backend string         `json:"backend,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Code)
	b.WriteString("]")
	if e.ImageID != "" {
		b.WriteString(" image ")
		b.WriteString(e.ImageID)
	}
	if e.StepID != "" {
		b.WriteString(" step ")
		b.WriteString(e.StepID)
	}
	if e.Backend != "" {
		b.WriteString(" backend ")
		b.WriteString(e.Backend)
	}
	if e.ImageID != "" || e.StepID != "" || e.Backend != "" {
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ChainError) WithStep(stepID string) *ChainError {
	e.StepID = stepID
	return e
}

// WithImage attaches an image ID to the error.
func (e *ChainError) WithImage(imageID string) *ChainError {
	e.ImageID = imageID
	return e
}

// WithBackend attaches the backend name to the error.
func (e *ChainError) WithBackend(name string) *ChainError {
	e.Backend = name
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

// AsChainError unwraps err to the outermost *ChainError, if any.
func AsChainError(err error) (*ChainError, bool) {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost *ChainError in err's chain, or "".
func CodeOf(err error) string {
	if ce, ok := AsChainError(err); ok {
		return ce.Code
	}
	return ""
}

// IsCode reports whether the outermost *ChainError in err's chain has code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsCancelled reports whether err is a cancellation outcome.
func IsCancelled(err error) bool {
	return IsCode(err, ErrCodeCancelled)
}

// IsValidation reports whether err belongs to the graph validation family.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeDisconnected,
		ErrCodeNotAChain, ErrCodeInvalidDocument:
		return true
	}
	return false
}
