// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
)

// Lifecycle errors.
var (
	// ErrValidation marks malformed or missing input. The run or request fails as a whole.
	ErrValidation = errors.New("validation failed")
	// ErrNotReady means no artifact has been published yet.
	ErrNotReady = errors.New("model not ready")
	// ErrCorruptArtifact means an artifact could not be decoded or failed its checksum.
	ErrCorruptArtifact = errors.New("corrupt artifact")
	// ErrInsufficientData means evaluation or bootstrap had too little data to proceed.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrLocked means another trainer currently owns the run lock.
	ErrLocked = errors.New("training run already in progress")
)

// Configuration errors.
var (
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidationError describes which input field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
	Row    int // 1-based data row, 0 when not row-scoped
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("%v: row %d: %s %s", ErrValidation, e.Row, e.Field, e.Reason)
	}
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsBadInput reports whether err should be surfaced to a caller as a bad-input signal.
func IsBadInput(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnavailable reports whether err should be surfaced as service-unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrCorruptArtifact)
}
