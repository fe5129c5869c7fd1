// Package storage provides the SQLite persistence layer: the seen-record ledger,
// the feedback log and training run history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Validation errors.
var (
	ErrNilContext      = errors.New("context cannot be nil")
	ErrEmptyString     = errors.New("string parameter cannot be empty")
	ErrNilParameter    = errors.New("parameter cannot be nil")
	ErrInvalidFeedback = errors.New("invalid feedback")
	ErrInvalidRun      = errors.New("invalid training run")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateFeedback checks struct tags on model.Feedback and reports the first
// offending field as a ValidationError.
func validateFeedback(fb *model.Feedback) error {
	if fb == nil {
		return fmt.Errorf("%w: feedback", ErrNilParameter)
	}
	if err := validate.Struct(fb); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %w", ErrInvalidFeedback,
				&common.ValidationError{Field: strings.ToLower(fe.Field()), Reason: "failed " + fe.Tag()})
		}
		return fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
	}
	return nil
}

// validateRun validates a training run row.
func validateRun(run *model.TrainingRun) error {
	if run == nil {
		return fmt.Errorf("%w: run", ErrNilParameter)
	}
	if run.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidRun)
	}
	if run.Purpose == "" {
		return fmt.Errorf("%w: missing purpose", ErrInvalidRun)
	}
	if run.StartedAt.IsZero() {
		return fmt.Errorf("%w: missing start time", ErrInvalidRun)
	}
	return nil
}
