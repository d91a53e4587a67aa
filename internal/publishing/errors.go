package publishing

import (
	"errors"
	"fmt"

	"github.com/citewalk/content-pipeline/internal/models"
)

var (
	// ErrValidation matches every *ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrContentPolicy matches every *ContentPolicyError
	ErrContentPolicy = errors.New("content policy violation")
	// ErrNotFound is returned for unknown or deleted items
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller does not own the item
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ContentPolicyError is returned when the classifier rejects content
type ContentPolicyError struct {
	ReasonCode models.ReasonCode
	Reason     string
}

func (e *ContentPolicyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("content rejected (%s)", e.ReasonCode)
	}
	return e.Reason
}

func (e *ContentPolicyError) Is(target error) bool {
	return target == ErrContentPolicy
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
