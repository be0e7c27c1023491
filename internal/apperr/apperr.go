// Package apperr defines the error taxonomy shared by the store, the core
// components and the HTTP adapters.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient storage failure")
)

// ValidationError reports a bad input, naming the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflict wraps ErrConflict with a message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the name of the missing thing.
func NotFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

// TransientError marks an I/O failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient failure worth one more attempt.
// Cancelled or expired contexts are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// FieldOf returns the offending field of a validation error, or "".
func FieldOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}

// RetryOnce runs fn, and runs it a second time if the first failure is
// retryable. The second error, if any, is returned as is.
func RetryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if !IsRetryable(err) || ctx.Err() != nil {
		return err
	}
	return fn()
}
