// Package common defines shared constants and sentinel errors used across
// the broker layers. Callers should use errors.Is to match these values.
package common

import (
	"context"
	"errors"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Input errors; never retried.
	ErrValidation = errors.New("validation error")

	// Upload errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrConflict         = errors.New("already in progress or initialized")

	// Lifecycle errors: the transfer's current status does not allow the operation.
	ErrInvalidState = errors.New("operation not allowed in current status")

	// Storage errors that are worth retrying.
	ErrTransientStorage = errors.New("transient storage error")

	// Context cancellation or deadline; the operation was aborted and cleaned up.
	ErrCancelled = errors.New("cancelled")

	// Idempotency: the operation key was already used and its outcome is not known locally.
	ErrAlreadyProcessed = errors.New("already processed")

	// Auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
)

// Retryable reports whether err is of a kind the caller may retry later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Cancelled wraps a context error so that it matches both ErrCancelled and
// the original context error.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrCancelled, err)
}
