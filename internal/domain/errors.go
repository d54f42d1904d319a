package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a request or entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when the caller is neither the owner of a
	// task nor granted read access by the access-control collaborator.
	ErrForbidden = errors.New("access forbidden")

	// ErrUnknownProvider is returned when a job spec names a provider id
	// with no registered adapter.
	ErrUnknownProvider = errors.New("unknown provider")
)

// DenialReason is the closed, machine-readable set of admission denial
// codes. Callers branch on these values; the human-readable message is
// presentation only and must never be string-matched.
type DenialReason string

// Possible admission denial reasons.
const (
	DenialNoPermission        DenialReason = "NO_PERMISSION"
	DenialConcurrencyLimit    DenialReason = "CONCURRENCY_LIMIT"
	DenialQuotaExceeded       DenialReason = "QUOTA_EXCEEDED"
	DenialInsufficientCredits DenialReason = "INSUFFICIENT_CREDITS"
	DenialTierRestricted      DenialReason = "TIER_RESTRICTED"
)

// PermissionDeniedError is returned when admission refuses a submission
// before any task is created or credit charged.
type PermissionDeniedError struct {
	Reason  DenialReason
	Message string
}

// Error implements the error interface for PermissionDeniedError.
func (e *PermissionDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("permission denied (%s)", e.Reason)
}

// NewPermissionDenied creates a PermissionDeniedError with the given
// reason code and message.
func NewPermissionDenied(reason DenialReason, message string) *PermissionDeniedError {
	return &PermissionDeniedError{Reason: reason, Message: message}
}

// IsPermissionDenied reports whether err is a PermissionDeniedError and,
// if so, returns it.
func IsPermissionDenied(err error) (*PermissionDeniedError, bool) {
	var pd *PermissionDeniedError
	if errors.As(err, &pd) {
		return pd, true
	}
	return nil, false
}
