package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/opencanvas/genstudio-api/internal/api/shared"
	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/service"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	if denied, ok := domain.IsPermissionDenied(err); ok {
		switch denied.Reason {
		case domain.DenialInsufficientCredits:
			return http.StatusPaymentRequired
		case domain.DenialConcurrencyLimit, domain.DenialQuotaExceeded:
			return http.StatusTooManyRequests
		default:
			return http.StatusForbidden
		}
	}

	switch {
	// Not found errors. Another user's task also reads as not found so
	// task ids do not leak across users.
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, service.ErrTaskNotOwned):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrTaskNotActive),
		errors.Is(err, store.ErrDuplicateSubmission):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUnknownProvider),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	// Denial messages are written for end users; pass them through.
	if denied, ok := domain.IsPermissionDenied(err); ok {
		if denied.Message != "" {
			return denied.Message
		}
		return "Submission denied"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, service.ErrTaskNotOwned):
		return "Task not found"

	case errors.Is(err, service.ErrTaskNotActive):
		return "Task is no longer active"

	case errors.Is(err, store.ErrDuplicateSubmission):
		return "A task with this idempotency key already exists"

	case errors.Is(err, domain.ErrUnknownProvider):
		return "Unknown provider"

	case errors.Is(err, domain.ErrValidation):
		return SanitizeValidationError(err)

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case errors.Is(err, domain.ErrForbidden):
		return "Access forbidden"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError maps err to a status code and a sanitized message and
// writes the response. Admission denials additionally carry their
// machine-readable reason code for clients to branch on.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallbackMessage string) {
	status := MapErrorToStatusCode(err)

	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallbackMessage != "" {
		message = fallbackMessage
	}

	var opts []shared.ResponseOption
	if denied, ok := domain.IsPermissionDenied(err); ok {
		opts = append(opts, shared.WithReason(string(denied.Reason)))
	}

	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Validator errors look like:
	// "Key: 'JobSpec.Prompt' Error:Field validation for 'Prompt' failed on the 'required' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}

				if tag != "" {
					return "Invalid " + field + ": " + getValidationTagMessage(tag)
				}
				return "Invalid " + field
			}
		}
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url":
		return "invalid URL"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
