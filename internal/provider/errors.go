package provider

import (
	"errors"
	"fmt"
)

// ErrCancelNotSupported is returned by adapters whose provider has no cancel
// API. Callers treat it as a successful best-effort cancel.
var ErrCancelNotSupported = errors.New("provider does not support cancellation")

// TransientError marks a provider call failure worth retrying: network
// errors, timeouts, rate limits, provider 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
