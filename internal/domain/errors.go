package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the pipeline. Callers branch on these with
// errors.Is; everything the ingest path and the workers surface wraps
// one of them.
var (
	ErrValidation       = errors.New("validation error")
	ErrAuthorization    = errors.New("authorization error")
	ErrNotFound         = errors.New("not found")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrTransientBroker  = errors.New("transient broker error")
	ErrTransientStore   = errors.New("transient store error")
	ErrUnrecoverable    = errors.New("unrecoverable error")
	ErrRateLimited      = errors.New("rate limited")
	ErrAuth             = errors.New("authentication error")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Authorizationf wraps ErrAuthorization with a formatted reason.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAuthorization}, args...)...)
}

// Retryable reports whether an error is worth re-attempting. Validation,
// authorization and unrecoverable errors are not; broker/store transients
// and open circuits are.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnrecoverable):
		return false
	}
	return true
}
