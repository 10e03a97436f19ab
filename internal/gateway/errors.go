package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for gateway interactions. Callers branch on these with
// errors.Is; everything else is treated as retryable unavailability.
var (
	// ErrPaymentNotFound means the gateway has no payment with that id.
	ErrPaymentNotFound = errors.New("gateway: payment not found")

	// ErrInvalidSignature means a webhook signature did not verify.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")

	// ErrCreationRejected means the gateway refused a creation call outright
	// (malformed request, unsupported amount). Not retryable.
	ErrCreationRejected = errors.New("gateway: payment creation rejected")

	// ErrUnavailable means the gateway could not be reached or answered with a
	// server error. Retryable; the reconciliation job is the backstop.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// APIError carries the gateway's own error payload for logging.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway api error (http %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable reports whether the operation may be retried later with the
// same inputs without risk of a duplicate charge.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
