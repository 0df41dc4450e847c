package domain

import (
	"errors"
	"fmt"
)

// Shared error taxonomy. Every venue adapter translates raw venue errors into
// one of these at the boundary, so callers never branch on venue-specific
// error strings.
var (
	// ErrAuthentication is fatal and never retried: bad credentials do not
	// become valid on retry.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNetwork covers connect errors and timeouts. Retried per Transport
	// policy.
	ErrNetwork = errors.New("network failure")

	// ErrRateLimited is surfaced after the Transport's backoff budget is
	// exhausted.
	ErrRateLimited = errors.New("rate limited")

	ErrMarketNotFound = errors.New("market not found")
	ErrOrderNotFound  = errors.New("order not found")

	// ErrInvalidOrder means the venue rejected the order parameters; callers
	// must not blindly retry the same request.
	ErrInvalidOrder = errors.New("invalid order parameters")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotSupported is returned by adapters for capabilities the venue does
	// not offer. Never a silent no-op.
	ErrNotSupported = errors.New("operation not supported")

	ErrSigningFailed = errors.New("signing failed")

	ErrSessionNotFound = errors.New("session not found")
)

// MissingCredentialError names the specific credential field a signer
// required but did not receive. Always fatal.
type MissingCredentialError struct {
	Field string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential field: %s", e.Field)
}

// StatusUnknownError marks an ambiguous post-send failure of a non-idempotent
// call: the request may or may not have been accepted by the venue, so the
// caller must reconcile via FetchOrder / FetchOpenOrders instead of retrying.
type StatusUnknownError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *StatusUnknownError) Error() string {
	return fmt.Sprintf("%s: status unknown, reconcile via fetch (order %s): %v", e.Op, e.OrderID, e.Err)
}

func (e *StatusUnknownError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the transient set the Transport
// is allowed to retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
