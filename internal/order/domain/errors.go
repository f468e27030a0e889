package domain

import "errors"

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrEmptyCart     = errors.New("cart is empty")
	// ErrCartLocked rejects cart edits while an unexpired checkout hold
	// exists; the caller retries after payment settles or the TTL passes.
	ErrCartLocked = errors.New("cart locked for checkout")
	// ErrServiceUnavailable marks a peer service as unreachable. Retryable
	// by the caller, never retried internally.
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidToken       = errors.New("invalid or expired token")
)
