package core

import "errors"

var (
	// ErrInvalidConfig indicates a strategy definition failed validation.
	// Fatal at load for that strategy only.
	ErrInvalidConfig = errors.New("invalid strategy config")
	// ErrRateLimited indicates the exchange throttled the request. Retryable.
	ErrRateLimited = errors.New("rate limited")
	// ErrNetwork indicates a transport-level failure. Retryable.
	ErrNetwork = errors.New("network error")
	// ErrInsufficientBalance indicates the exchange rejected the order for lack of funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidPrice indicates the exchange rejected the order price.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrHedgeDesync indicates hedge exposure diverged beyond tolerance after bounded retries.
	ErrHedgeDesync = errors.New("hedge desync")
	// ErrPersistence indicates a snapshot write or read failed after retries.
	ErrPersistence = errors.New("persistence failure")
)

// Retryable reports whether an exchange error is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// FatalForLevel reports whether an exchange error should flag the affected
// grid level and skip it rather than retry.
func FatalForLevel(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInvalidPrice)
}
