package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedSymbol marks a symbol whose shape matches no known market.
	// Callers drop the symbol: it is never cached and never retried.
	ErrUnrecognizedSymbol = errors.New("unrecognized symbol")

	// ErrAllProvidersExhausted means every eligible provider failed or had its breaker open
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrNoUsableData means the degraded fallback was absent or older than the ceiling
	ErrNoUsableData = errors.New("no usable data available")

	// ErrBreakerOpen is returned when a provider's circuit breaker rejects a call
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrUnsupported is returned by adapters asked for a market or kind they do not declare
	ErrUnsupported = errors.New("unsupported market or value kind")

	// ErrRateLimitExceeded is returned when a provider's own quota is spent
	ErrRateLimitExceeded = errors.New("provider rate limit exceeded")
)

// UnrecognizedSymbolError carries the offending symbol
type UnrecognizedSymbolError struct {
	Symbol string
}

func (e *UnrecognizedSymbolError) Error() string {
	return fmt.Sprintf("unrecognized symbol: %q", e.Symbol)
}

// Is makes errors.Is(err, ErrUnrecognizedSymbol) match
func (e *UnrecognizedSymbolError) Is(target error) bool {
	return target == ErrUnrecognizedSymbol
}

// ProviderError is a failed provider call.
// Network errors, timeouts and HTTP 5xx are retryable; malformed symbols and HTTP 4xx are not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as a retryable provider failure
func NewRetryableError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: true, Err: err}
}

// NewTerminalError wraps err as a non-retryable provider failure
func NewTerminalError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Retryable: false, Err: err}
}

// IsRetryable reports whether err is worth another attempt against the same provider.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrUnrecognizedSymbol) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	return true
}
