// ABOUTME: Error hierarchy for the LLM client layer.
// ABOUTME: Defines structured error types for provider, rate-limit, and configuration failures with retryability.

package llm

import "encoding/json"

// SDKError is the base error type for all errors in the LLM client layer.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base SDKError. Subtypes override this.
func (e *SDKError) IsRetryable() bool {
	return false
}

// ProviderError represents an error returned by an LLM provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string { return e.SDKError.Error() }
func (e *ProviderError) Unwrap() error { return e.SDKError.Unwrap() }

// IsRetryable returns the Retryable flag set on the provider error.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// As enables errors.As to match SDKError from a ProviderError.
func (e *ProviderError) As(target any) bool {
	switch t := target.(type) {
	case **SDKError:
		*t = &e.SDKError
		return true
	default:
		return false
	}
}

// RateLimitError represents a 429 Too Many Requests response. Retryable.
type RateLimitError struct {
	ProviderError
	RetryAfter *float64 // seconds, when the provider supplied a Retry-After hint
}

func (e *RateLimitError) Error() string     { return e.ProviderError.Error() }
func (e *RateLimitError) Unwrap() error     { return e.ProviderError.Unwrap() }
func (e *RateLimitError) IsRetryable() bool { return true }

// NetworkError represents a transport-level failure before a response was
// received. Retryable.
type NetworkError struct {
	SDKError
}

func (e *NetworkError) Error() string     { return e.SDKError.Error() }
func (e *NetworkError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *NetworkError) IsRetryable() bool { return true }

// ConfigurationError represents invalid or missing client configuration. Not retryable.
type ConfigurationError struct {
	SDKError
}

func (e *ConfigurationError) Error() string { return e.SDKError.Error() }
func (e *ConfigurationError) Unwrap() error { return e.SDKError.Unwrap() }

// Retryable reports whether err (or anything it wraps) is marked retryable.
func Retryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	for e := err; e != nil; {
		if r, ok := e.(retryable); ok {
			return r.IsRetryable()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
