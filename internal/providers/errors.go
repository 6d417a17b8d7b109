// Copyright 2025 James Ross
package providers

import "fmt"

// ValidationError indicates the input was rejected before any call was
// attempted; never retried, never falls through to a fallback.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// AuthError indicates the provider rejected our credentials; not
// retried against the same provider, but a fallback with different
// credentials may still succeed.
type AuthError struct {
	Provider string
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: provider %s: %s", e.Provider, e.Detail)
}

// RateLimitError indicates the provider is throttling us. RetryAfter is
// advisory and may be zero if the provider didn't supply one.
type RateLimitError struct {
	Provider   string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate_limit: provider %s (retry_after=%ds)", e.Provider, e.RetryAfter)
}

// TimeoutError indicates the call exceeded its deadline, whether the
// context's or the provider's own.
type TimeoutError struct {
	Provider string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: provider %s", e.Provider)
}

// UpstreamError wraps a provider's own error response (4xx/5xx body,
// malformed payload, etc).
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: provider %s status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// TransientError indicates a condition expected to clear on its own
// (connection reset, DNS hiccup) and is worth retrying.
type TransientError struct {
	Provider string
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: provider %s: %v", e.Provider, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError indicates a condition that will not clear by
// retrying or falling back (e.g. the provider doesn't support this
// operation at all).
type PermanentError struct {
	Provider string
	Reason   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: provider %s: %s", e.Provider, e.Reason)
}

// Retryable reports whether the adapter should retry the same provider
// again (as opposed to falling through to the next fallback or giving
// up entirely).
func Retryable(err error) bool {
	switch err.(type) {
	case *RateLimitError, *TimeoutError, *TransientError:
		return true
	default:
		return false
	}
}

// Fallthroughable reports whether the adapter should try the next
// provider in the chain after exhausting retries against this one.
func Fallthroughable(err error) bool {
	switch err.(type) {
	case *ValidationError, *PermanentError:
		return false
	default:
		return true
	}
}

// ClassifyError names the error taxonomy member of err, for the
// error_class column on the processing_providers audit row. Returns ""
// for a nil error or one outside this package's taxonomy.
func ClassifyError(err error) string {
	switch err.(type) {
	case nil:
		return ""
	case *ValidationError:
		return "validation"
	case *AuthError:
		return "auth"
	case *RateLimitError:
		return "rate_limit"
	case *TimeoutError:
		return "timeout"
	case *UpstreamError:
		return "upstream"
	case *TransientError:
		return "transient"
	case *PermanentError:
		return "permanent"
	default:
		return "unknown"
	}
}
