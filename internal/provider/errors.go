package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth indicates an expired or invalid credential. Never retried by
	// the sync engine; the caller must refresh the token and re-invoke.
	ErrAuth = errors.New("provider authentication failed")

	// ErrDeltaNotSupported is returned by providers without a delta endpoint.
	ErrDeltaNotSupported = errors.New("delta sync not supported")

	// ErrDeltaReset indicates the stored delta token is no longer valid and
	// a full resync is required (e.g. Google 410 GONE).
	ErrDeltaReset = errors.New("delta token no longer valid")

	// ErrNotFound indicates the remote resource does not exist.
	ErrNotFound = errors.New("remote resource not found")

	// ErrMalformed indicates a provider payload missing required fields.
	// The offending event is skipped, not the whole pass.
	ErrMalformed = errors.New("malformed provider payload")
)

// ThrottledError reports provider rate limiting (HTTP 429) together with the
// provider's retry hint.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("provider throttled, retry after %v", e.RetryAfter)
}

// TransientError wraps 5xx responses and network timeouts that are safe to
// retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the throttle delay if err is a ThrottledError.
func RetryAfter(err error) (time.Duration, bool) {
	var th *ThrottledError
	if errors.As(err, &th) {
		return th.RetryAfter, true
	}
	return 0, false
}
