package corestream

import "errors"

// Error kind sentinels. Provider adapters and the coordinator wrap a
// concrete error with one of these via fmt.Errorf("...: %w", Kind) so
// callers can classify failures with errors.Is, matching the plain
// %w-wrapping style used throughout the teacher package (no external
// errors library appears anywhere in the retrieved corpus).
var (
	// ErrTransport covers connection refused/reset, DNS failure, TLS
	// failure. Potentially recoverable.
	ErrTransport = errors.New("transport error")

	// ErrTimeout covers inactivity or total-timeout exceeded. Recoverable.
	ErrTimeout = errors.New("timeout")

	// ErrAuth covers HTTP 401/403. Fatal.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimit covers HTTP 429. Recoverable; the reconnect waits the
	// normal backoff delay, and a Retry-After header is not read.
	ErrRateLimit = errors.New("rate limited")

	// ErrService covers HTTP 5xx and provider-specific overload signals
	// (e.g. 529). Recoverable.
	ErrService = errors.New("upstream service error")

	// ErrValidation covers other non-2xx 4xx responses. Fatal.
	ErrValidation = errors.New("request validation failed")

	// ErrParse covers SSE or chunk parse failure. Per-event fatal (the
	// event is skipped); never fatal for the stream as a whole.
	ErrParse = errors.New("parse error")

	// ErrConsumer is recorded when a user callback panics. Callback
	// duration is not checked, so a slow callback never produces it.
	ErrConsumer = errors.New("consumer error")

	// ErrRecoveryExhausted is terminal: max reconnect retries reached.
	ErrRecoveryExhausted = errors.New("stream recovery exhausted")
)

// Recoverable reports whether an error kind is eligible for
// StreamRecovery reconnect handling, per spec.md §4.6 and §7.
func Recoverable(err error) bool {
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimit),
		errors.Is(err, ErrService):
		return true
	default:
		return false
	}
}
