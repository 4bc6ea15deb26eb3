package agent

import "errors"

var (
	// ErrInvalidOutput means the backend answered with a structurally
	// invalid or policy-violating response. Retryable.
	ErrInvalidOutput = errors.New("agent returned invalid output")

	// ErrProviderFault is a transport or service failure of the provider
	// hosting the backend. Retryable.
	ErrProviderFault = errors.New("agent provider fault")

	// ErrUsageLimitExceeded is raised by the operation itself when its
	// usage budget is spent. Not retried; the call yields no result.
	ErrUsageLimitExceeded = errors.New("agent usage limit exceeded")
)

// IsRetryable reports whether err belongs to one of the two retryable
// failure classes.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInvalidOutput) || errors.Is(err, ErrProviderFault)
}
