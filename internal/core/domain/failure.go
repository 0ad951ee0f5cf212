package domain

import "strings"

// FailureReason classifies why a connection or recovery attempt failed.
type FailureReason string

const (
	FailureNone           FailureReason = "none"
	FailureAuth           FailureReason = "auth"            // permanent, manual retry only
	FailureNetwork        FailureReason = "network"         // transient, retried with backoff
	FailureInternal       FailureReason = "internal"        // backend-side error, retried
	FailureTimeout        FailureReason = "timeout"         // retried
	FailureCircuitBreaker FailureReason = "circuit_breaker" // breaker open, not a transport failure
	FailureUnknown        FailureReason = "unknown"         // unclassified, retried conservatively
)

// Retryable reports whether the surrounding recovery machinery should
// automatically retry after this failure.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureAuth, FailureCircuitBreaker:
		return false
	default:
		return true
	}
}

// ClassifyFailure maps an error to a failure reason by inspection.
func ClassifyFailure(err error) FailureReason {
	if err == nil {
		return FailureNone
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "401") || strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "authentication") || strings.Contains(s, "access denied"):
		return FailureAuth
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no route to host") || strings.Contains(s, "network is unreachable") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "dial tcp"):
		return FailureNetwork
	case strings.Contains(s, "circuit") && strings.Contains(s, "open"):
		return FailureCircuitBreaker
	case strings.Contains(s, "500") || strings.Contains(s, "internal"):
		return FailureInternal
	default:
		return FailureUnknown
	}
}
