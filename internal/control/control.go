package control

import "time"

// Policy defines per-request limits and retry behavior. MaxRetries is the
// number of extra attempts a gateway makes on retryable HTTP failures.
type Policy struct {
	RequestTimeout time.Duration
	MaxRetries     int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		RequestTimeout: 120 * time.Second,
		MaxRetries:     2,
	}
}

// RetryBackoffSeconds computes exponential backoff with a fixed cap.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return 30
	}
	seconds := 1 << (attempt - 1)
	if seconds > 30 {
		return 30
	}
	return seconds
}

// Backoff returns the sleep before the next attempt, never shorter than floor.
func Backoff(attempt int, floor time.Duration) time.Duration {
	d := time.Duration(RetryBackoffSeconds(attempt)) * time.Second
	if d < floor {
		return floor
	}
	return d
}
