package scheduler

import "time"

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if delay > float64(s.MaxDelay) {
			break
		}
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryPolicy decides whether a failed step attempt is retried automatically.
// The zero value never retries: a failed step stays FAILED until an operator
// resets it.
type RetryPolicy struct {
	MaxRetries int
}

// ShouldRetry reports whether a step that has already been retried `retries`
// times gets another attempt.
func (p RetryPolicy) ShouldRetry(retries int) bool {
	return retries < p.MaxRetries
}
