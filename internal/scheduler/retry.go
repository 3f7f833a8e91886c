package scheduler

import (
	"time"
)

// RetryStrategy computes the wait before a retry
type RetryStrategy interface {
	// NextRetry returns the delay before retry number attempt (zero based)
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff waits InitialDelay * Multiplier^attempt, capped at
// MaxDelay when set
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry implements RetryStrategy
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	capped := func(d float64) bool { return s.MaxDelay > 0 && d >= float64(s.MaxDelay) }

	delay := float64(s.InitialDelay)
	for n := attempt; n > 0 && !capped(delay); n-- {
		delay *= s.Multiplier
	}
	if capped(delay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// retryDelay is the wait after a job's attempts-th failed attempt
func retryDelay(p Policy, attempts int) time.Duration {
	return p.strategy().NextRetry(max(attempts, 1) - 1)
}
