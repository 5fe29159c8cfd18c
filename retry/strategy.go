// Package retry provides escalating backoff strategies used by the broker for
// store reconnection attempts and handler retry pacing.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Strategy defines an escalating backoff schedule.
//
// The delay for attempt n follows: delay = min(BaseDelay * ExponentialBase^(n-1), MaxDelay)
//
// Example with defaults (2s base, 2.0 exponential, 1m max):
//
//	Attempt 1: 2s
//	Attempt 2: 4s
//	Attempt 3: 8s
//	...
//	Attempt 6+: 1m
type Strategy struct {
	MaxAttempts     int           // Maximum attempts before giving up; 0 means unbounded
	BaseDelay       time.Duration // Delay before the first attempt
	MaxDelay        time.Duration // Delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
}

// DefaultReconnectStrategy returns the backoff used for store reconnection.
// Attempts are unbounded: the broker keeps trying until the store answers,
// with delays escalating from 2s up to a 1m cap.
func DefaultReconnectStrategy() Strategy {
	return Strategy{
		MaxAttempts:     0,
		BaseDelay:       2 * time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}
}

// Delay returns the backoff delay for the given 1-based attempt number.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attempt-1))

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}

	return time.Duration(delay)
}

// IsRetryable checks if another attempt is allowed.
// Always true for unbounded strategies (MaxAttempts=0).
func (s Strategy) IsRetryable(attempt int) bool {
	return s.MaxAttempts == 0 || attempt < s.MaxAttempts
}

// Schedule returns a human-readable description of the backoff schedule.
// Useful for debugging, documentation, and displaying retry behavior to users.
func (s Strategy) Schedule() string {
	limit := s.MaxAttempts
	if limit == 0 {
		limit = 6 // unbounded: show the ramp up to the cap
	}
	schedule := "Backoff Schedule:\n"
	for i := 1; i <= limit; i++ {
		schedule += fmt.Sprintf("  Attempt %d: after %v\n", i, s.Delay(i))
	}
	if s.MaxAttempts == 0 {
		schedule += fmt.Sprintf("  ... capped at %v\n", s.MaxDelay)
	}
	return schedule
}
