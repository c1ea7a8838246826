// Package backoff computes the retry schedule for failed check-in
// attempts. The consecutive-failure counter itself lives in the persisted
// scheduler state, not here; a Schedule is a pure function of that counter.
package backoff

import "time"

const (
	// DefaultFloor is the delay applied after the first failure.
	DefaultFloor = time.Hour
	// DefaultCeil bounds the delay regardless of how many attempts failed.
	DefaultCeil = 5 * time.Hour
)

// Schedule maps a consecutive-failure count to a retry delay. The delay
// doubles per failed attempt, starting at Floor and clamped to Ceil.
type Schedule struct {
	Floor time.Duration
	Ceil  time.Duration
}

// Default returns a Schedule with the production delays.
func Default() Schedule {
	return Schedule{Floor: DefaultFloor, Ceil: DefaultCeil}
}

// DelayForAttempt returns the delay to wait after n prior consecutive
// failures: min(Floor * 2^n, Ceil). n <= 0 yields Floor. The sequence is
// non-decreasing in n.
func (s Schedule) DelayForAttempt(n int) time.Duration {
	d := s.Floor
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.Ceil || d <= 0 {
			return s.Ceil
		}
	}
	if d > s.Ceil {
		return s.Ceil
	}
	return d
}

// NextPostAttempt returns the earliest time the next post attempt may run,
// given n prior consecutive failures at time now.
func (s Schedule) NextPostAttempt(now time.Time, n int) time.Time {
	return now.Add(s.DelayForAttempt(n))
}
