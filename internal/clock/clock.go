// Package clock provides the time source used by the throttle and scheduler,
// with a real implementation and a deterministic fake for tests.
package clock

import "time"

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System implements Clock using the wall clock.
type System struct{}

// New creates a new System clock.
func New() System {
	return System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// After waits for d on the wall clock.
func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
