// Package system provides a real clock implementation.
package system

import "time"

// Clock implements monitor.Clock using time.Now. Readings keep the monotonic
// component so elapsed-time arithmetic is immune to wall-clock steps.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now()
}
