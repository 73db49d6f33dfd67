// Package system supplies the wall clock the daemon injects wherever a
// harvest.Clock is needed.
package system

import (
	"time"

	"github.com/project5001/harvestd/internal/harvest"
)

// Clock reads the system time normalized to UTC, so timestamps written by
// different devices stay comparable regardless of their local zones.
type Clock struct{}

var _ harvest.Clock = Clock{}

// New returns the process-wide wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
