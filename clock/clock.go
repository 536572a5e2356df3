// Package clock provides the scheduler's pluggable time source and the
// interruptible waiter used by its background loops.
package clock

import "time"

// Clock is the time source consulted by every component that compares
// against "now" — the due-poll loop, the heartbeat updater, and the
// dead-execution detector. Production code uses Real; tests use a Fake so
// poll/heartbeat/detector timing can be driven deterministically.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

var _ Clock = Real{}
