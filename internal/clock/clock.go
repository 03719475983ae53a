// Package clock abstracts time so that schedulers and pollers can be
// driven deterministically in tests. Production code uses Real(); tests
// use Fake() and move time forward with Advance.
package clock

import "time"

// Clock is the subset of the time package the power controller depends on.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer has a nil C.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTimer returns a stoppable one-shot timer delivering on C.
	NewTimer(d time.Duration) *Timer

	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot event created by AfterFunc or NewTimer.
type Timer struct {
	// C is nil for AfterFunc timers.
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C. Ticks are dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
