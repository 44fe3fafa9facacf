package exchange

import "time"

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already
	// ran or was already stopped; the caller must not retry.
	Stop() bool
}

// Scheduler owns time for the exchange layer. All retransmission,
// confirmation and retirement tasks are scheduled through it, so tests can
// replace wall-clock time with a ManualClock.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f on its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler schedules on the runtime timer heap.
type realScheduler struct{}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// DefaultScheduler uses the time package.
var DefaultScheduler Scheduler = realScheduler{}
