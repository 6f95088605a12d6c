package sync

import "time"

// Timer is a pending scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports false when the call
	// already ran or was already stopped.
	Stop() bool
}

// Scheduler abstracts the clock and delayed execution so that debounce and
// throttle decisions can be driven by a fake in tests.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler uses the wall clock and time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) Now() time.Time { return time.Now() }

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
