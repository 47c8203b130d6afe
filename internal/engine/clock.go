package engine

import "time"

// Timer is a cancellation handle for an armed callback.
type Timer interface {
	Stop() bool
}

// Clock arms callbacks at future instants. Injected so tests run on a
// controlled clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
