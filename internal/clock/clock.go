package clock

import "time"

// Clock abstracts the time operations used by the vibe flow so tests can
// drive cooldowns, heartbeats and search polls deterministically.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously during
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. It reports whether the timer was still pending.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
