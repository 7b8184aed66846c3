package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run on the goroutine calling Advance, in deadline
// order, without the clock lock held, so callbacks may schedule new timers.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), seq: c.seq, fn: f}
	c.waiters = append(c.waiters, t)
	c.mu.Unlock()

	if d <= 0 {
		c.Advance(0)
	}
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls within the window, including timers scheduled by earlier callbacks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// popDue removes and returns the earliest timer due at or before target.
// Caller holds c.mu.
func (c *FakeClock) popDue(target time.Time) *fakeTimer {
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	first := c.waiters[0]
	if first.deadline.After(target) {
		return nil
	}
	c.waiters = c.waiters[1:]
	first.done = true
	return first
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	return true
}
