// Package clock supplies the current time and one-shot deferred callbacks.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Timer schedules fn to run once at or after at. The returned func cancels
// the callback if it has not fired yet.
type Timer interface {
	ScheduleOnce(at time.Time, fn func()) (cancel func())
}

// Real is the wall clock backed by time.AfterFunc.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) ScheduleOnce(at time.Time, fn func()) func() {
	t := time.AfterFunc(time.Until(at), fn)
	return func() { t.Stop() }
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*scheduled
}

type scheduled struct {
	at       time.Time
	fn       func()
	canceled bool
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) ScheduleOnce(at time.Time, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &scheduled{at: at, fn: fn}
	f.pending = append(f.pending, s)
	return func() {
		f.mu.Lock()
		s.canceled = true
		f.mu.Unlock()
	}
}

// Advance moves time forward and synchronously runs every callback that
// became due, in schedule order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var due []*scheduled
	rest := f.pending[:0]
	for _, s := range f.pending {
		if s.canceled {
			continue
		}
		if !s.at.After(f.now) {
			due = append(due, s)
		} else {
			rest = append(rest, s)
		}
	}
	f.pending = rest
	f.mu.Unlock()

	for _, s := range due {
		s.fn()
	}
}

// Pending returns the number of callbacks not yet fired or cancelled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.pending {
		if !s.canceled {
			n++
		}
	}
	return n
}
