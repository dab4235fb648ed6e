package clock

import "time"

// Fake is a manually-advanced Clock for deterministic tests of the Switch
// Engine's TTL timers and the Watcher Engine's interval scheduler.
type Fake struct {
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	t := f.NewTimer(d).(*fakeTimer)
	return t.ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{clock: f, fireAt: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the fake clock forward by d, firing any timers whose
// deadline has been reached, in the order the timers were created.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	for _, t := range f.timers {
		if !t.stopped && !t.fired && !f.now.Before(t.fireAt) {
			t.fired = true
			select {
			case t.ch <- f.now:
			default:
			}
		}
	}
}

type fakeTimer struct {
	clock   *Fake
	fireAt  time.Time
	ch      chan time.Time
	stopped bool
	fired   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	wasLive := !t.stopped && !t.fired
	t.stopped = true
	return wasLive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	wasLive := !t.stopped && !t.fired
	t.stopped = false
	t.fired = false
	t.fireAt = t.clock.now.Add(d)
	return wasLive
}
