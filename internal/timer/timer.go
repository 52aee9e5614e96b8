// Package timer provides a fire-once deadline timer used to enforce job
// timeouts and graceful-shutdown windows.
package timer

import (
	"sync"
	"time"
)

// Timer calls a callback once after a duration elapses. Unlike a single
// time.Sleep, it re-checks a fixed deadline in a loop so it cannot be
// thrown off by spurious wakeups mid-wait. Timers cannot be cancelled;
// callers make the callback idempotent instead, so a timer outliving the
// state it guards is a harmless no-op.
type Timer struct {
	name     string
	callback func()
	duration time.Duration

	mu    sync.Mutex
	fired bool
	done  chan struct{}
}

// New constructs a Timer that will invoke callback after duration once
// Start is called.
func New(name string, duration time.Duration, callback func()) *Timer {
	return &Timer{
		name:     name,
		callback: callback,
		duration: duration,
		done:     make(chan struct{}),
	}
}

// Start launches the background wait. It is safe to call at most once.
func (t *Timer) Start() {
	go t.run()
}

func (t *Timer) run() {
	defer close(t.done)

	deadline := time.Now().Add(t.duration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		time.Sleep(remaining)
	}

	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()

	t.callback()
}

// Fired reports whether the callback ran.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Wait blocks until the timer has fired and its callback returned.
func (t *Timer) Wait() {
	<-t.done
}
