package decoder

import (
	"sync"
	"time"
)

// SafeTimer runs a callback once after a duration unless stopped first.
type SafeTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	active   bool
	callback func()
}

// NewSafeTimer creates and starts a new SafeTimer with the given duration and callback.
func NewSafeTimer(duration time.Duration, cb func()) *SafeTimer {
	st := &SafeTimer{callback: cb, active: true}
	st.mu.Lock()
	st.timer = time.AfterFunc(duration, st.fire)
	st.mu.Unlock()
	return st
}

func (st *SafeTimer) fire() {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		return
	}
	st.active = false
	st.mu.Unlock()

	if st.callback != nil {
		st.callback()
	}
}

// Stop stops the timer and returns whether it was stopped before firing.
func (st *SafeTimer) Stop() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	wasActive := st.active
	st.timer.Stop()
	st.active = false
	return wasActive
}
