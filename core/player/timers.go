package player

import (
	"sync"
	"time"
)

// Timer names used by the player and the coordinator.
const (
	TimerLeaveOnEnd   = "leave-on-end"
	TimerLeaveOnEmpty = "leave-on-empty"
	TimerStateSave    = "state-save"
	TimerStartGrace   = "start-grace"
	TimerNowPlaying   = "now-playing"
)

type timerEntry struct {
	timer *time.Timer
	stop  chan struct{}
}

// TimerRegistry owns every timer a player schedules. Scheduling a name that
// is already pending replaces it. After CancelAll nothing new is accepted.
type TimerRegistry struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	closed  bool
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{entries: make(map[string]*timerEntry)}
}

// After runs fn once after d. It returns false if the registry is closed.
func (r *TimerRegistry) After(name string, d time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.stopLocked(name)

	e := &timerEntry{}
	e.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if cur, ok := r.entries[name]; !ok || cur != e {
			r.mu.Unlock()
			return
		}
		delete(r.entries, name)
		r.mu.Unlock()
		fn()
	})
	r.entries[name] = e
	return true
}

// Every runs fn on each tick of interval until cancelled.
func (r *TimerRegistry) Every(name string, interval time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || interval <= 0 {
		return false
	}
	r.stopLocked(name)

	e := &timerEntry{stop: make(chan struct{})}
	r.entries[name] = e
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return true
}

// Cancel stops the named timer and reports whether one was pending.
func (r *TimerRegistry) Cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(name)
}

func (r *TimerRegistry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll stops every timer and closes the registry. It returns how many
// timers were pending.
func (r *TimerRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name := range r.entries {
		if r.stopLocked(name) {
			n++
		}
	}
	r.closed = true
	return n
}

// CancelExcept stops every timer but the named ones.
func (r *TimerRegistry) CancelExcept(keep ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.entries {
		skip := false
		for _, k := range keep {
			if k == name {
				skip = true
				break
			}
		}
		if !skip {
			r.stopLocked(name)
		}
	}
}

func (r *TimerRegistry) stopLocked(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.stop != nil {
		close(e.stop)
	}
	delete(r.entries, name)
	return true
}
