package collab

import (
	"sync"
	"time"
)

// timerRegistry tracks every timer and ticker owned by the subsystem so that
// teardown can cancel them all atomically. Once stopped, no new work is
// scheduled.
type timerRegistry struct {
	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]bool
	tickers map[*time.Ticker]bool
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		timers:  map[*time.Timer]bool{},
		tickers: map[*time.Ticker]bool{},
	}
}

// afterFunc schedules f once after d. The timer removes itself from the
// registry before running. Returns nil if the registry is stopped.
// The fired goroutine reads the captured timer variable only under the
// registry mutex, which orders it after the assignment below even when the
// timer fires immediately.
func (self *timerRegistry) afterFunc(d time.Duration, f func()) *time.Timer {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.stopped {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		self.mu.Lock()
		delete(self.timers, timer)
		self.mu.Unlock()
		f()
	})
	self.timers[timer] = true
	return timer
}

func (self *timerRegistry) release(timer *time.Timer) {
	if timer == nil {
		return
	}
	self.mu.Lock()
	delete(self.timers, timer)
	self.mu.Unlock()
}

func (self *timerRegistry) stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	timer.Stop()
	self.release(timer)
}

func (self *timerRegistry) newTicker(d time.Duration) *time.Ticker {
	self.mu.Lock()
	defer self.mu.Unlock()

	ticker := time.NewTicker(d)
	if self.stopped {
		ticker.Stop()
		return ticker
	}
	self.tickers[ticker] = true
	return ticker
}

func (self *timerRegistry) count() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.timers) + len(self.tickers)
}

func (self *timerRegistry) stopAll() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.stopped = true
	for timer := range self.timers {
		timer.Stop()
	}
	self.timers = map[*time.Timer]bool{}
	for ticker := range self.tickers {
		ticker.Stop()
	}
	self.tickers = map[*time.Ticker]bool{}
}
