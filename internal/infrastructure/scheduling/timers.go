// Package scheduling provides cancellable timer utilities for the runtime.
// Every timer is keyed by a logical operation name; arming a key always
// cancels the prior pending timer for that key, so no logical operation
// can ever have two overlapping timers.
package scheduling

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so session and delivery scheduling can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Scheduler arms and cancels named one-shot timers and repeating tickers.
type Scheduler interface {
	// Schedule arms a one-shot timer for key after d, cancelling any
	// pending timer with the same key first. A non-positive delay is
	// clamped to zero and fires immediately.
	Schedule(key string, d time.Duration, fn func())
	// Repeat arms a repeating ticker for key with period d, cancelling
	// any pending timer with the same key first.
	Repeat(key string, d time.Duration, fn func())
	// Cancel stops the timer or ticker for key, if any.
	Cancel(key string)
	// CancelAll stops every outstanding timer and ticker.
	CancelAll()
}

// TimerScheduler is the production Scheduler backed by time.AfterFunc
// and time.Ticker.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	tickers map[string]chan struct{}
}

// NewTimerScheduler creates a new timer scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		timers:  make(map[string]*time.Timer),
		tickers: make(map[string]chan struct{}),
	}
}

func (s *TimerScheduler) Schedule(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

func (s *TimerScheduler) Repeat(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)

	stop := make(chan struct{})
	s.tickers[key] = stop
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

func (s *TimerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.timers {
		s.cancelLocked(key)
	}
	for key := range s.tickers {
		s.cancelLocked(key)
	}
}

func (s *TimerScheduler) cancelLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	if stop, ok := s.tickers[key]; ok {
		close(stop)
		delete(s.tickers, key)
	}
}
