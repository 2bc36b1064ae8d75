package scheduling

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when advanced explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a manual clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualEntry struct {
	key    string
	delay  time.Duration
	period time.Duration
	fn     func()
}

// ManualScheduler records armed timers without real time passing. Timers
// fire only when released explicitly, which keeps session refresh and
// delivery stagger behavior fully deterministic under test.
type ManualScheduler struct {
	mu      sync.Mutex
	entries map[string]*manualEntry
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{entries: make(map[string]*manualEntry)}
}

func (s *ManualScheduler) Schedule(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.entries[key] = &manualEntry{key: key, delay: d, fn: fn}
	s.mu.Unlock()
}

func (s *ManualScheduler) Repeat(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	s.entries[key] = &manualEntry{key: key, delay: d, period: d, fn: fn}
	s.mu.Unlock()
}

func (s *ManualScheduler) Cancel(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *ManualScheduler) CancelAll() {
	s.mu.Lock()
	s.entries = make(map[string]*manualEntry)
	s.mu.Unlock()
}

// Pending reports whether a timer is armed for key.
func (s *ManualScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Delay returns the armed delay for key and whether the key is armed.
func (s *ManualScheduler) Delay(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.delay, true
}

// Keys returns the armed keys sorted by delay, then by key.
func (s *ManualScheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*manualEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].delay != entries[j].delay {
			return entries[i].delay < entries[j].delay
		}
		return entries[i].key < entries[j].key
	})
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

// Fire runs the timer for key. One-shot timers are removed; repeating
// timers stay armed. Firing an unknown key is a no-op.
func (s *ManualScheduler) Fire(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.period == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		e.fn()
	}
}
