package service

import (
	"sync"
	"time"
)

// SessionClock is the engine-owned clock. The coordinator is the single
// writer: in event-time mode it advances to data timestamps, in paced mode by
// fixed ticks, in live mode to wall time. All values are UTC. The clock never
// moves backwards.
type SessionClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewSessionClock creates a clock positioned at start
func NewSessionClock(start time.Time) *SessionClock {
	return &SessionClock{current: start.UTC()}
}

// Now returns the current engine time
func (c *SessionClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// AdvanceTo moves the clock forward to t; moves backwards are ignored
func (c *SessionClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC()
	if t.After(c.current) {
		c.current = t
	}
}

// Advance moves the clock forward by d and returns the new time
func (c *SessionClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	return c.current
}
