// Package timeutil provides an injectable clock so that recency weighting,
// artifact timestamps and job status times can be pinned in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the source of "now" for everything that stamps or ages data.
type Clock interface {
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// RealClock reads the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a Clock that only moves when told to. It is safe for
// concurrent use.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock creates a mock clock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Since returns the mock time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set moves the clock to t, forwards or backwards.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
