// Package clock lets the pipeline stamp snapshots without reading the wall
// clock directly, so tests can pin timestamps.
package clock

import "time"

// Clock reports the current time and durations measured against it.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock stands still until Advance is called.
type MockClock struct {
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time                  { return m.now }
func (m *MockClock) Since(t time.Time) time.Duration { return m.now.Sub(t) }

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}
