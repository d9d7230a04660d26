// Package clock abstracts wall-clock access so cycle timing, cooldown
// arithmetic, and retention cutoffs can be driven deterministically in tests.
package clock

import "time"

// Clock supplies the current time to everything that reasons about it.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock delegates to the time package. The zero value is ready to use.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock is a manually driven Clock for tests. It only moves when told
// to, so a test can walk an idle streak sample by sample.
type MockClock struct {
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	return m.now
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.now.Sub(t)
}

// Set jumps the clock to an absolute time.
func (m *MockClock) Set(t time.Time) {
	m.now = t
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}
