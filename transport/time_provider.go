package transport

import (
	"sync"
	"time"
)

// TimeProvider is an interface for getting the current time and creating tickers.
// This allows injecting a mock time provider for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker creates a new ticker that fires at the given interval.
	NewTicker(d time.Duration) *time.Ticker
	// NewTimer creates a new timer that fires after the given duration.
	NewTimer(d time.Duration) *time.Timer
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// NewTimer creates a new timer using the standard library.
func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}

// GetTimeProvider returns tp if non-nil, otherwise the system clock.
func GetTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}

// ManualClock is a TimeProvider whose Now only moves when advanced.
// Tickers and timers are real; only the reported time is controlled.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
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

// NewTicker creates a real ticker.
func (c *ManualClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// NewTimer creates a real timer.
func (c *ManualClock) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }
