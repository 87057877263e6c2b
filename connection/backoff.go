package connection

import (
	"math"
	"math/rand"
	"time"

	"github.com/opd-ai/ttclient/config"
)

// ReconnectPolicy bounds automatic reconnects.
type ReconnectPolicy struct {
	// MaxAttempts stops reconnecting after this many consecutive failures.
	// Zero means no limit.
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// StabilityThreshold is how long a connection must have lasted for the
	// attempt counter to start over.
	StabilityThreshold time.Duration
}

// PolicyFrom converts the reconnect configuration.
func PolicyFrom(r config.Reconnect) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:        r.MaxAttempts,
		MinDelay:           r.MinDelay.Duration,
		MaxDelay:           r.MaxDelay.Duration,
		Multiplier:         r.Multiplier,
		StabilityThreshold: r.StabilityThreshold.Duration,
	}
}

// Ceiling returns the largest delay of the given 1-based attempt.
func (p ReconnectPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.MinDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Delay returns a random delay in [MinDelay, Ceiling(attempt)].
func (p ReconnectPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	ceiling := p.Ceiling(attempt)
	span := ceiling - p.MinDelay
	if span <= 0 || rng == nil {
		return ceiling
	}
	return p.MinDelay + time.Duration(rng.Int63n(int64(span)+1))
}

// Backoff counts consecutive reconnect attempts. It is not safe for
// concurrent use.
type Backoff struct {
	policy    ReconnectPolicy
	rng       *rand.Rand
	attempt   int
	connected time.Time
}

// NewBackoff creates a counter. A nil rng yields the ceiling delays.
func NewBackoff(p ReconnectPolicy, rng *rand.Rand) *Backoff {
	return &Backoff{policy: p, rng: rng}
}

// Connected records a successful connection at now.
func (b *Backoff) Connected(now time.Time) {
	b.connected = now
}

// Lost records the loss of the connection. A connection that stayed up for
// at least StabilityThreshold resets the attempt counter.
func (b *Backoff) Lost(now time.Time) {
	if !b.connected.IsZero() && now.Sub(b.connected) >= b.policy.StabilityThreshold {
		b.attempt = 0
	}
	b.connected = time.Time{}
}

// Next returns the attempt number and delay of the next reconnect, or false
// when the attempt budget is exhausted.
func (b *Backoff) Next() (int, time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return b.attempt, 0, false
	}
	b.attempt++
	return b.attempt, b.policy.Delay(b.attempt, b.rng), true
}

// Attempt returns the number of attempts since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts counting from zero.
func (b *Backoff) Reset() {
	b.attempt = 0
}
