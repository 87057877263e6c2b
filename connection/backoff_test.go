package connection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/ttclient/config"
)

func defaultPolicy() ReconnectPolicy {
	return PolicyFrom(config.Default().Reconnect)
}

func TestCeilingGrowsToMax(t *testing.T) {
	p := defaultPolicy()
	assert.Equal(t, 200*time.Millisecond, p.Ceiling(1))
	assert.Equal(t, 320*time.Millisecond, p.Ceiling(2))
	assert.Equal(t, 60*time.Second, p.Ceiling(50))
	assert.Equal(t, 200*time.Millisecond, p.Ceiling(0))
}

func TestDelayBounds(t *testing.T) {
	p := defaultPolicy()
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt < 40; attempt++ {
		for i := 0; i < 20; i++ {
			d := p.Delay(attempt, rng)
			assert.GreaterOrEqual(t, d, p.MinDelay)
			assert.LessOrEqual(t, d, p.Ceiling(attempt))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestBackoffStabilityReset(t *testing.T) {
	b := NewBackoff(defaultPolicy(), nil)
	start := time.Unix(1000, 0)

	for i := 1; i <= 3; i++ {
		n, _, ok := b.Next()
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	b.Connected(start)
	b.Lost(start.Add(time.Second))
	n, d, _ := b.Next()
	assert.Equal(t, 4, n, "short connection keeps counting")
	assert.Equal(t, defaultPolicy().Ceiling(4), d)

	b.Connected(start)
	b.Lost(start.Add(10 * time.Second))
	n, d, _ = b.Next()
	assert.Equal(t, 1, n, "stable connection starts over")
	assert.Equal(t, 200*time.Millisecond, d)
}

func TestBackoffMaxAttempts(t *testing.T) {
	p := defaultPolicy()
	p.MaxAttempts = 2
	b := NewBackoff(p, nil)
	_, _, ok := b.Next()
	assert.True(t, ok)
	_, _, ok = b.Next()
	assert.True(t, ok)
	_, _, ok = b.Next()
	assert.False(t, ok)
	b.Reset()
	_, _, ok = b.Next()
	assert.True(t, ok)
}
