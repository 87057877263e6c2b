package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/types"
)

func voice(ts uint32) types.Frame {
	return types.Frame{UserID: 42, StreamType: types.StreamVoice, Timestamp: ts, Data: []byte{byte(ts)}}
}

func fixed(t *testing.T, d time.Duration) *Buffer {
	t.Helper()
	b, err := New(types.JitterConfig{FixedDelay: d}, 0)
	require.NoError(t, err)
	return b
}

func drain(b *Buffer, now time.Time) []uint32 {
	var out []uint32
	for {
		f, ok := b.Pop(now)
		if !ok {
			return out
		}
		out = append(out, f.Timestamp)
	}
}

func TestOutOfOrderPlayout(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 40*time.Millisecond)

	require.True(t, b.Push(voice(100), t0))
	require.True(t, b.Push(voice(80), t0.Add(5*time.Millisecond)))
	require.True(t, b.Push(voice(120), t0.Add(10*time.Millisecond)))
	assert.Equal(t, 3, b.Len())

	assert.Empty(t, drain(b, t0.Add(10*time.Millisecond)))
	assert.Equal(t, []uint32{80}, drain(b, t0.Add(20*time.Millisecond)), "frame 80 waits for its own deadline")
	assert.Empty(t, drain(b, t0.Add(39*time.Millisecond)))
	assert.Equal(t, []uint32{100}, drain(b, t0.Add(40*time.Millisecond)))
	assert.Equal(t, []uint32{120}, drain(b, t0.Add(60*time.Millisecond)))

	st := b.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(3), st.Played)
	assert.Zero(t, st.Late)
}

func TestLateFrameDropped(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 40*time.Millisecond)

	require.True(t, b.Push(voice(100), t0))
	// Deadline of 80 is t0+20ms.
	assert.False(t, b.Push(voice(80), t0.Add(25*time.Millisecond)))
	require.True(t, b.Push(voice(120), t0.Add(30*time.Millisecond)))

	assert.Equal(t, []uint32{100, 120}, drain(b, t0.Add(time.Second)))
	assert.Equal(t, uint64(1), b.Stats().Late)
}

func TestAlreadyPlayedAndDuplicateFrames(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 20*time.Millisecond)

	require.True(t, b.Push(voice(100), t0))
	require.True(t, b.Push(voice(120), t0.Add(20*time.Millisecond)))
	assert.False(t, b.Push(voice(120), t0.Add(21*time.Millisecond)))
	assert.Equal(t, uint64(1), b.Stats().Duplicates)

	assert.Equal(t, []uint32{100}, drain(b, t0.Add(20*time.Millisecond)))
	assert.False(t, b.Push(voice(100), t0.Add(22*time.Millisecond)), "played timestamps are refused")
	assert.False(t, b.Push(voice(90), t0.Add(22*time.Millisecond)))
	assert.Equal(t, uint64(2), b.Stats().Late)
}

func TestResyncOnEmptyBuffer(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 40*time.Millisecond)

	require.True(t, b.Push(voice(100), t0))
	require.Equal(t, []uint32{100}, drain(b, t0.Add(40*time.Millisecond)))

	// A talk spurt after a long silence arrives past its nominal deadline.
	later := t0.Add(5 * time.Second)
	require.True(t, b.Push(voice(140), later))
	assert.Equal(t, uint64(1), b.Stats().Resyncs)
	assert.Empty(t, drain(b, later.Add(39*time.Millisecond)))
	assert.Equal(t, []uint32{140}, drain(b, later.Add(40*time.Millisecond)))
}

func TestTimestampWrap(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 40*time.Millisecond)
	high := uint32(0xFFFFFFF0)

	require.True(t, b.Push(voice(high+10), t0))
	require.True(t, b.Push(voice(high), t0.Add(time.Millisecond)))
	require.True(t, b.Push(voice(high+30), t0.Add(2*time.Millisecond))) // wraps to 14

	assert.Equal(t, []uint32{high, high + 10, high + 30}, drain(b, t0.Add(time.Second)))
}

func TestDelayInvariant(t *testing.T) {
	configs := []types.JitterConfig{
		{FixedDelay: 0},
		{FixedDelay: 40 * time.Millisecond},
		{FixedDelay: 20 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 20 * time.Millisecond},
		{FixedDelay: 20 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 200 * time.Millisecond},
		{FixedDelay: 0, Adaptive: true, MaxAdaptiveDelay: 60 * time.Millisecond},
	}
	arrivals := []time.Duration{0, 20, 95, 60, 80, 140, 141, 190, 260, 230}

	for _, cfg := range configs {
		b, err := New(cfg, 0)
		require.NoError(t, err)
		t0 := time.Unix(1000, 0)
		for i, a := range arrivals {
			b.Push(voice(uint32(i*20)), t0.Add(a*time.Millisecond))
			active := b.ActiveDelay()
			if cfg.Adaptive {
				assert.GreaterOrEqual(t, active, cfg.FixedDelay)
				assert.LessOrEqual(t, active, cfg.MaxAdaptiveDelay)
			} else {
				assert.Equal(t, cfg.FixedDelay, active)
			}
			b.Pop(t0.Add(a * time.Millisecond))
		}
		assert.Equal(t, b.ActiveDelay(), b.Config().ActiveDelay)
	}
}

func TestAdaptiveDelayGrowsWithJitter(t *testing.T) {
	b, err := New(types.JitterConfig{FixedDelay: 10 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 500 * time.Millisecond}, 0)
	require.NoError(t, err)

	t0 := time.Unix(1000, 0)
	steady := b.ActiveDelay()
	for i := 0; i < 50; i++ {
		wobble := time.Duration((i%2)*60) * time.Millisecond
		b.Push(voice(uint32(i*20)), t0.Add(time.Duration(i*20)*time.Millisecond+wobble))
	}
	assert.Greater(t, b.ActiveDelay(), steady)
	assert.Greater(t, b.Stats().Jitter, time.Duration(0))
	assert.GreaterOrEqual(t, b.ActiveDelay(), 20*time.Millisecond, "never below one frame period")
}

func TestSetConfigKeepsFramesUnlessShrinking(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 200*time.Millisecond)
	for i := 0; i < 6; i++ {
		require.True(t, b.Push(voice(uint32(i*20)), t0.Add(time.Duration(i*20)*time.Millisecond)))
	}
	require.Equal(t, 100*time.Millisecond, b.BufferedDuration())

	require.NoError(t, b.SetConfig(types.JitterConfig{FixedDelay: 300 * time.Millisecond}))
	assert.Equal(t, 6, b.Len())

	require.NoError(t, b.SetConfig(types.JitterConfig{FixedDelay: 40 * time.Millisecond}))
	assert.Equal(t, 3, b.Len(), "oldest frames beyond the delay are dropped")
	assert.Equal(t, 40*time.Millisecond, b.BufferedDuration())
	assert.Equal(t, uint64(3), b.Stats().Trimmed)
	assert.Equal(t, []uint32{60, 80, 100}, drain(b, t0.Add(time.Second)))

	err := b.SetConfig(types.JitterConfig{FixedDelay: 50 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 10 * time.Millisecond})
	assert.ErrorIs(t, err, types.ErrInvalidJitterConfig)
	assert.Equal(t, 40*time.Millisecond, b.Config().FixedDelay)
}

func TestSetConfigKeepsBurstUnlessDelayShrinks(t *testing.T) {
	t0 := time.Unix(1000, 0)
	b := fixed(t, 40*time.Millisecond)
	for i := 0; i <= 10; i++ {
		require.True(t, b.Push(voice(uint32(i*20)), t0))
	}
	require.Equal(t, 11, b.Len())
	require.Equal(t, 200*time.Millisecond, b.BufferedDuration())

	tests := []struct {
		name string
		cfg  types.JitterConfig
		want int
	}{
		{"same config", types.JitterConfig{FixedDelay: 40 * time.Millisecond}, 11},
		{"larger delay", types.JitterConfig{FixedDelay: 80 * time.Millisecond}, 11},
		{"adaptive above current", types.JitterConfig{FixedDelay: 80 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 300 * time.Millisecond}, 11},
		{"shrink", types.JitterConfig{FixedDelay: 60 * time.Millisecond}, 4},
	}
	for _, tt := range tests {
		require.NoError(t, b.SetConfig(tt.cfg), tt.name)
		assert.Equal(t, tt.want, b.Len(), tt.name)
	}
	assert.Equal(t, uint64(7), b.Stats().Trimmed)
	assert.Equal(t, []uint32{140, 160, 180, 200}, drain(b, t0.Add(time.Second)))
}

func TestCapacityAndReset(t *testing.T) {
	b, err := New(types.JitterConfig{FixedDelay: time.Second}, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, b.MaxFrames())

	t0 := time.Unix(1000, 0)
	for i := 0; i < 6; i++ {
		b.Push(voice(uint32(i*20)), t0)
	}
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, uint64(2), b.Stats().Overflow)

	_, ok := b.NextDeadline()
	assert.True(t, ok)

	b.Reset()
	assert.Zero(t, b.Len())
	_, ok = b.NextDeadline()
	assert.False(t, ok)
	require.True(t, b.Push(voice(0), t0.Add(time.Minute)), "reset forgets played timestamps")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(types.JitterConfig{FixedDelay: -time.Millisecond}, 0)
	assert.ErrorIs(t, err, types.ErrInvalidJitterConfig)
}
