package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/lease"
	"github.com/opd-ai/ttclient/subscription"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

const waitFor = 2 * time.Second

type sink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *sink) Push(ev events.Event) error {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return nil
}

func (s *sink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.Kind()
	}
	return out
}

func (s *sink) count(k events.Kind) int {
	n := 0
	for _, got := range s.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func (s *sink) find(k events.Kind) (events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evs {
		if ev.Kind() == k {
			return ev, true
		}
	}
	return nil, false
}

// recorder decodes by copying and remembers the order of timestamps.
type recorder struct {
	mu   sync.Mutex
	seen []uint32
	fail bool
}

func (r *recorder) Decode(f types.Frame) (types.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return types.Frame{}, errors.New("corrupt packet")
	}
	r.seen = append(r.seen, f.Timestamp)
	return f, nil
}

func (r *recorder) order() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.seen...)
}

type harness struct {
	p      *Pipeline
	subs   *subscription.Table
	leases *lease.Manager
	sink   *sink
	clock  *transport.ManualClock
	dec    *recorder
}

func newHarness(t *testing.T, factory DecoderFactory) *harness {
	t.Helper()
	h := &harness{
		subs:  subscription.NewTable(),
		sink:  &sink{},
		clock: transport.NewManualClock(time.Unix(2000, 0)),
		dec:   &recorder{},
	}
	h.leases = lease.NewManager(h.clock)
	if factory == nil {
		factory = func(types.StreamType) (Decoder, error) { return h.dec, nil }
	}
	cfg := DefaultConfig()
	cfg.Tick = time.Millisecond
	cfg.StreamTimeout = time.Second
	cfg.NewDecoder = factory
	h.p = NewPipeline(cfg, h.subs, h.leases, h.sink, h.clock)
	h.p.Start(context.Background())
	t.Cleanup(func() {
		assert.NoError(t, h.p.Close())
	})
	return h
}

func (h *harness) buffered(key types.StreamKey) int {
	h.p.mu.Lock()
	s, ok := h.p.streams[key]
	h.p.mu.Unlock()
	if !ok {
		return -1
	}
	return s.buf.Len()
}

func voiceFrame(ts uint32) types.Frame {
	return types.Frame{UserID: 42, StreamType: types.StreamVoice, StreamID: 1, Timestamp: ts, Data: []byte{byte(ts)}}
}

var voiceKey = types.StreamKey{UserID: 42, StreamType: types.StreamVoice}

func TestDeliverRequiresSubscription(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.p.Deliver(voiceFrame(100))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.p.Streams())

	_, err = h.p.Deliver(types.Frame{UserID: 42, StreamType: types.StreamDesktopInput, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrUnsupportedStream)
}

func TestDeliverBeforeStart(t *testing.T) {
	subs := subscription.NewTable()
	_, err := subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	p := NewPipeline(Config{}, subs, lease.NewManager(nil), &sink{}, nil)

	_, err = p.Deliver(voiceFrame(1))
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, p.Close())
}

func TestOutOfOrderVoicePlayout(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	require.NoError(t, h.p.SetJitterConfig(voiceKey, types.JitterConfig{FixedDelay: 40 * time.Millisecond}))

	for _, step := range []struct {
		ts      uint32
		advance time.Duration
	}{{100, 0}, {80, 5 * time.Millisecond}, {120, 5 * time.Millisecond}} {
		h.clock.Advance(step.advance)
		ok, err := h.p.Deliver(voiceFrame(step.ts))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return h.buffered(voiceKey) == 3 }, waitFor, time.Millisecond)

	h.clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return h.sink.count(events.KindAudioBlock) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []uint32{80, 100, 120}, h.dec.order())

	kinds := h.sink.kinds()
	assert.Equal(t, events.KindStreamStateChanged, kinds[0])
	assert.Equal(t, events.KindUserFirstVoiceStreamPacket, kinds[1])

	l, ok := h.leases.Acquire(voiceKey)
	require.True(t, ok)
	assert.Equal(t, uint32(120), l.Frame().Timestamp)
	require.NoError(t, l.Release())

	st := h.p.Statistics(42).Streams[types.StreamVoice]
	assert.Equal(t, int64(3), st.FramesPlayed)
}

func TestDecoderFailureDegradesStream(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	h.dec.fail = true

	_, err = h.p.Deliver(voiceFrame(10))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.buffered(voiceKey) == 1 }, waitFor, time.Millisecond)
	h.clock.Advance(100 * time.Millisecond)

	require.Eventually(t, func() bool { return h.sink.count(events.KindInternalError) == 1 }, waitFor, time.Millisecond)
	ev, _ := h.sink.find(events.KindInternalError)
	assert.Equal(t, types.ErrAudioCodecInit, ev.(events.InternalError).Err.Code)
	assert.Equal(t, types.ClassInternal, ev.(events.InternalError).Err.Code.Class())
	assert.True(t, h.p.Degraded(voiceKey))

	// Degraded streams discard frames without further errors.
	_, err = h.p.Deliver(voiceFrame(30))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.buffered(voiceKey) == 1 }, waitFor, time.Millisecond)
	h.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return h.buffered(voiceKey) == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, h.sink.count(events.KindInternalError))
	assert.Zero(t, h.sink.count(events.KindAudioBlock))

	h.dec.mu.Lock()
	h.dec.fail = false
	h.dec.mu.Unlock()
	require.NoError(t, h.p.ResetStream(voiceKey))
	assert.False(t, h.p.Degraded(voiceKey))

	_, err = h.p.Deliver(voiceFrame(50))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.buffered(voiceKey) == 1 }, waitFor, time.Millisecond)
	h.clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return h.sink.count(events.KindAudioBlock) == 1 }, waitFor, time.Millisecond)

	assert.ErrorIs(t, h.p.ResetStream(types.StreamKey{UserID: 7, StreamType: types.StreamVoice}), ErrUnknownStream)
}

func TestDecoderInitFailure(t *testing.T) {
	h := newHarness(t, func(types.StreamType) (Decoder, error) {
		return nil, errors.New("no codec")
	})
	_, err := h.subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)

	_, err = h.p.Deliver(voiceFrame(10))
	require.NoError(t, err)
	assert.True(t, h.p.Degraded(voiceKey))
	assert.True(t, h.p.Active(voiceKey))
	assert.Equal(t, 1, h.sink.count(events.KindInternalError))

	err = h.p.ResetStream(voiceKey)
	assert.Error(t, err)
	assert.True(t, h.p.Degraded(voiceKey))
}

func TestIdleStreamDeactivates(t *testing.T) {
	h := newHarness(t, nil)
	h.subs.SetPeer(5, types.SubscribeVideoCapture)
	key := types.StreamKey{UserID: 5, StreamType: types.StreamVideoCapture}

	_, err := h.p.Deliver(types.Frame{UserID: 5, StreamType: types.StreamVideoCapture, StreamID: 3, Timestamp: 1, Data: []byte{1}})
	require.NoError(t, err)
	require.True(t, h.p.Active(key))
	require.Eventually(t, func() bool { return h.buffered(key) == 1 }, waitFor, time.Millisecond)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !h.p.Active(key) }, waitFor, time.Millisecond)

	assert.Equal(t, 1, h.sink.count(events.KindVideoCaptureFrame))
	require.Equal(t, 2, h.sink.count(events.KindStreamStateChanged))
	kinds := h.sink.kinds()
	assert.Equal(t, events.KindStreamStateChanged, kinds[len(kinds)-1])
}

func TestRefreshStopsUnsubscribedStreams(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.subs.SetLocal(42, types.SubscribeVoice|types.SubscribeDesktop)
	require.NoError(t, err)

	_, err = h.p.Deliver(voiceFrame(1))
	require.NoError(t, err)
	_, err = h.p.Deliver(types.Frame{UserID: 42, StreamType: types.StreamDesktop, Timestamp: 1, Data: []byte{1}})
	require.NoError(t, err)
	require.Len(t, h.p.Streams(), 2)

	// Same mask again changes nothing.
	changed, err := h.subs.SetLocal(42, types.SubscribeVoice|types.SubscribeDesktop)
	require.NoError(t, err)
	assert.False(t, changed)
	h.p.Refresh(42)
	assert.Len(t, h.p.Streams(), 2)

	_, err = h.subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	h.p.Refresh(42)
	assert.Equal(t, []types.StreamKey{voiceKey}, h.p.Streams())

	h.p.RemoveUser(42)
	assert.Empty(t, h.p.Streams())
}

func TestJitterConfigOverrides(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.p.JitterConfig(voiceKey)
	assert.Equal(t, 40*time.Millisecond, cfg.FixedDelay)
	assert.Equal(t, cfg.FixedDelay, cfg.ActiveDelay)

	want := types.JitterConfig{FixedDelay: 20 * time.Millisecond, Adaptive: true, MaxAdaptiveDelay: 200 * time.Millisecond}
	require.NoError(t, h.p.SetJitterConfig(voiceKey, want))

	_, err := h.subs.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	_, err = h.p.Deliver(voiceFrame(1))
	require.NoError(t, err)

	got := h.p.JitterConfig(voiceKey)
	assert.True(t, got.Adaptive)
	assert.Equal(t, want.MaxAdaptiveDelay, got.MaxAdaptiveDelay)
	assert.GreaterOrEqual(t, got.ActiveDelay, want.FixedDelay)

	err = h.p.SetJitterConfig(voiceKey, types.JitterConfig{FixedDelay: -1})
	assert.ErrorIs(t, err, types.ErrInvalidJitterConfig)
}
