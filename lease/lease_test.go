package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

var videoKey = types.StreamKey{UserID: 9, StreamType: types.StreamVideoCapture}

func videoFrame(ts uint32, fill byte) types.Frame {
	data := make([]byte, 64)
	for i := range data {
		data[i] = fill
	}
	return types.Frame{
		UserID:     9,
		StreamType: types.StreamVideoCapture,
		Timestamp:  ts,
		Width:      8,
		Height:     8,
		Data:       data,
	}
}

func TestAcquireReturnsLatest(t *testing.T) {
	clock := transport.NewManualClock(time.Unix(500, 0))
	m := NewManager(clock)

	_, ok := m.Acquire(videoKey)
	assert.False(t, ok)

	require.NoError(t, m.Publish(videoFrame(1, 0x01)))
	require.NoError(t, m.Publish(videoFrame(2, 0x02)))

	l, ok := m.Acquire(videoKey)
	require.True(t, ok)
	assert.Equal(t, uint32(2), l.Frame().Timestamp)
	assert.Equal(t, byte(0x02), l.Frame().Data[0])
	assert.Equal(t, time.Unix(500, 0), l.IssuedAt())
	assert.Equal(t, videoKey, l.Key())

	_, ok = m.Acquire(videoKey)
	assert.False(t, ok, "a frame is handed out once")

	st := m.Stats(videoKey)
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Overwritten)
	assert.Equal(t, 1, st.Outstanding)
	require.NoError(t, l.Release())
}

func TestOutstandingLeaseIsNeverReused(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Publish(videoFrame(1, 0xAA)))
	first, ok := m.Acquire(videoKey)
	require.True(t, ok)

	// Publishing more frames must not touch the leased storage.
	for i := 2; i < 10; i++ {
		require.NoError(t, m.Publish(videoFrame(uint32(i), byte(i))))
	}
	second, ok := m.Acquire(videoKey)
	require.True(t, ok)

	assert.NotSame(t, &first.Frame().Data[0], &second.Frame().Data[0])
	assert.Equal(t, byte(0xAA), first.Frame().Data[63])
	assert.Equal(t, uint32(9), second.Frame().Timestamp)
	assert.Equal(t, 2, m.Outstanding(videoKey))

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
	assert.Zero(t, m.Outstanding(videoKey))
}

func TestReleaseExactlyOnce(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Publish(videoFrame(1, 1)))
	l, ok := m.Acquire(videoKey)
	require.True(t, ok)

	require.NoError(t, l.Release())
	assert.ErrorIs(t, l.Release(), ErrReleased)
	assert.Nil(t, l.Frame().Data)
	assert.Zero(t, m.Outstanding(videoKey))
}

func TestStorageRecycledAfterRelease(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Publish(videoFrame(1, 1)))
	l, ok := m.Acquire(videoKey)
	require.True(t, ok)
	ptr := &l.Frame().Data[0]
	require.NoError(t, l.Release())

	require.NoError(t, m.Publish(videoFrame(2, 2)))
	l2, ok := m.Acquire(videoKey)
	require.True(t, ok)
	assert.Same(t, ptr, &l2.Frame().Data[0], "released storage is reused")
	assert.Equal(t, byte(2), l2.Frame().Data[0])
	require.NoError(t, l2.Release())
}

func TestCloseInvalidatesLeases(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Publish(videoFrame(1, 1)))
	l, ok := m.Acquire(videoKey)
	require.True(t, ok)

	m.Close()
	m.Close()
	assert.NoError(t, l.Release(), "release after teardown is a no-op")
	assert.NoError(t, l.Release(), "second release after teardown is a no-op too")
	assert.ErrorIs(t, m.Publish(videoFrame(2, 2)), ErrClosed)
	_, ok = m.Acquire(videoKey)
	assert.False(t, ok)
}

func TestReleaseBeforeAndAfterClose(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Publish(videoFrame(1, 1)))
	l, ok := m.Acquire(videoKey)
	require.True(t, ok)

	require.NoError(t, l.Release())
	assert.ErrorIs(t, l.Release(), ErrReleased)
	m.Close()
	assert.NoError(t, l.Release())
}

func TestDropKeepsOutstandingLeases(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Publish(videoFrame(1, 1)))
	l, ok := m.Acquire(videoKey)
	require.True(t, ok)
	require.NoError(t, m.Publish(videoFrame(2, 2)))

	m.Drop(videoKey)
	_, ok = m.Acquire(videoKey)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Outstanding(videoKey))
	require.NoError(t, l.Release())

	m.Drop(videoKey)
	assert.Equal(t, SlotStats{}, m.Stats(videoKey))
}

func TestConcurrentPublishAcquire(t *testing.T) {
	m := NewManager(nil)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = m.Publish(videoFrame(uint32(i), byte(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if l, ok := m.Acquire(videoKey); ok {
				fill := l.Frame().Data[0]
				for _, b := range l.Frame().Data {
					if b != fill {
						t.Errorf("leased frame changed under the holder")
						break
					}
				}
				_ = l.Release()
			}
		}
	}()
	wg.Wait()
	assert.Zero(t, m.Outstanding(videoKey))
}
