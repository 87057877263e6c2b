package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/types"
)

func TestTableIndependentMasks(t *testing.T) {
	tbl := NewTable()

	changed, err := tbl.SetLocal(42, types.SubscribeVoice)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, tbl.SetPeer(42, types.SubscribeVideoCapture))

	assert.Equal(t, types.SubscribeVoice, tbl.Local(42))
	assert.Equal(t, types.SubscribeVideoCapture, tbl.Peer(42))
	assert.Equal(t, types.SubscribeVoice|types.SubscribeVideoCapture, tbl.Effective(42))

	_, err = tbl.SetLocal(42, types.SubscribeNone)
	require.NoError(t, err)
	assert.Equal(t, types.SubscribeVideoCapture, tbl.Peer(42), "peer mask is independent")
}

func TestTableSetIsIdempotent(t *testing.T) {
	tbl := NewTable()
	mask := types.SubscribeVoice | types.SubscribeDesktop

	changed, err := tbl.SetLocal(7, mask)
	require.NoError(t, err)
	require.True(t, changed)

	before := tbl.Users()
	changed, err = tbl.SetLocal(7, mask)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, tbl.Users())
	assert.Equal(t, mask, tbl.Local(7))

	assert.True(t, tbl.SetPeer(7, mask))
	assert.False(t, tbl.SetPeer(7, mask))
}

func TestTableRejectsUnknownBits(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.SetLocal(1, types.Subscription(0x80000000))
	assert.ErrorIs(t, err, ErrUnknownBits)
	assert.Empty(t, tbl.Users())
}

func TestTableAllows(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.SetLocal(3, types.SubscribeVoice)
	require.NoError(t, err)
	tbl.SetPeer(4, types.SubscribeInterceptVideo)

	tests := []struct {
		name string
		user types.UserID
		st   types.StreamType
		want bool
	}{
		{"voice from subscribed user", 3, types.StreamVoice, true},
		{"video from voice-only user", 3, types.StreamVideoCapture, false},
		{"intercepted video", 4, types.StreamVideoCapture, true},
		{"unknown user", 9, types.StreamVoice, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tbl.Allows(tt.user, tt.st))
		})
	}

	tbl.Remove(3)
	assert.False(t, tbl.Allows(3, types.StreamVoice))
	tbl.Reset()
	assert.Empty(t, tbl.Users())
}

func TestArbiterFreeForAll(t *testing.T) {
	arb := NewArbiter(FreeForAll, time.Second, 0)
	now := time.Unix(1000, 0)

	for _, id := range []types.UserID{3, 1, 2} {
		ok, err := arb.Request(id, types.StreamVoice, now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, []types.UserID{1, 2, 3}, arb.Active(types.StreamVoice))
	assert.Empty(t, arb.Queue(types.StreamVoice))
	assert.True(t, arb.CanTransmit(2, types.StreamVoice))

	assert.True(t, arb.Release(2, types.StreamVoice, now))
	assert.False(t, arb.Release(2, types.StreamVoice, now))
	assert.False(t, arb.CanTransmit(2, types.StreamVoice))
	assert.Nil(t, arb.Promote(now))
}

func TestArbiterSoloTransmitQueue(t *testing.T) {
	delay := 500 * time.Millisecond
	arb := NewArbiter(SoloTransmit, delay, 0)
	now := time.Unix(1000, 0)

	ok, err := arb.Request(1, types.StreamVoice, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = arb.Request(2, types.StreamVoice, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = arb.Request(3, types.StreamVoice, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = arb.Request(2, types.StreamVoice, now)
	require.NoError(t, err)
	assert.False(t, ok, "re-requesting keeps the queue position")
	assert.Equal(t, []types.UserID{2, 3}, arb.Queue(types.StreamVoice))

	// Other stream types have their own lane.
	ok, err = arb.Request(2, types.StreamVideoCapture, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, arb.Release(1, types.StreamVoice, now))
	assert.Empty(t, arb.Active(types.StreamVoice))

	assert.Empty(t, arb.Promote(now.Add(delay/2)), "promotion waits for the delay")

	grants := arb.Promote(now.Add(delay))
	require.Len(t, grants, 1)
	assert.Equal(t, Grant{UserID: 2, StreamType: types.StreamVoice}, grants[0])
	assert.Equal(t, []types.UserID{2}, arb.Active(types.StreamVoice))
	assert.Equal(t, []types.UserID{3}, arb.Queue(types.StreamVoice))

	assert.True(t, arb.Release(3, types.StreamVoice, now), "queued users can leave the queue")
	assert.Empty(t, arb.Queue(types.StreamVoice))
}

func TestArbiterSoloDelayBlocksImmediateTakeover(t *testing.T) {
	arb := NewArbiter(SoloTransmit, time.Second, 0)
	now := time.Unix(1000, 0)

	_, err := arb.Request(1, types.StreamVoice, now)
	require.NoError(t, err)
	arb.Release(1, types.StreamVoice, now)

	ok, err := arb.Request(2, types.StreamVoice, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)

	grants := arb.Promote(now.Add(time.Second))
	require.Len(t, grants, 1)
	assert.Equal(t, types.UserID(2), grants[0].UserID)
}

func TestArbiterQueueDepth(t *testing.T) {
	arb := NewArbiter(SoloTransmit, 0, 0)
	now := time.Unix(1000, 0)

	_, err := arb.Request(1, types.StreamVoice, now)
	require.NoError(t, err)
	for i := 0; i < limits.TransmitQueueMax; i++ {
		_, err := arb.Request(types.UserID(10+i), types.StreamVoice, now)
		require.NoError(t, err)
	}
	_, err = arb.Request(99, types.StreamVoice, now)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, arb.Queue(types.StreamVoice), limits.TransmitQueueMax)
}

func TestArbiterMirrorAndPolicy(t *testing.T) {
	arb := NewArbiter(SoloTransmit, 0, 0)
	arb.Mirror(types.StreamVoice, []types.UserID{5, 6, 7})
	assert.True(t, arb.CanTransmit(5, types.StreamVoice))
	assert.Equal(t, []types.UserID{6, 7}, arb.Queue(types.StreamVoice))

	arb.Mirror(types.StreamVoice, nil)
	assert.False(t, arb.CanTransmit(5, types.StreamVoice))

	_, err := arb.Request(1, types.StreamVoice|types.StreamDesktop, time.Now())
	assert.ErrorIs(t, err, ErrNotSingleStream)

	arb.SetPolicy(FreeForAll, 0)
	assert.Equal(t, FreeForAll, arb.Policy())
	assert.Equal(t, SoloTransmit, PolicyFor(types.ChannelSoloTransmit|types.ChannelPermanent))
	assert.Equal(t, FreeForAll, PolicyFor(types.ChannelClassroom))
}
