package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

func TestNextIDStrictlyIncreasing(t *testing.T) {
	d := New(nil)

	const workers, perWorker = 8, 200
	var mu sync.Mutex
	seen := make(map[uint32]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint32(0)
			for i := 0; i < perWorker; i++ {
				id := d.NextID()
				assert.Greater(t, id, last)
				last = id
				mu.Lock()
				assert.False(t, seen[id], "id %d reused", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.False(t, seen[0])
	assert.Equal(t, uint32(workers*perWorker), d.LastID())
}

func TestNextIDSkipsZeroOnWrap(t *testing.T) {
	d := New(nil)
	d.next.Store(^uint32(0) - 1)
	assert.Equal(t, ^uint32(0), d.NextID())
	assert.Equal(t, uint32(1), d.NextID())
}

func TestTrackResolve(t *testing.T) {
	clock := transport.NewManualClock(time.Unix(100, 0))
	d := New(clock)

	id := d.NextID()
	require.NoError(t, d.Track(id, "join", 0))
	assert.ErrorIs(t, d.Track(id, "join", 0), ErrDuplicateID)
	assert.ErrorIs(t, d.Track(0, "join", 0), ErrZeroID)

	p, ok := d.Get(id)
	require.True(t, ok)
	assert.Equal(t, "join", p.Verb)
	assert.Equal(t, time.Unix(100, 0), p.SubmittedAt)

	assert.True(t, d.Processing(id, true))
	p, _ = d.Get(id)
	assert.True(t, p.Processing)

	resolved, ok := d.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, id, resolved.ID)

	_, ok = d.Resolve(id)
	assert.False(t, ok, "an entry is removed exactly once")
	assert.Zero(t, d.Len())
}

func TestUnknownRepliesDoNotDisturbPending(t *testing.T) {
	d := New(nil)
	id := d.NextID()
	require.NoError(t, d.Track(id, "listaccounts", 0))

	_, ok := d.Resolve(id + 100)
	assert.False(t, ok)
	assert.False(t, d.Processing(id+100, true))
	_, ok = d.Accumulate(id + 100)
	assert.False(t, ok)

	assert.Equal(t, 1, d.Len())
	_, ok = d.Get(id)
	assert.True(t, ok)
}

func TestUntrack(t *testing.T) {
	d := New(nil)
	id := d.NextID()
	require.NoError(t, d.Track(id, "kick", 0))
	d.Untrack(id)
	assert.Zero(t, d.Len())
	assert.Greater(t, d.NextID(), id, "untracked ids are not reused")
}

func TestFlushAscending(t *testing.T) {
	d := New(nil)
	var ids []uint32
	for i := 0; i < 20; i++ {
		id := d.NextID()
		ids = append(ids, id)
		require.NoError(t, d.Track(id, "ping", 0))
	}
	_, _ = d.Resolve(ids[3])

	flushed := d.Flush()
	require.Len(t, flushed, 19)
	for i := 1; i < len(flushed); i++ {
		assert.Less(t, flushed[i-1].ID, flushed[i].ID)
	}
	assert.Zero(t, d.Len())
	assert.Empty(t, d.Flush())
}

func TestAccumulator(t *testing.T) {
	d := New(nil)
	id := d.NextID()
	require.NoError(t, d.Track(id, "listaccounts", 2))

	acc, ok := d.Accumulate(id)
	require.True(t, ok)
	assert.Equal(t, 2, acc.Start())
	assert.Equal(t, 2, acc.AddAccount(types.UserAccount{Username: "c"}))
	assert.Equal(t, 3, acc.AddAccount(types.UserAccount{Username: "d", AutoOperatorChannels: []types.ChannelID{1}}))
	assert.Equal(t, 2, acc.Len())

	p, ok := d.Resolve(id)
	require.True(t, ok)
	got := p.Accumulator().Accounts()
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Username)
	assert.Equal(t, "d", got[1].Username)

	got[1].AutoOperatorChannels[0] = 99
	assert.Equal(t, types.ChannelID(1), p.Accumulator().Accounts()[1].AutoOperatorChannels[0])

	bans := &Accumulator{}
	assert.Equal(t, 0, bans.AddBan(types.BannedUser{Username: "x"}))
	assert.Len(t, bans.Bans(), 1)
}

func TestStale(t *testing.T) {
	clock := transport.NewManualClock(time.Unix(0, 0))
	d := New(clock)

	first := d.NextID()
	require.NoError(t, d.Track(first, "ping", 0))
	clock.Advance(10 * time.Second)
	second := d.NextID()
	require.NoError(t, d.Track(second, "ping", 0))
	clock.Advance(time.Second)

	assert.Equal(t, []uint32{first}, d.Stale(5*time.Second))
	assert.Equal(t, []uint32{first, second}, d.Stale(0))
}
