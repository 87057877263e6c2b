package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/types"
)

func TestQueuePollOrder(t *testing.T) {
	q := NewQueue(8, time.Millisecond)

	require.NoError(t, q.Push(CmdProcessing{Header: Header{CmdID: 1}}))
	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 1}}))
	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 2}}))

	var got []Kind
	var ids []uint32
	for {
		ev, ok := q.Poll(0)
		if !ok {
			break
		}
		got = append(got, ev.Kind())
		ids = append(ids, ev.Source())
	}

	assert.Equal(t, []Kind{KindCmdProcessing, KindCmdSuccess, KindCmdSuccess}, got)
	assert.Equal(t, []uint32{1, 1, 2}, ids)
}

func TestQueuePollTimeouts(t *testing.T) {
	q := NewQueue(4, time.Millisecond)

	t.Run("zero timeout does not block", func(t *testing.T) {
		start := time.Now()
		_, ok := q.Poll(0)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("bounded timeout expires", func(t *testing.T) {
		start := time.Now()
		_, ok := q.Poll(20 * time.Millisecond)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("infinite wait wakes on push", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = q.Push(MySelfLoggedOut{})
		}()
		ev, ok := q.Poll(-1)
		require.True(t, ok)
		assert.Equal(t, KindMySelfLoggedOut, ev.Kind())
	})

	t.Run("infinite wait wakes on close", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Close()
		}()
		_, ok := q.Poll(-1)
		assert.False(t, ok)
	})
}

func TestQueueInjectPreservesOrder(t *testing.T) {
	q := NewQueue(8, time.Millisecond)

	require.NoError(t, q.Push(UserJoined{User: types.User{ID: 7}}))
	require.NoError(t, q.Inject(TextMessage{Message: types.TextMessage{Content: "synthetic"}}))
	require.NoError(t, q.Push(UserLeft{User: types.User{ID: 7}}))

	kinds := make([]Kind, 0, 3)
	for i := 0; i < 3; i++ {
		ev, ok := q.Poll(0)
		require.True(t, ok)
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []Kind{KindUserJoined, KindTextMessage, KindUserLeft}, kinds)
}

func TestQueueOverflowSignalsOnce(t *testing.T) {
	q := NewQueue(2, 5*time.Millisecond)

	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 1}}))
	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 2}}))

	start := time.Now()
	assert.ErrorIs(t, q.Push(CmdSuccess{Header: Header{CmdID: 3}}), ErrQueueFull)
	assert.ErrorIs(t, q.Push(CmdSuccess{Header: Header{CmdID: 4}}), ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second, "producer must not block beyond its retry budget")
	assert.Equal(t, uint64(2), q.Dropped())

	ev, ok := q.Poll(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ev.Source())

	ev, ok = q.Poll(0)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ev.Source())

	ev, ok = q.Poll(0)
	require.True(t, ok)
	internal, isInternal := ev.(InternalError)
	require.True(t, isInternal, "expected overflow signal, got %T", ev)
	assert.Equal(t, types.ErrMessageQueueOverflow, internal.Err.Code)
	assert.Equal(t, types.ClassInternal, internal.Err.Code.Class())

	_, ok = q.Poll(0)
	assert.False(t, ok, "only one overflow event per episode")
}

func TestQueueProducerWaitsForSpace(t *testing.T) {
	q := NewQueue(1, time.Second)
	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 1}}))

	var wg sync.WaitGroup
	wg.Add(1)
	var pushErr error
	go func() {
		defer wg.Done()
		pushErr = q.Push(CmdSuccess{Header: Header{CmdID: 2}})
	}()

	time.Sleep(10 * time.Millisecond)
	ev, ok := q.Poll(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ev.Source())

	wg.Wait()
	require.NoError(t, pushErr)
	ev, ok = q.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ev.Source())
	assert.Zero(t, q.Dropped())
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(4, time.Millisecond)
	require.NoError(t, q.Push(CmdSuccess{Header: Header{CmdID: 1}}))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Push(CmdSuccess{}), ErrQueueClosed)
	assert.ErrorIs(t, q.Inject(CmdSuccess{}), ErrQueueClosed)

	ev, ok := q.Poll(0)
	require.True(t, ok, "queued events survive close")
	assert.Equal(t, uint32(1), ev.Source())
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"success", CmdSuccess{Header: Header{CmdID: 3}}, true},
		{"error", CmdError{Header: Header{CmdID: 3}, Err: types.NewClientError(types.ErrChannelNotFound)}, true},
		{"processing", CmdProcessing{Header: Header{CmdID: 3}, Complete: true}, false},
		{"listing part", UserAccountReceived{Header: Header{CmdID: 3, Continues: true}}, false},
		{"unsolicited", CmdSuccess{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTerminal(tt.ev))
		})
	}
}
