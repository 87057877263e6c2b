package subscription

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

// ErrUnknownBits indicates a subscription mask with undefined bits.
var ErrUnknownBits = errors.New("subscription mask has unknown bits")

type entry struct {
	local types.Subscription
	peer  types.Subscription
}

// Table holds the local and peer subscription masks of every known peer.
// It is safe for concurrent use and is the only state shared between the
// network goroutine and the media workers.
type Table struct {
	mu      sync.RWMutex
	entries map[types.UserID]entry
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{entries: make(map[types.UserID]entry)}
}

// SetLocal replaces what this client receives from user and reports whether
// the mask changed. Setting the same mask again is a no-op.
func (t *Table) SetLocal(user types.UserID, mask types.Subscription) (bool, error) {
	if !mask.Known() {
		return false, fmt.Errorf("%w: %#x", ErrUnknownBits, uint32(mask))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[user]
	if e.local == mask {
		return false, nil
	}
	old := e.local
	e.local = mask
	t.entries[user] = e

	logrus.WithFields(logrus.Fields{
		"function": "Table.SetLocal",
		"user_id":  user,
		"old":      fmt.Sprintf("%#x", uint32(old)),
		"new":      fmt.Sprintf("%#x", uint32(mask)),
	}).Debug("Local subscription changed")
	return true, nil
}

// SetPeer records what user receives from this client. The server is the
// authority for this mask; the table only mirrors it.
func (t *Table) SetPeer(user types.UserID, mask types.Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[user]
	if e.peer == mask {
		return false
	}
	e.peer = mask
	t.entries[user] = e
	return true
}

// Local returns what this client receives from user.
func (t *Table) Local(user types.UserID) types.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[user].local
}

// Peer returns what user receives from this client.
func (t *Table) Peer(user types.UserID) types.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[user].peer
}

// Effective returns the union of the local and peer masks.
func (t *Table) Effective(user types.UserID) types.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entries[user]
	return e.local | e.peer
}

// Allows reports whether a stream of type st from user may be played out.
func (t *Table) Allows(user types.UserID, st types.StreamType) bool {
	return t.Effective(user)&types.SubscriptionFor(st) != 0
}

// Remove forgets a peer, typically when it logs out.
func (t *Table) Remove(user types.UserID) {
	t.mu.Lock()
	delete(t.entries, user)
	t.mu.Unlock()
}

// Users returns every peer with an entry, ordered by id.
func (t *Table) Users() []types.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.UserID, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reset drops every entry.
func (t *Table) Reset() {
	t.mu.Lock()
	t.entries = make(map[types.UserID]entry)
	t.mu.Unlock()
}
