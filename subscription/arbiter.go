package subscription

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/types"
)

var (
	// ErrQueueFull indicates the solo-transmit wait queue is at its depth.
	ErrQueueFull = errors.New("transmit queue full")

	// ErrNotSingleStream indicates a request for more than one stream type.
	ErrNotSingleStream = errors.New("request must name exactly one stream type")
)

// Policy is a channel transmit policy.
type Policy uint8

const (
	// FreeForAll lets every eligible user transmit at once.
	FreeForAll Policy = iota
	// SoloTransmit lets one user per stream type transmit at a time.
	SoloTransmit
)

func (p Policy) String() string {
	if p == SoloTransmit {
		return "solo-transmit"
	}
	return "free-for-all"
}

// PolicyFor returns the policy of a channel type.
func PolicyFor(ct types.ChannelType) Policy {
	if ct&types.ChannelSoloTransmit != 0 {
		return SoloTransmit
	}
	return FreeForAll
}

// Grant names a user that became the active transmitter of a stream type.
type Grant struct {
	UserID     types.UserID
	StreamType types.StreamType
}

type lane struct {
	active     types.UserID
	queue      []types.UserID
	releasedAt time.Time
	// free holds the concurrent transmitters of a free-for-all channel.
	free map[types.UserID]struct{}
}

// Arbiter decides who may transmit in one channel.
type Arbiter struct {
	mu     sync.Mutex
	policy Policy
	delay  time.Duration
	depth  int
	lanes  map[types.StreamType]*lane
}

// NewArbiter creates an arbiter. A non-positive depth selects
// limits.TransmitQueueMax.
func NewArbiter(policy Policy, delay time.Duration, depth int) *Arbiter {
	if depth <= 0 || depth > limits.TransmitQueueMax {
		depth = limits.TransmitQueueMax
	}
	return &Arbiter{
		policy: policy,
		delay:  delay,
		depth:  depth,
		lanes:  make(map[types.StreamType]*lane),
	}
}

// Policy returns the current policy.
func (a *Arbiter) Policy() Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// SetPolicy switches the policy and clears all transmitters and queues.
func (a *Arbiter) SetPolicy(p Policy, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policy == p && a.delay == delay {
		return
	}
	a.policy = p
	a.delay = delay
	a.lanes = make(map[types.StreamType]*lane)
}

func (a *Arbiter) lane(st types.StreamType) *lane {
	l, ok := a.lanes[st]
	if !ok {
		l = &lane{free: make(map[types.UserID]struct{})}
		a.lanes[st] = l
	}
	return l
}

// Request asks for permission to transmit st. It returns true if user is
// now an active transmitter and false if user waits in the queue.
func (a *Arbiter) Request(user types.UserID, st types.StreamType, now time.Time) (bool, error) {
	if !st.Single() {
		return false, fmt.Errorf("%w: %s", ErrNotSingleStream, st)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.lane(st)
	if a.policy == FreeForAll {
		l.free[user] = struct{}{}
		return true, nil
	}

	switch {
	case l.active == user:
		return true, nil
	case slices.Contains(l.queue, user):
		return false, nil
	case l.active == 0 && len(l.queue) == 0 && a.delayElapsed(l, now):
		l.active = user
		return true, nil
	}

	if len(l.queue) >= a.depth {
		logrus.WithFields(logrus.Fields{
			"function":    "Arbiter.Request",
			"user_id":     user,
			"stream_type": st.String(),
			"depth":       a.depth,
		}).Warn("Transmit queue full")
		return false, ErrQueueFull
	}
	l.queue = append(l.queue, user)
	return false, nil
}

func (a *Arbiter) delayElapsed(l *lane, now time.Time) bool {
	return l.releasedAt.IsZero() || now.Sub(l.releasedAt) >= a.delay
}

// Release stops user transmitting st or removes it from the queue. It
// reports whether anything changed.
func (a *Arbiter) Release(user types.UserID, st types.StreamType, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lanes[st]
	if !ok {
		return false
	}
	if a.policy == FreeForAll {
		if _, ok := l.free[user]; !ok {
			return false
		}
		delete(l.free, user)
		return true
	}
	if l.active == user {
		l.active = 0
		l.releasedAt = now
		return true
	}
	if i := slices.Index(l.queue, user); i >= 0 {
		l.queue = slices.Delete(l.queue, i, i+1)
		return true
	}
	return false
}

// Promote moves queue heads into free lanes whose promotion delay has
// elapsed and returns the new active transmitters.
func (a *Arbiter) Promote(now time.Time) []Grant {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.policy != SoloTransmit {
		return nil
	}
	var grants []Grant
	for st, l := range a.lanes {
		if l.active != 0 || len(l.queue) == 0 || !a.delayElapsed(l, now) {
			continue
		}
		l.active = l.queue[0]
		l.queue = slices.Delete(l.queue, 0, 1)
		grants = append(grants, Grant{UserID: l.active, StreamType: st})
	}
	slices.SortFunc(grants, func(x, y Grant) int { return int(x.StreamType) - int(y.StreamType) })
	return grants
}

// Mirror replaces the solo lane of st with a queue announced by the server,
// whose head is the active transmitter.
func (a *Arbiter) Mirror(st types.StreamType, queue []types.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.lane(st)
	if len(queue) == 0 {
		l.active = 0
		l.queue = nil
		return
	}
	l.active = queue[0]
	l.queue = slices.Clone(queue[1:])
	if len(l.queue) > a.depth {
		l.queue = l.queue[:a.depth]
	}
}

// Active returns the users allowed to transmit st, ordered by id.
func (a *Arbiter) Active(st types.StreamType) []types.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lanes[st]
	if !ok {
		return nil
	}
	if a.policy == FreeForAll {
		out := make([]types.UserID, 0, len(l.free))
		for id := range l.free {
			out = append(out, id)
		}
		slices.Sort(out)
		return out
	}
	if l.active == 0 {
		return nil
	}
	return []types.UserID{l.active}
}

// Queue returns the users waiting to transmit st, head first.
func (a *Arbiter) Queue(st types.StreamType) []types.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.lanes[st]; ok {
		return slices.Clone(l.queue)
	}
	return nil
}

// CanTransmit reports whether user is an active transmitter of st.
func (a *Arbiter) CanTransmit(user types.UserID, st types.StreamType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.lanes[st]
	if !ok {
		return false
	}
	if a.policy == FreeForAll {
		_, ok := l.free[user]
		return ok
	}
	return l.active == user
}
