package dispatch

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

var (
	// ErrDuplicateID indicates an id is already pending.
	ErrDuplicateID = errors.New("command id already pending")
	// ErrZeroID indicates an attempt to track the reserved id 0.
	ErrZeroID = errors.New("command id 0 is reserved")
)

// Pending is one in-flight command.
type Pending struct {
	ID          uint32
	Verb        string
	SubmittedAt time.Time
	// Index is the first item requested by a paginated listing.
	Index int
	// Processing is set between the server's begin and end brackets.
	Processing bool

	acc *Accumulator
}

// Accumulator returns the listing accumulator of the command.
func (p Pending) Accumulator() *Accumulator {
	return p.acc
}

// Accumulator collects the parts of a paginated reply in arrival order,
// which is also index order.
type Accumulator struct {
	mu       sync.Mutex
	start    int
	accounts []types.UserAccount
	bans     []types.BannedUser
}

// AddAccount appends an account and returns its absolute listing index.
func (a *Accumulator) AddAccount(acc types.UserAccount) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = append(a.accounts, acc.Clone())
	return a.start + len(a.accounts) - 1
}

// AddBan appends a ban and returns its absolute listing index.
func (a *Accumulator) AddBan(ban types.BannedUser) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bans = append(a.bans, ban)
	return a.start + len(a.bans) - 1
}

// Start returns the index of the first item.
func (a *Accumulator) Start() int {
	return a.start
}

// Accounts returns the accounts collected so far.
func (a *Accumulator) Accounts() []types.UserAccount {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.UserAccount, len(a.accounts))
	for i, acc := range a.accounts {
		out[i] = acc.Clone()
	}
	return out
}

// Bans returns the bans collected so far.
func (a *Accumulator) Bans() []types.BannedUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.bans)
}

// Len returns the number of collected parts.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accounts) + len(a.bans)
}

// Dispatcher allocates command ids and tracks pending commands.
type Dispatcher struct {
	next    atomic.Uint32
	mu      sync.Mutex
	pending map[uint32]*Pending
	clock   transport.TimeProvider
}

// New creates a dispatcher. A nil clock selects the default time provider.
func New(clock transport.TimeProvider) *Dispatcher {
	return &Dispatcher{
		pending: make(map[uint32]*Pending),
		clock:   transport.GetTimeProvider(clock),
	}
}

// NextID returns a fresh command id. Ids are strictly increasing and 0 is
// never returned.
func (d *Dispatcher) NextID() uint32 {
	id := d.next.Add(1)
	if id == 0 {
		id = d.next.Add(1)
	}
	return id
}

// LastID returns the most recently allocated id.
func (d *Dispatcher) LastID() uint32 {
	return d.next.Load()
}

// Track inserts a pending entry for id.
func (d *Dispatcher) Track(id uint32, verb string, index int) error {
	if id == 0 {
		return ErrZeroID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pending[id]; exists {
		return ErrDuplicateID
	}
	d.pending[id] = &Pending{
		ID:          id,
		Verb:        verb,
		SubmittedAt: d.clock.Now(),
		Index:       index,
		acc:         &Accumulator{start: index},
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Track",
		"id":       id,
		"verb":     verb,
		"pending":  len(d.pending),
	}).Debug("Command pending")
	return nil
}

// Untrack removes an entry without resolving it. It is used when a command
// could not be transmitted and the caller gets the error synchronously.
func (d *Dispatcher) Untrack(id uint32) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Get returns a copy of the pending entry for id.
func (d *Dispatcher) Get(id uint32) (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Processing records the server's begin/end bracket for id. It returns false
// for an unknown id.
func (d *Dispatcher) Processing(id uint32, active bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		d.logUnknown("Dispatcher.Processing", id)
		return false
	}
	p.Processing = active
	return true
}

// Accumulate returns the accumulator of a pending listing command.
func (d *Dispatcher) Accumulate(id uint32) (*Accumulator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		d.logUnknown("Dispatcher.Accumulate", id)
		return nil, false
	}
	return p.acc, true
}

// Resolve removes and returns the entry for id. A reply whose id is not
// pending is stale or forged and resolves nothing.
func (d *Dispatcher) Resolve(id uint32) (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		d.logUnknown("Dispatcher.Resolve", id)
		return Pending{}, false
	}
	delete(d.pending, id)

	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Resolve",
		"id":       id,
		"verb":     p.Verb,
		"elapsed":  d.clock.Now().Sub(p.SubmittedAt).String(),
	}).Debug("Command resolved")
	return *p, true
}

// Flush removes every pending entry and returns them in ascending id order.
func (d *Dispatcher) Flush() []Pending {
	d.mu.Lock()
	out := make([]Pending, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, *p)
	}
	d.pending = make(map[uint32]*Pending)
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b Pending) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if len(out) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Flush",
			"count":    len(out),
		}).Info("Flushing pending commands")
	}
	return out
}

// Len returns the number of pending commands.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stale returns the ids pending for longer than age, ascending.
func (d *Dispatcher) Stale(age time.Duration) []uint32 {
	now := d.clock.Now()
	d.mu.Lock()
	var ids []uint32
	for id, p := range d.pending {
		if now.Sub(p.SubmittedAt) > age {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (d *Dispatcher) logUnknown(fn string, id uint32) {
	logrus.WithFields(logrus.Fields{
		"function": fn,
		"id":       id,
	}).Warn("Dropping reply for unknown command id")
}
