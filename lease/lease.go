package lease

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

var (
	// ErrReleased indicates a second Release of the same lease.
	ErrReleased = errors.New("lease already released")

	// ErrClosed indicates the manager no longer accepts frames.
	ErrClosed = errors.New("lease manager closed")
)

// maxFreeBuffers bounds the recycled storage kept per slot.
const maxFreeBuffers = 4

type buffer struct {
	data []byte
}

type slot struct {
	latest      *types.Frame
	latestBuf   *buffer
	free        []*buffer
	outstanding int
	published   uint64
	overwritten uint64
}

// SlotStats describes one slot.
type SlotStats struct {
	Published   uint64
	Overwritten uint64
	Outstanding int
}

// Manager owns the frame slots of one session.
type Manager struct {
	mu           sync.Mutex
	slots        map[types.StreamKey]*slot
	closed       bool
	timeProvider transport.TimeProvider
}

// NewManager creates a manager. A nil time provider uses the default.
func NewManager(tp transport.TimeProvider) *Manager {
	return &Manager{
		slots:        make(map[types.StreamKey]*slot),
		timeProvider: transport.GetTimeProvider(tp),
	}
}

// Lease is the exclusive ownership of one frame. It must be released
// exactly once.
type Lease struct {
	mgr      *Manager
	key      types.StreamKey
	frame    types.Frame
	buf      *buffer
	issuedAt time.Time

	mu       sync.Mutex
	released bool
}

// Frame returns the leased frame. Its Data is valid until Release.
func (l *Lease) Frame() types.Frame {
	return l.frame
}

// Key returns the slot the lease was taken from.
func (l *Lease) Key() types.StreamKey {
	return l.key
}

// IssuedAt returns when the lease was acquired.
func (l *Lease) IssuedAt() time.Time {
	return l.issuedAt
}

// Release returns the frame storage to its slot. Releasing twice returns
// ErrReleased; any release after the manager was closed does nothing.
func (l *Lease) Release() error {
	closed := l.mgr.isClosed()
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		if closed {
			return nil
		}
		return ErrReleased
	}
	l.released = true
	l.frame.Data = nil
	l.mu.Unlock()

	l.mgr.release(l)
	return nil
}

func (m *Manager) slot(key types.StreamKey) *slot {
	s, ok := m.slots[key]
	if !ok {
		s = &slot{}
		m.slots[key] = s
	}
	return s
}

// Publish stores a complete frame as the latest of its slot, replacing an
// unclaimed earlier frame. The frame data is copied into slot storage.
func (m *Manager) Publish(f types.Frame) error {
	key := f.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	s := m.slot(key)

	if s.latestBuf != nil {
		s.overwritten++
		s.recycle(s.latestBuf)
		s.latest, s.latestBuf = nil, nil
	}

	buf := s.take(len(f.Data))
	copy(buf.data, f.Data)
	stored := f
	stored.Data = buf.data
	s.latest = &stored
	s.latestBuf = buf
	s.published++
	return nil
}

func (s *slot) take(n int) *buffer {
	for i := len(s.free) - 1; i >= 0; i-- {
		b := s.free[i]
		if cap(b.data) >= n {
			s.free = append(s.free[:i], s.free[i+1:]...)
			b.data = b.data[:n]
			return b
		}
	}
	return &buffer{data: make([]byte, n)}
}

func (s *slot) recycle(b *buffer) {
	if len(s.free) < maxFreeBuffers {
		s.free = append(s.free, b)
	}
}

// Acquire leases the most recent unclaimed frame of a slot. It returns false
// if no frame was published since the last Acquire; it never returns the
// storage of an outstanding lease.
func (m *Manager) Acquire(key types.StreamKey) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}
	s, ok := m.slots[key]
	if !ok || s.latest == nil {
		return nil, false
	}

	l := &Lease{
		mgr:      m,
		key:      key,
		frame:    *s.latest,
		buf:      s.latestBuf,
		issuedAt: m.timeProvider.Now(),
	}
	s.latest, s.latestBuf = nil, nil
	s.outstanding++
	return l, true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	s, ok := m.slots[l.key]
	if !ok {
		return
	}
	s.outstanding--
	s.recycle(l.buf)
}

// Outstanding returns the number of unreleased leases of a slot.
func (m *Manager) Outstanding(key types.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[key]; ok {
		return s.outstanding
	}
	return 0
}

// Stats returns the counters of a slot.
func (m *Manager) Stats(key types.StreamKey) SlotStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		return SlotStats{}
	}
	return SlotStats{Published: s.published, Overwritten: s.overwritten, Outstanding: s.outstanding}
}

// Drop discards a slot's unclaimed frame and recycled storage, for example
// when its stream stops. Outstanding leases stay valid.
func (m *Manager) Drop(key types.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		return
	}
	s.latest, s.latestBuf = nil, nil
	s.free = nil
	if s.outstanding == 0 {
		delete(m.slots, key)
	}
}

// Close invalidates every outstanding lease and refuses further frames.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	outstanding := 0
	for _, s := range m.slots {
		outstanding += s.outstanding
	}
	m.closed = true
	m.slots = make(map[types.StreamKey]*slot)

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.Close",
		"outstanding": outstanding,
	}).Debug("Lease manager closed")
}
