package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

const (
	// DefaultCapacity is the queue size used when none is configured.
	DefaultCapacity = 1024

	// DefaultPushWait is how long a producer waits for space before the
	// event is dropped and an overflow is signalled.
	DefaultPushWait = 50 * time.Millisecond
)

// Queue is a bounded FIFO of events with one logical consumer.
//
// Producers never block longer than the configured push wait. When an event
// has to be dropped, the queue records the overflow and appends a single
// InternalError with code ErrMessageQueueOverflow as soon as the consumer
// frees a slot, so the drop is visible at the position where it happened.
type Queue struct {
	mu       sync.Mutex
	items    []Event
	head     int
	size     int
	pushWait time.Duration

	overflowPending bool
	dropped         uint64
	closed          bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

// NewQueue creates a queue holding at most capacity events.
// Non-positive arguments select DefaultCapacity and DefaultPushWait.
func NewQueue(capacity int, pushWait time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if pushWait <= 0 {
		pushWait = DefaultPushWait
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewQueue",
		"capacity":  capacity,
		"push_wait": pushWait.String(),
	}).Debug("Creating event queue")

	return &Queue{
		items:    make([]Event, capacity),
		pushWait: pushWait,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends an event produced by the session.
func (q *Queue) Push(ev Event) error {
	return q.push(ev, "Push")
}

// Inject appends a synthetic event on behalf of a test or integration
// harness. It shares the FIFO with Push, so injected events are ordered
// after everything already queued.
func (q *Queue) Inject(ev Event) error {
	return q.push(ev, "Inject")
}

func (q *Queue) push(ev Event, op string) error {
	if ev == nil {
		return nil
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.size < len(q.items) {
			q.appendLocked(ev)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.pushWait)
		}
		select {
		case <-q.space:
			continue
		case <-q.done:
			return ErrQueueClosed
		case <-timer.C:
		}
		break
	}

	q.mu.Lock()
	q.dropped++
	q.overflowPending = true
	dropped := q.dropped
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Queue." + op,
		"kind":     ev.Kind(),
		"source":   ev.Source(),
		"dropped":  dropped,
	}).Warn("Event queue full, dropping event")

	return ErrQueueFull
}

// Poll removes the oldest event. A zero timeout returns immediately, a
// negative timeout waits until an event arrives or the queue is closed.
func (q *Queue) Poll(timeout time.Duration) (Event, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if ev, ok := q.pop(); ok {
			return ev, true
		}
		if timeout == 0 {
			return nil, false
		}
		select {
		case <-q.ready:
		case <-q.done:
			return q.pop()
		case <-expired:
			return q.pop()
		}
	}
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return nil, false
	}
	ev := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--

	if q.overflowPending {
		q.overflowPending = false
		q.appendLocked(InternalError{Err: types.NewClientError(types.ErrMessageQueueOverflow)})
	}
	more := q.size > 0
	q.mu.Unlock()

	signal(q.space)
	if more {
		signal(q.ready)
	}
	return ev, true
}

func (q *Queue) appendLocked(ev Event) {
	tail := (q.head + q.size) % len(q.items)
	q.items[tail] = ev
	q.size++
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.items)
}

// Dropped returns how many events were dropped on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops the queue from accepting events and wakes a blocked Poll.
// Events already queued can still be polled.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
