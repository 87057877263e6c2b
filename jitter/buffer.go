package jitter

import (
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

// DefaultMaxFrames bounds the number of queued frames per stream.
const DefaultMaxFrames = 256

// jitterGain is how many jitter estimates the adaptive delay covers.
const jitterGain = 3

// Stats counts what happened to the frames pushed into a buffer.
type Stats struct {
	Received   uint64
	Played     uint64
	Late       uint64
	Duplicates uint64
	Overflow   uint64
	Trimmed    uint64
	Resyncs    uint64
	// Jitter is the current inter-arrival jitter estimate.
	Jitter time.Duration
}

type slot struct {
	frame   types.Frame
	arrival time.Time
}

// Buffer is the jitter buffer of one (user, stream type) pair. It is safe
// for concurrent use, although a stream worker normally owns it.
type Buffer struct {
	mu        sync.Mutex
	cfg       types.JitterConfig
	active    time.Duration
	maxFrames int
	frames    []slot

	anchored      bool
	anchorTS      uint32
	anchorArrival time.Time

	played     bool
	lastPlayed uint32

	// inter-arrival state for the jitter estimate
	havePrev    bool
	prevTS      uint32
	prevArrival time.Time
	jitter      float64 // milliseconds
	period      time.Duration

	stats Stats
}

// New creates a buffer. A non-positive maxFrames selects DefaultMaxFrames.
func New(cfg types.JitterConfig, maxFrames int) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	b := &Buffer{cfg: cfg, maxFrames: maxFrames}
	b.recompute()
	return b, nil
}

// before reports whether media timestamp a precedes b, allowing for wrap.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

func (b *Buffer) deadlineLocked(ts uint32) time.Time {
	offset := time.Duration(int32(ts-b.anchorTS)) * time.Millisecond
	return b.anchorArrival.Add(offset + b.active)
}

// Push queues a frame that arrived at the given time. It reports whether the
// frame was accepted.
func (b *Buffer) Push(f types.Frame, arrival time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++
	ts := f.Timestamp

	if b.played && !before(b.lastPlayed, ts) {
		b.stats.Late++
		return false
	}
	for _, s := range b.frames {
		if s.frame.Timestamp == ts {
			b.stats.Duplicates++
			return false
		}
	}

	b.observeLocked(ts, arrival)

	if !b.anchored {
		b.anchorLocked(ts, arrival)
	} else if arrival.After(b.deadlineLocked(ts)) {
		if len(b.frames) > 0 {
			b.stats.Late++
			logrus.WithFields(logrus.Fields{
				"function":  "Buffer.Push",
				"user_id":   f.UserID,
				"timestamp": ts,
				"late_by":   arrival.Sub(b.deadlineLocked(ts)).String(),
			}).Debug("Dropping frame past its playout deadline")
			return false
		}
		b.stats.Resyncs++
		b.anchorLocked(ts, arrival)
	}

	i, _ := slices.BinarySearchFunc(b.frames, ts, func(s slot, t uint32) int {
		switch {
		case s.frame.Timestamp == t:
			return 0
		case before(s.frame.Timestamp, t):
			return -1
		}
		return 1
	})
	b.frames = slices.Insert(b.frames, i, slot{frame: f, arrival: arrival})

	if len(b.frames) > b.maxFrames {
		b.frames = slices.Delete(b.frames, 0, 1)
		b.stats.Overflow++
	}
	return true
}

func (b *Buffer) anchorLocked(ts uint32, arrival time.Time) {
	b.anchored = true
	b.anchorTS = ts
	b.anchorArrival = arrival
}

// observeLocked updates the inter-arrival jitter and frame period estimates.
func (b *Buffer) observeLocked(ts uint32, arrival time.Time) {
	if b.havePrev {
		transit := float64(arrival.Sub(b.prevArrival)) / float64(time.Millisecond)
		media := float64(int32(ts - b.prevTS))
		d := transit - media
		if d < 0 {
			d = -d
		}
		b.jitter += (d - b.jitter) / 16
		if step := time.Duration(int32(ts-b.prevTS)) * time.Millisecond; step > 0 && (b.period == 0 || step < b.period) {
			b.period = step
		}
	}
	b.havePrev = true
	b.prevTS = ts
	b.prevArrival = arrival
	b.recompute()
}

// recompute derives the active delay from the configuration and the
// current estimates.
func (b *Buffer) recompute() {
	if !b.cfg.Adaptive {
		b.active = b.cfg.FixedDelay
		return
	}
	target := time.Duration(b.jitter*jitterGain*float64(time.Millisecond))
	target = max(target, b.period)
	b.active = min(max(target, b.cfg.FixedDelay), b.cfg.MaxAdaptiveDelay)
}

// Pop returns the earliest frame whose deadline is not after now.
func (b *Buffer) Pop(now time.Time) (types.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return types.Frame{}, false
	}
	head := b.frames[0]
	if now.Before(b.deadlineLocked(head.frame.Timestamp)) {
		return types.Frame{}, false
	}
	b.frames = slices.Delete(b.frames, 0, 1)
	b.played = true
	b.lastPlayed = head.frame.Timestamp
	b.stats.Played++
	return head.frame, true
}

// NextDeadline returns when the head frame becomes due.
func (b *Buffer) NextDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return time.Time{}, false
	}
	return b.deadlineLocked(b.frames[0].frame.Timestamp), true
}

// SetConfig changes mode and parameters without dropping queued frames.
// Only when the active delay shrinks are the oldest frames beyond the new
// delay trimmed.
func (b *Buffer) SetConfig(cfg types.JitterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.active
	b.cfg = cfg
	b.recompute()

	trimmed := 0
	for b.active < prev && len(b.frames) > 1 && b.bufferedLocked() > b.active {
		b.frames = slices.Delete(b.frames, 0, 1)
		trimmed++
	}
	b.stats.Trimmed += uint64(trimmed)

	logrus.WithFields(logrus.Fields{
		"function":     "Buffer.SetConfig",
		"fixed_delay":  cfg.FixedDelay.String(),
		"adaptive":     cfg.Adaptive,
		"max_adaptive": cfg.MaxAdaptiveDelay.String(),
		"active_delay": b.active.String(),
		"trimmed":      trimmed,
	}).Debug("Jitter configuration changed")
	return nil
}

// Config returns the configuration with ActiveDelay filled in.
func (b *Buffer) Config() types.JitterConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.cfg
	cfg.ActiveDelay = b.active
	return cfg
}

// ActiveDelay returns the playout delay currently applied.
func (b *Buffer) ActiveDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Len returns the number of queued frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// MaxFrames returns the frame capacity.
func (b *Buffer) MaxFrames() int {
	return b.maxFrames
}

// BufferedDuration returns the media time spanned by the queued frames.
func (b *Buffer) BufferedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedLocked()
}

func (b *Buffer) bufferedLocked() time.Duration {
	if len(b.frames) < 2 {
		return 0
	}
	first := b.frames[0].frame.Timestamp
	last := b.frames[len(b.frames)-1].frame.Timestamp
	return time.Duration(last-first) * time.Millisecond
}

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Jitter = time.Duration(b.jitter * float64(time.Millisecond))
	return s
}

// Reset drops queued frames and all timing state, keeping the configuration
// and counters. It is used when a stream restarts with a new stream id.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.anchored = false
	b.played = false
	b.havePrev = false
	b.jitter = 0
	b.period = 0
	b.recompute()
}
