package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/ttclient/jitter"
	"github.com/opd-ai/ttclient/types"
)

type arrival struct {
	frame types.Frame
	at    time.Time
}

// stream is the worker state of one (user, stream type).
type stream struct {
	key    types.StreamKey
	buf    *jitter.Buffer
	inbox  chan arrival
	cancel context.CancelFunc

	// streamID is only touched under the pipeline lock.
	streamID uint8

	last       atomic.Int64
	inboxDrops atomic.Int64
	discarded  atomic.Int64

	mu       sync.Mutex
	dec      Decoder
	degraded bool
}

func (s *stream) touch(now time.Time) {
	s.last.Store(now.UnixNano())
}

func (s *stream) lastArrival() time.Time {
	return time.Unix(0, s.last.Load())
}

func (s *stream) decoder() (Decoder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec, s.degraded || s.dec == nil
}

func (s *stream) degrade() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

func (s *stream) reset(dec Decoder) {
	s.mu.Lock()
	s.dec = dec
	s.degraded = false
	s.mu.Unlock()
	s.buf.Reset()
}

// restart begins a new stream id on the same key.
func (s *stream) restart(id uint8) {
	s.streamID = id
	s.buf.Reset()
}
