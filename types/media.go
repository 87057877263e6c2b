package types

import (
	"errors"
	"fmt"
	"time"
)

// StreamKey identifies one incoming stream: a user and a single stream type.
type StreamKey struct {
	UserID     UserID
	StreamType StreamType
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%d/%s", k.UserID, k.StreamType)
}

// Frame is one decoded media unit handed to the application.
type Frame struct {
	UserID     UserID
	StreamType StreamType
	StreamID   uint8
	// Timestamp is the media time of the frame in milliseconds.
	Timestamp uint32
	Data      []byte

	// Audio framing.
	SampleRate int
	Channels   int
	Samples    int

	// Video framing.
	Width  int
	Height int
}

// Key returns the stream key of the frame.
func (f Frame) Key() StreamKey {
	return StreamKey{UserID: f.UserID, StreamType: f.StreamType}
}

// ErrInvalidJitterConfig is returned for inconsistent jitter settings.
var ErrInvalidJitterConfig = errors.New("invalid jitter configuration")

// JitterConfig controls the playout delay of a jitter buffer.
type JitterConfig struct {
	FixedDelay       time.Duration
	Adaptive         bool
	MaxAdaptiveDelay time.Duration
	// ActiveDelay is computed by the buffer and ignored on input.
	ActiveDelay time.Duration
}

// Validate checks the configuration invariants.
func (c JitterConfig) Validate() error {
	if c.FixedDelay < 0 {
		return fmt.Errorf("%w: negative fixed delay %v", ErrInvalidJitterConfig, c.FixedDelay)
	}
	if c.Adaptive && c.MaxAdaptiveDelay < c.FixedDelay {
		return fmt.Errorf("%w: max adaptive delay %v below fixed delay %v",
			ErrInvalidJitterConfig, c.MaxAdaptiveDelay, c.FixedDelay)
	}
	return nil
}
