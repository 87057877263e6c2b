package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/jitter"
	"github.com/opd-ai/ttclient/lease"
	"github.com/opd-ai/ttclient/subscription"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

var (
	// ErrStopped indicates the pipeline is not running.
	ErrStopped = errors.New("media pipeline not running")
	// ErrUnsupportedStream indicates a stream type that carries no frames.
	ErrUnsupportedStream = errors.New("stream type carries no media frames")
	// ErrUnknownStream indicates no stream exists for a key.
	ErrUnknownStream = errors.New("unknown stream")
)

const (
	// DefaultTick is the playout polling interval of stream workers.
	DefaultTick = 10 * time.Millisecond
	// DefaultStreamTimeout deactivates a stream without incoming frames.
	DefaultStreamTimeout = 2 * time.Second
	// inboxSize bounds frames waiting for a stream worker.
	inboxSize = 64
)

// Sink receives the events raised by the pipeline.
type Sink interface {
	Push(ev events.Event) error
}

// Config holds the pipeline settings.
type Config struct {
	Tick          time.Duration
	StreamTimeout time.Duration
	MaxFrames     int
	// Jitter is the default jitter configuration per stream type.
	Jitter     map[types.StreamType]types.JitterConfig
	NewDecoder DecoderFactory
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Tick:          DefaultTick,
		StreamTimeout: DefaultStreamTimeout,
		MaxFrames:     jitter.DefaultMaxFrames,
		Jitter: map[types.StreamType]types.JitterConfig{
			types.StreamVoice:          {FixedDelay: 40 * time.Millisecond},
			types.StreamMediaFileAudio: {FixedDelay: 40 * time.Millisecond},
			types.StreamVideoCapture:   {FixedDelay: 60 * time.Millisecond},
			types.StreamMediaFileVideo: {FixedDelay: 60 * time.Millisecond},
			types.StreamDesktop:        {FixedDelay: 0},
		},
		NewDecoder: DefaultDecoders,
	}
}

// Pipeline owns the stream workers of one session.
type Pipeline struct {
	cfg    Config
	subs   *subscription.Table
	leases *lease.Manager
	sink   Sink
	clock  transport.TimeProvider

	mu        sync.Mutex
	streams   map[types.StreamKey]*stream
	overrides map[types.StreamKey]types.JitterConfig
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	running   bool
}

// NewPipeline creates a stopped pipeline. Zero config fields take defaults.
func NewPipeline(cfg Config, subs *subscription.Table, leases *lease.Manager, sink Sink, tp transport.TimeProvider) *Pipeline {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = def.StreamTimeout
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.Jitter == nil {
		cfg.Jitter = def.Jitter
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = def.NewDecoder
	}
	return &Pipeline{
		cfg:       cfg,
		subs:      subs,
		leases:    leases,
		sink:      sink,
		clock:     transport.GetTimeProvider(tp),
		streams:   make(map[types.StreamKey]*stream),
		overrides: make(map[types.StreamKey]types.JitterConfig),
	}
}

// Start runs the pipeline until ctx is done or Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, p.ctx = errgroup.WithContext(ctx)
	p.running = true
}

// Close stops every worker and waits for them to exit.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	group := p.group
	p.streams = make(map[types.StreamKey]*stream)
	p.mu.Unlock()

	return group.Wait()
}

func mediaStream(st types.StreamType) bool {
	switch st {
	case types.StreamVoice, types.StreamMediaFileAudio, types.StreamVideoCapture,
		types.StreamMediaFileVideo, types.StreamDesktop:
		return true
	}
	return false
}

// Deliver hands a received frame to its stream worker, creating the stream
// when the subscription table allows it. It reports whether the frame was
// queued.
func (p *Pipeline) Deliver(f types.Frame) (bool, error) {
	if !mediaStream(f.StreamType) {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedStream, f.StreamType)
	}
	if !p.subs.Allows(f.UserID, f.StreamType) {
		logrus.WithFields(logrus.Fields{
			"function":    "Pipeline.Deliver",
			"user_id":     f.UserID,
			"stream_type": f.StreamType.String(),
		}).Debug("Discarding frame of unsubscribed stream")
		return false, nil
	}

	now := p.clock.Now()
	key := f.Key()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false, ErrStopped
	}
	s, ok := p.streams[key]
	var pending []events.Event
	if !ok {
		s, pending = p.openLocked(key, f.StreamID)
	} else if s.streamID != f.StreamID {
		s.restart(f.StreamID)
		if key.StreamType == types.StreamVoice {
			pending = append(pending, events.UserFirstVoiceStreamPacket{UserID: key.UserID, StreamID: f.StreamID})
		}
	}
	s.touch(now)
	p.mu.Unlock()

	for _, ev := range pending {
		p.emit(ev)
	}

	select {
	case s.inbox <- arrival{frame: f, at: now}:
		return true, nil
	default:
		s.inboxDrops.Add(1)
		return false, nil
	}
}

// openLocked creates and starts a stream worker.
func (p *Pipeline) openLocked(key types.StreamKey, streamID uint8) (*stream, []events.Event) {
	cfg, ok := p.overrides[key]
	if !ok {
		cfg = p.cfg.Jitter[key.StreamType]
	}
	buf, err := jitter.New(cfg, p.cfg.MaxFrames)
	if err != nil {
		buf, _ = jitter.New(types.JitterConfig{}, p.cfg.MaxFrames)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	s := &stream{
		key:      key,
		streamID: streamID,
		buf:      buf,
		inbox:    make(chan arrival, inboxSize),
		cancel:   cancel,
	}

	evs := []events.Event{events.StreamStateChanged{
		UserID:     key.UserID,
		StreamType: key.StreamType,
		StreamID:   streamID,
		Active:     true,
	}}
	if key.StreamType == types.StreamVoice {
		evs = append(evs, events.UserFirstVoiceStreamPacket{UserID: key.UserID, StreamID: streamID})
	}

	dec, err := p.cfg.NewDecoder(key.StreamType)
	if err != nil {
		s.degraded = true
		evs = append(evs, p.codecError(key, err))
	} else {
		s.dec = dec
	}

	p.streams[key] = s
	p.group.Go(func() error {
		p.run(ctx, s)
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.openLocked",
		"user_id":     key.UserID,
		"stream_type": key.StreamType.String(),
		"stream_id":   streamID,
		"delay":       buf.ActiveDelay().String(),
	}).Debug("Stream activated")
	return s, evs
}

func (p *Pipeline) codecError(key types.StreamKey, err error) events.Event {
	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.codecError",
		"user_id":     key.UserID,
		"stream_type": key.StreamType.String(),
		"error":       err.Error(),
	}).Error("Stream decoder failed, stream degraded")
	return events.InternalError{Err: &types.ClientError{
		Code:    types.ErrAudioCodecInit,
		Message: fmt.Sprintf("%s stream of user %d: %v", key.StreamType, key.UserID, err),
	}}
}

func (p *Pipeline) emit(ev events.Event) {
	if err := p.sink.Push(ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.emit",
			"kind":     ev.Kind(),
			"error":    err.Error(),
		}).Debug("Media event not queued")
	}
}

// run is the stream worker loop.
func (p *Pipeline) run(ctx context.Context, s *stream) {
	ticker := p.clock.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.inbox:
			s.buf.Push(a.frame, a.at)
		case <-ticker.C:
			now := p.clock.Now()
			p.playout(s, now)
			if now.Sub(s.lastArrival()) >= p.cfg.StreamTimeout && s.buf.Len() == 0 {
				p.retire(s.key, s)
				return
			}
		}
	}
}

// playout decodes and publishes every due frame of s.
func (p *Pipeline) playout(s *stream, now time.Time) {
	for {
		f, ok := s.buf.Pop(now)
		if !ok {
			return
		}
		dec, degraded := s.decoder()
		if degraded {
			s.discarded.Add(1)
			continue
		}
		out, err := dec.Decode(f)
		if err != nil {
			s.degrade()
			s.discarded.Add(1)
			p.emit(p.codecError(s.key, err))
			continue
		}
		if err := p.leases.Publish(out); err != nil {
			return
		}
		p.emit(frameEvent(out))
	}
}

func frameEvent(f types.Frame) events.Event {
	switch f.StreamType {
	case types.StreamVideoCapture:
		return events.VideoCaptureFrame{UserID: f.UserID, StreamID: f.StreamID}
	case types.StreamMediaFileVideo:
		return events.MediaFileVideo{UserID: f.UserID, StreamID: f.StreamID}
	case types.StreamDesktop:
		return events.DesktopWindow{UserID: f.UserID, StreamID: f.StreamID}
	}
	return events.AudioBlock{UserID: f.UserID, StreamType: f.StreamType}
}

// retire removes a stream if it is still registered under key.
func (p *Pipeline) retire(key types.StreamKey, s *stream) {
	p.mu.Lock()
	if cur, ok := p.streams[key]; !ok || cur != s {
		p.mu.Unlock()
		return
	}
	delete(p.streams, key)
	id := s.streamID
	p.mu.Unlock()

	s.cancel()
	p.leases.Drop(key)
	p.emit(events.StreamStateChanged{
		UserID:     key.UserID,
		StreamType: key.StreamType,
		StreamID:   id,
		Active:     false,
	})
}

// Refresh stops the streams of user that the subscription table no longer
// allows.
func (p *Pipeline) Refresh(user types.UserID) {
	for _, key := range p.Streams() {
		if key.UserID == user && !p.subs.Allows(user, key.StreamType) {
			p.stop(key)
		}
	}
}

// RemoveUser stops every stream of user.
func (p *Pipeline) RemoveUser(user types.UserID) {
	for _, key := range p.Streams() {
		if key.UserID == user {
			p.stop(key)
		}
	}
}

func (p *Pipeline) stop(key types.StreamKey) {
	p.mu.Lock()
	s, ok := p.streams[key]
	p.mu.Unlock()
	if ok {
		p.retire(key, s)
	}
}

// ResetStream installs a new decoder on a degraded stream and clears its
// jitter buffer.
func (p *Pipeline) ResetStream(key types.StreamKey) error {
	p.mu.Lock()
	s, ok := p.streams[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}

	dec, err := p.cfg.NewDecoder(key.StreamType)
	if err != nil {
		p.emit(p.codecError(key, err))
		return err
	}
	s.reset(dec)

	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.ResetStream",
		"user_id":     key.UserID,
		"stream_type": key.StreamType.String(),
	}).Info("Stream reinitialized")
	return nil
}

// SetJitterConfig changes the jitter configuration of a stream. It is kept
// for streams that are not active yet.
func (p *Pipeline) SetJitterConfig(key types.StreamKey, cfg types.JitterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.overrides[key] = cfg
	s, ok := p.streams[key]
	p.mu.Unlock()
	if ok {
		return s.buf.SetConfig(cfg)
	}
	return nil
}

// JitterConfig returns the configuration of a stream. For an active stream
// ActiveDelay holds the delay currently applied.
func (p *Pipeline) JitterConfig(key types.StreamKey) types.JitterConfig {
	p.mu.Lock()
	s, ok := p.streams[key]
	cfg, overridden := p.overrides[key]
	p.mu.Unlock()
	if ok {
		return s.buf.Config()
	}
	if !overridden {
		cfg = p.cfg.Jitter[key.StreamType]
	}
	cfg.ActiveDelay = cfg.FixedDelay
	return cfg
}

// Active reports whether a stream is active.
func (p *Pipeline) Active(key types.StreamKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.streams[key]
	return ok
}

// Degraded reports whether a stream discards its frames.
func (p *Pipeline) Degraded(key types.StreamKey) bool {
	p.mu.Lock()
	s, ok := p.streams[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	_, degraded := s.decoder()
	return degraded
}

// Streams returns the active stream keys.
func (p *Pipeline) Streams() []types.StreamKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.StreamKey, 0, len(p.streams))
	for k := range p.streams {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b types.StreamKey) int {
		if a.UserID != b.UserID {
			return int(a.UserID) - int(b.UserID)
		}
		return int(a.StreamType) - int(b.StreamType)
	})
	return out
}

// Statistics returns the counters of the active streams of user.
func (p *Pipeline) Statistics(user types.UserID) types.UserStatistics {
	stats := types.UserStatistics{Streams: make(map[types.StreamType]types.StreamStatistics)}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.streams {
		if key.UserID != user {
			continue
		}
		js := s.buf.Stats()
		stats.Streams[key.StreamType] = types.StreamStatistics{
			PacketsReceived: int64(js.Received),
			PacketsLost:     s.inboxDrops.Load(),
			FramesPlayed:    int64(js.Played),
			FramesLate:      int64(js.Late),
			FramesDropped:   int64(js.Overflow+js.Trimmed+js.Duplicates) + s.discarded.Load(),
		}
	}
	return stats
}
