package ttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/dispatch"
	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/lease"
	"github.com/opd-ai/ttclient/media"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/subscription"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

const (
	// controlBacklog bounds decoded-but-unhandled control frames.
	controlBacklog = 64
	// mediaReadTimeout lets the media reader notice shutdown.
	mediaReadTimeout = 100 * time.Millisecond
	// mediaBufferSize holds the largest datagram the transport accepts.
	mediaBufferSize = 64 * 1024
)

// session is one established connection and everything scoped to it.
type session struct {
	id       uuid.UUID
	link     *connection.Link
	ka       *connection.Keepalive
	leases   *lease.Manager
	pipeline *media.Pipeline
	arbiter  *subscription.Arbiter
	started  time.Time

	cancel context.CancelFunc
	group  *errgroup.Group

	// Owned by the network loop.
	closing map[uint32]struct{}
	rejoin  *channelJoin
	kicked  bool
	// Highest command id already reported as unanswered.
	staleReported uint32

	mediaSeq atomic.Uint32
	stopOnce sync.Once
}

// shutdown stops the session goroutines and releases its resources. It
// returns once the network loop has exited.
func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.link.Close()
		s.group.Wait()
		s.pipeline.Close()
		s.leases.Close()
	})
}

func (s *session) logger(fn string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": fn,
		"session":  s.id.String(),
	})
}

// startLocked installs a new session on link. rejoin, when set, is joined
// as soon as the server accepts our login.
func (c *Client) startLocked(link *connection.Link, rejoin *channelJoin) *session {
	now := c.clock.Now()

	c.replica.Reset()
	c.replica.SetMyUserID(link.Welcome.UserID)
	c.subs.Reset()
	c.ping.Reset()

	leases := lease.NewManager(c.clock)
	pipeline := media.NewPipeline(c.mediaConfig(), c.subs, leases, c.queue, c.clock)
	for key, cfg := range c.jitterOverrides() {
		if err := pipeline.SetJitterConfig(key, cfg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "startLocked",
				"stream":   key.String(),
				"error":    err.Error(),
			}).Warn("Jitter override rejected")
		}
	}

	arbiter := subscription.NewArbiter(subscription.FreeForAll,
		c.opts.Transmit.PromotionDelay.Duration, c.opts.Transmit.QueueDepth)
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	sess := &session{
		id:       uuid.New(),
		link:     link,
		ka:       connection.NewKeepalive(c.opts.KeepAlive, c.ping, now),
		leases:   leases,
		pipeline: pipeline,
		arbiter:  arbiter,
		started:  now,
		cancel:   cancel,
		group:    group,
		closing:  make(map[uint32]struct{}),
		rejoin:   rejoin,
	}

	c.sess = sess
	c.fsm.Transition(connection.StateConnected)
	c.backoff.Connected(now)
	c.emit(events.ConnectSuccess{
		UserID:          link.Welcome.UserID,
		ServerName:      link.Welcome.ServerName,
		ProtocolVersion: link.Welcome.Protocol,
		MaxPayload:      link.Welcome.MaxPayload,
	})

	pipeline.Start(gctx)
	frames := make(chan controlRead, controlBacklog)
	acks := make(chan uint32, 8)
	group.Go(func() error {
		<-gctx.Done()
		link.Close()
		return nil
	})
	group.Go(func() error { return c.readControl(gctx, sess, frames) })
	group.Go(func() error { return c.readMedia(gctx, sess, acks) })
	group.Go(func() error { return c.loop(gctx, sess, frames, acks) })

	c.wg.Add(1)
	go c.watch(sess)

	sess.logger("startLocked").WithFields(logrus.Fields{
		"user_id":   link.Welcome.UserID,
		"server":    link.Welcome.ServerName,
		"encrypted": link.Encrypted,
	}).Info("Session established")
	return sess
}

func (c *Client) mediaConfig() media.Config {
	return media.Config{
		Tick:          c.opts.Media.Tick.Duration,
		StreamTimeout: c.opts.Media.StreamTimeout.Duration,
		MaxFrames:     c.opts.Media.MaxFrames,
		Jitter:        c.opts.JitterDefaults(),
		NewDecoder:    c.decoders,
	}
}

// controlRead is one decoded record or the error that ended the stream.
type controlRead struct {
	rec *protocol.Record
	err error
}

// readControl decodes control frames for the loop. A read error is queued
// behind the records read before it, so the loop applies everything the
// server sent before the connection dropped.
func (c *Client) readControl(ctx context.Context, sess *session, out chan<- controlRead) error {
	for {
		var r controlRead
		frame, err := sess.link.Control.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.err = fmt.Errorf("%w: %v", connection.ErrConnectionLost, err)
		} else if r.rec, err = protocol.Decode(frame); err != nil {
			sess.logger("readControl").WithError(err).Warn("Dropping malformed control record")
			continue
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return nil
		}
		if r.err != nil {
			return nil
		}
	}
}

// readMedia feeds media frames to the pipeline and keepalive
// acknowledgements to the loop.
func (c *Client) readMedia(ctx context.Context, sess *session, acks chan<- uint32) error {
	buf := make([]byte, mediaBufferSize)
	for ctx.Err() == nil {
		n, err := sess.link.Media.Read(buf, mediaReadTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("%w: %v", connection.ErrConnectionLost, err)
			}
			sess.logger("readMedia").WithError(err).Debug("Media read failed")
			continue
		}
		c.handleDatagram(ctx, sess, buf[:n], acks)
	}
	return nil
}

func (c *Client) handleDatagram(ctx context.Context, sess *session, datagram []byte, acks chan<- uint32) {
	kind, body, err := protocol.SplitDatagram(datagram)
	if err != nil {
		sess.logger("handleDatagram").WithError(err).Debug("Dropping malformed datagram")
		return
	}
	switch kind {
	case protocol.PacketKeepaliveAck:
		k, err := protocol.UnmarshalKeepalive(body)
		if err != nil || k.Token != sess.link.Token {
			return
		}
		select {
		case acks <- k.Seq:
		case <-ctx.Done():
		}
	case protocol.PacketMedia:
		f, _, err := protocol.UnmarshalMedia(body)
		if err != nil {
			sess.logger("handleDatagram").WithError(err).Debug("Dropping malformed media packet")
			return
		}
		if f.UserID == c.replica.MyUserID() {
			return
		}
		if _, err := sess.pipeline.Deliver(f); err != nil {
			sess.logger("handleDatagram").WithFields(logrus.Fields{
				"stream": f.Key().String(),
				"error":  err.Error(),
			}).Debug("Frame not delivered")
		}
	}
}

// keepaliveTick is the loop's polling interval for keepalives and transmit
// promotion.
func (c *Client) keepaliveTick() time.Duration {
	k := c.opts.KeepAlive
	tick := min(k.TCPInterval.Duration, k.UDPInterval.Duration, k.UDPRetransmit.Duration) / 4
	return max(10*time.Millisecond, min(tick, 250*time.Millisecond))
}

// loop is the only goroutine that applies server records, so events of one
// session are queued in arrival order.
func (c *Client) loop(ctx context.Context, sess *session, frames <-chan controlRead, acks <-chan uint32) error {
	ticker := c.clock.NewTicker(c.keepaliveTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-frames:
			if r.err != nil {
				return r.err
			}
			sess.ka.ControlActivity(c.clock.Now())
			c.handle(sess, r.rec)
		case seq := <-acks:
			sess.ka.UDPAck(seq, c.clock.Now())
		case <-ticker.C:
			if err := c.tick(sess); err != nil {
				return err
			}
		}
	}
}

func (c *Client) tick(sess *session) error {
	now := c.clock.Now()
	if err := sess.ka.Check(now); err != nil {
		return err
	}
	if sess.ka.DueTCPPing(now) {
		if err := sess.link.Control.WriteFrame(protocol.NewRecord(protocol.VerbPing).Encode()); err != nil {
			return fmt.Errorf("%w: %v", connection.ErrConnectionLost, err)
		}
	}
	if seq, ok := sess.ka.DueUDP(now); ok {
		k := protocol.Keepalive{UserID: c.replica.MyUserID(), Seq: seq, Token: sess.link.Token}
		if err := sess.link.Media.Write(protocol.MarshalKeepalive(protocol.PacketKeepalive, k)); err != nil {
			sess.logger("tick").WithError(err).Debug("Media keepalive not sent")
		}
	}
	sess.staleReported = reportStale(c.disp, c.opts.KeepAlive.LostTimeout.Duration,
		sess.staleReported, sess.logger("tick"))
	for _, g := range sess.arbiter.Promote(now) {
		sess.logger("tick").WithFields(logrus.Fields{
			"user_id": g.UserID,
			"stream":  g.StreamType.String(),
		}).Debug("Transmit slot granted")
	}
	return nil
}

// reportStale warns once about each command the server has left unanswered
// for longer than age, and returns the highest id reported so far.
func reportStale(d *dispatch.Dispatcher, age time.Duration, reported uint32, log *logrus.Entry) uint32 {
	for _, id := range d.Stale(age) {
		if id <= reported {
			continue
		}
		if p, ok := d.Get(id); ok {
			log.WithFields(logrus.Fields{
				"cmd_id":    id,
				"verb":      p.Verb,
				"submitted": p.SubmittedAt.Format(time.RFC3339Nano),
			}).Warn("Command still unanswered")
		}
		reported = id
	}
	return reported
}

// watch turns the end of the session goroutines into a connection loss,
// unless Disconnect ended them.
func (c *Client) watch(sess *session) {
	defer c.wg.Done()
	err := sess.group.Wait()
	if err == nil {
		err = connection.ErrConnectionLost
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return
	}
	c.sess = nil
	sess.shutdown()

	now := c.clock.Now()
	c.fsm.TransitionFrom(connection.StateLost, connection.StateConnected, connection.StateAuthorized)
	c.backoff.Lost(now)
	sess.logger("watch").WithFields(logrus.Fields{
		"reason":   err.Error(),
		"lifetime": now.Sub(sess.started).String(),
	}).Warn("Connection lost")

	c.emit(events.ConnectionLost{Reason: err})
	c.failPending(types.ErrConnectionLost)
	c.memory.forgetPending()

	if !c.opts.Reconnect.Enabled || c.closed {
		return
	}
	if sess.kicked {
		sess.logger("watch").Info("Kicked from server, not reconnecting")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.attempt = cancel
	c.wg.Add(1)
	go c.reconnect(ctx)
}
