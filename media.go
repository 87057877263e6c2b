package ttclient

import (
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/lease"
	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/types"
)

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// AcquireFrame leases the newest frame of a stream. The frame stays valid
// until the lease is released; the lease manager will not reuse its buffer
// before then.
func (c *Client) AcquireFrame(key types.StreamKey) (*lease.Lease, bool) {
	sess := c.current()
	if sess == nil {
		return nil, false
	}
	return sess.leases.Acquire(key)
}

// OutstandingLeases returns the number of unreleased leases of a stream.
func (c *Client) OutstandingLeases(key types.StreamKey) int {
	sess := c.current()
	if sess == nil {
		return 0
	}
	return sess.leases.Outstanding(key)
}

// SetJitterConfig changes the playout delay of one stream. The setting
// survives reconnects.
func (c *Client) SetJitterConfig(key types.StreamKey, cfg types.JitterConfig) error {
	if !key.StreamType.Single() {
		return invalid(fmt.Errorf("stream type %s", key.StreamType))
	}
	if err := cfg.Validate(); err != nil {
		return invalid(err)
	}
	cfg.ActiveDelay = 0

	c.jitterMu.Lock()
	c.jitter[key] = cfg
	c.jitterMu.Unlock()

	if sess := c.current(); sess != nil {
		return sess.pipeline.SetJitterConfig(key, cfg)
	}
	return nil
}

// JitterConfig returns the jitter configuration of a stream. ActiveDelay
// holds the delay in effect for an active stream.
func (c *Client) JitterConfig(key types.StreamKey) types.JitterConfig {
	if sess := c.current(); sess != nil {
		return sess.pipeline.JitterConfig(key)
	}
	c.jitterMu.Lock()
	cfg, ok := c.jitter[key]
	c.jitterMu.Unlock()
	if !ok {
		cfg = c.opts.JitterDefaults()[key.StreamType]
	}
	cfg.ActiveDelay = cfg.FixedDelay
	return cfg
}

func (c *Client) jitterOverrides() map[types.StreamKey]types.JitterConfig {
	c.jitterMu.Lock()
	defer c.jitterMu.Unlock()
	return maps.Clone(c.jitter)
}

// ResetStream drops the buffered frames of a stream and restarts its
// playout.
func (c *Client) ResetStream(key types.StreamKey) error {
	sess := c.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.pipeline.ResetStream(key)
}

// StreamActive reports whether frames of a stream are being played out.
func (c *Client) StreamActive(key types.StreamKey) bool {
	sess := c.current()
	return sess != nil && sess.pipeline.Active(key)
}

// UserStatistics returns the media counters of a user's active streams.
func (c *Client) UserStatistics(user types.UserID) types.UserStatistics {
	sess := c.current()
	if sess == nil {
		return types.UserStatistics{Streams: map[types.StreamType]types.StreamStatistics{}}
	}
	return sess.pipeline.Statistics(user)
}

// transmitSession returns the session if this client may transmit st.
func (c *Client) transmitSession(st types.StreamType) (*session, error) {
	if !st.Single() {
		return nil, invalid(fmt.Errorf("stream type %s", st))
	}
	sess := c.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	if c.fsm.State() != connection.StateAuthorized {
		return nil, ErrNotAuthorized
	}
	if c.replica.MyChannelID() == 0 {
		return nil, ErrNotInChannel
	}
	return sess, nil
}

// EnableTransmit starts or stops transmitting a stream type. It reports
// whether the client holds the transmit slot; in a solo transmit channel
// a request may be queued behind other users.
func (c *Client) EnableTransmit(st types.StreamType, enable bool) (bool, error) {
	sess, err := c.transmitSession(st)
	if err != nil {
		return false, err
	}
	me := c.replica.MyUserID()
	if !enable {
		sess.arbiter.Release(me, st, c.clock.Now())
		return false, nil
	}
	return sess.arbiter.Request(me, st, c.clock.Now())
}

// TransmitFrame sends one encoded frame on the media channel.
func (c *Client) TransmitFrame(f types.Frame) error {
	sess, err := c.transmitSession(f.StreamType)
	if err != nil {
		return err
	}
	me := c.replica.MyUserID()
	granted, err := sess.arbiter.Request(me, f.StreamType, c.clock.Now())
	if err != nil {
		return err
	}

	f.UserID = me
	datagram, err := protocol.MarshalMedia(f, uint16(sess.mediaSeq.Add(1)))
	if err != nil {
		return invalid(err)
	}
	if err := limits.ValidateMediaPacket(datagram, sess.link.Media.MaxPayload()); err != nil {
		return invalid(err)
	}
	if err := sess.link.Media.Write(datagram); err != nil {
		sess.logger("TransmitFrame").WithFields(logrus.Fields{
			"stream": f.StreamType.String(),
			"error":  err.Error(),
		}).Debug("Frame not sent")
		return err
	}
	if !granted {
		return ErrTransmitQueued
	}
	return nil
}
