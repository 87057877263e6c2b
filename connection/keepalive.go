package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/config"
)

// RTT is the round-trip history of one channel.
type RTT struct {
	Last    time.Duration
	Average time.Duration
	Count   int64
}

// PingStats holds round-trip samples of both channels. It is written by the
// network loop and may be read from any goroutine.
type PingStats struct {
	mu sync.RWMutex
	tcp, udp RTT
}

// PingSnapshot is a copy of the statistics.
type PingSnapshot struct {
	TCP RTT
	UDP RTT
}

// Snapshot returns the current samples.
func (p *PingStats) Snapshot() PingSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PingSnapshot{TCP: p.tcp, UDP: p.udp}
}

func (p *PingStats) add(r *RTT, sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.Count++
	r.Last = sample
	r.Average += (sample - r.Average) / time.Duration(r.Count)
}

// Reset clears both channels.
func (p *PingStats) Reset() {
	p.mu.Lock()
	p.tcp, p.udp = RTT{}, RTT{}
	p.mu.Unlock()
}

// Keepalive tracks liveness of both channels. Its methods take the current
// time so the network loop can drive it from any clock; it is not safe for
// concurrent use.
type Keepalive struct {
	cfg   config.KeepAlive
	stats *PingStats

	lastControl time.Time

	tcpSent    time.Time
	tcpPending bool

	udpSeq      uint32
	udpSent     time.Time
	udpFirst    time.Time
	udpPending  bool
	udpAttempts int
	udpLastAck  time.Time
}

// NewKeepalive starts tracking at now. stats may be nil.
func NewKeepalive(cfg config.KeepAlive, stats *PingStats, now time.Time) *Keepalive {
	if stats == nil {
		stats = &PingStats{}
	}
	return &Keepalive{
		cfg:         cfg,
		stats:       stats,
		lastControl: now,
		udpLastAck:  now,
	}
}

// Stats returns the ping statistics the tracker writes to.
func (k *Keepalive) Stats() *PingStats {
	return k.stats
}

// ControlActivity records inbound control traffic.
func (k *Keepalive) ControlActivity(now time.Time) {
	k.lastControl = now
}

// DueTCPPing reports whether a control ping should be sent now and marks it
// sent. Only one ping is outstanding at a time.
func (k *Keepalive) DueTCPPing(now time.Time) bool {
	if k.tcpPending || now.Sub(k.tcpSent) < k.cfg.TCPInterval.Duration {
		return false
	}
	k.tcpSent = now
	k.tcpPending = true
	return true
}

// Pong records the reply to the outstanding control ping.
func (k *Keepalive) Pong(now time.Time) {
	k.lastControl = now
	if !k.tcpPending {
		return
	}
	k.tcpPending = false
	k.stats.add(&k.stats.tcp, now.Sub(k.tcpSent))
}

// DueUDP returns the sequence number of a media keepalive to send now.
// A new keepalive starts every UDPInterval; an unanswered one is repeated
// every UDPRetransmit until the budget is spent.
func (k *Keepalive) DueUDP(now time.Time) (uint32, bool) {
	if k.udpPending {
		if now.Sub(k.udpSent) < k.cfg.UDPRetransmit.Duration || k.udpAttempts >= k.cfg.UDPRetransmitBudget {
			return 0, false
		}
		k.udpAttempts++
		k.udpSent = now
		return k.udpSeq, true
	}
	if now.Sub(k.udpLastAck) < k.cfg.UDPInterval.Duration {
		return 0, false
	}
	k.udpSeq++
	k.udpPending = true
	k.udpAttempts = 1
	k.udpSent = now
	k.udpFirst = now
	return k.udpSeq, true
}

// UDPAck records a media keepalive acknowledgement. Acks for older
// sequence numbers are ignored.
func (k *Keepalive) UDPAck(seq uint32, now time.Time) {
	if !k.udpPending || seq != k.udpSeq {
		return
	}
	k.udpPending = false
	k.udpAttempts = 0
	k.udpLastAck = now
	k.stats.add(&k.stats.udp, now.Sub(k.udpSent))
}

// Check returns an error wrapping ErrConnectionLost when the control
// channel has been silent for longer than LostTimeout, or when every
// retransmission of a media keepalive went unanswered.
func (k *Keepalive) Check(now time.Time) error {
	if silent := now.Sub(k.lastControl); silent > k.cfg.LostTimeout.Duration {
		logrus.WithFields(logrus.Fields{
			"function": "Keepalive.Check",
			"silent":   silent.String(),
			"timeout":  k.cfg.LostTimeout.String(),
		}).Warn("Control channel silent")
		return fmt.Errorf("%w: no control traffic for %v", ErrConnectionLost, silent)
	}
	if k.udpPending && k.udpAttempts >= k.cfg.UDPRetransmitBudget &&
		now.Sub(k.udpSent) >= k.cfg.UDPRetransmit.Duration {
		logrus.WithFields(logrus.Fields{
			"function": "Keepalive.Check",
			"attempts": k.udpAttempts,
			"since":    now.Sub(k.udpFirst).String(),
		}).Warn("Media keepalive unanswered")
		return fmt.Errorf("%w: %d media keepalives unanswered", ErrConnectionLost, k.udpAttempts)
	}
	return nil
}
