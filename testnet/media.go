package testnet

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/types"
)

// mediaLoop acknowledges keepalives and forwards media between users in the
// same channel.
func (s *Server) mediaLoop() {
	defer s.wg.Done()
	buf := make([]byte, limits.MaxMediaPacket*2)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if !s.closed.Load() {
				s.logger.WithFields(logrus.Fields{
					"function": "mediaLoop",
					"error":    err.Error(),
				}).Warn("Media read failed")
			}
			return
		}
		if s.silent.Load() {
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		pt, body, err := protocol.SplitDatagram(datagram)
		if err != nil {
			continue
		}
		switch pt {
		case protocol.PacketKeepalive:
			s.keepalive(body, addr)
		case protocol.PacketMedia:
			s.forward(datagram, body, addr)
		}
	}
}

func (s *Server) keepalive(body []byte, addr *net.UDPAddr) {
	k, err := protocol.UnmarshalKeepalive(body)
	if err != nil {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[k.UserID]
	if !ok || sess.token != k.Token {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"function": "keepalive",
			"user_id":  k.UserID,
			"addr":     addr.String(),
		}).Warn("Rejecting media keepalive with bad token")
		return
	}
	sess.udpAddr = addr
	s.mu.Unlock()

	s.udp.WriteToUDP(protocol.MarshalKeepalive(protocol.PacketKeepaliveAck, k), addr)
}

func (s *Server) forward(datagram, body []byte, addr *net.UDPAddr) {
	f, _, err := protocol.UnmarshalMedia(body)
	if err != nil {
		return
	}

	s.mu.Lock()
	sender, ok := s.sessions[f.UserID]
	if !ok || !sender.loggedIn || sender.udpAddr == nil || sender.udpAddr.String() != addr.String() ||
		sender.user.ChannelID == 0 || !sender.account.Rights.Has(types.TransmitRight(f.StreamType)) {
		s.mu.Unlock()
		return
	}
	if !s.soloAllowsLocked(sender, f.StreamType) {
		s.mu.Unlock()
		return
	}
	var targets []*net.UDPAddr
	for _, t := range s.sessionsIn(sender.user.ChannelID) {
		if t != sender && t.udpAddr != nil && t.receives(sender.user.ID, f.StreamType) {
			targets = append(targets, t.udpAddr)
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		if _, err := s.udp.WriteToUDP(datagram, t); err == nil {
			s.datagramsForwarded.Add(1)
		}
	}
}

// soloAllowsLocked queues voice transmitters of a solo channel and lets
// only the head of the queue through.
func (s *Server) soloAllowsLocked(sender *session, st types.StreamType) bool {
	ch := s.channels[sender.user.ChannelID]
	if ch == nil || ch.Type&types.ChannelSoloTransmit == 0 || st != types.StreamVoice {
		return true
	}
	for _, id := range ch.TransmitQueue {
		if id == sender.user.ID {
			return ch.TransmitQueue[0] == id
		}
	}
	if len(ch.TransmitQueue) >= limits.TransmitQueueMax {
		return false
	}
	ch.TransmitQueue = append(ch.TransmitQueue, sender.user.ID)
	s.broadcastChannelLocked(ch)
	return ch.TransmitQueue[0] == sender.user.ID
}

// SendMedia delivers one frame to a user's media channel as if another
// user had sent it.
func (s *Server) SendMedia(to types.UserID, f types.Frame, seq uint16) error {
	s.mu.Lock()
	sess, ok := s.sessions[to]
	var addr *net.UDPAddr
	if ok {
		addr = sess.udpAddr
	}
	s.mu.Unlock()
	if addr == nil {
		return fmt.Errorf("user %d has no media channel", to)
	}
	datagram, err := protocol.MarshalMedia(f, seq)
	if err != nil {
		return err
	}
	_, err = s.udp.WriteToUDP(datagram, addr)
	return err
}

// ReleaseTransmit removes a user from the head of a solo channel's queue.
func (s *Server) ReleaseTransmit(user types.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[user]
	if !ok {
		return
	}
	ch := s.channels[sess.user.ChannelID]
	if ch == nil || len(ch.TransmitQueue) == 0 || ch.TransmitQueue[0] != user {
		return
	}
	ch.TransmitQueue = ch.TransmitQueue[1:]
	s.broadcastChannelLocked(ch)
}
