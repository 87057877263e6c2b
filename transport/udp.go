package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
)

// MediaConn is the unreliable media channel: a UDP socket connected to the
// server's media port.
type MediaConn struct {
	conn       net.Conn
	maxPayload atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMediaConn wraps a connected datagram socket.
func NewMediaConn(conn net.Conn) *MediaConn {
	m := &MediaConn{
		conn:   conn,
		closed: make(chan struct{}),
	}
	m.maxPayload.Store(limits.MaxMediaPacket)
	return m
}

// DialUDP opens the media channel. A non-zero localPort binds the client
// side of the socket.
func DialUDP(ctx context.Context, addr string, localPort int) (*MediaConn, error) {
	d := net.Dialer{}
	if localPort > 0 {
		d.LocalAddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "DialUDP",
			"addr":       addr,
			"local_port": localPort,
			"error":      err.Error(),
		}).Warn("Failed to open media channel")
		return nil, newOpError("dial udp", addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DialUDP",
		"remote_addr": conn.RemoteAddr().String(),
		"local_addr":  conn.LocalAddr().String(),
	}).Debug("Media channel opened")

	return NewMediaConn(conn), nil
}

// SetMaxPayload changes the largest datagram accepted by Write.
func (m *MediaConn) SetMaxPayload(n int) {
	if n <= 0 {
		n = limits.MaxMediaPacket
	}
	m.maxPayload.Store(int64(n))
}

// MaxPayload returns the largest datagram accepted by Write.
func (m *MediaConn) MaxPayload() int {
	return int(m.maxPayload.Load())
}

// Write sends one datagram.
func (m *MediaConn) Write(datagram []byte) error {
	if err := limits.ValidateMediaPacket(datagram, m.MaxPayload()); err != nil {
		return newOpError("write", m.remote(), err)
	}
	if _, err := m.conn.Write(datagram); err != nil {
		return newOpError("write", m.remote(), m.mapClosed(err))
	}
	return nil
}

// Read receives one datagram into buf. A zero timeout blocks until data
// arrives or the channel is closed.
func (m *MediaConn) Read(buf []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := m.conn.SetReadDeadline(deadline); err != nil {
		return 0, newOpError("read", m.remote(), m.mapClosed(err))
	}
	n, err := m.conn.Read(buf)
	if err != nil {
		return 0, newOpError("read", m.remote(), m.mapClosed(err))
	}
	return n, nil
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (m *MediaConn) mapClosed(err error) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
		return err
	}
}

// Close closes the socket. It is safe to call more than once.
func (m *MediaConn) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

// LocalAddr returns the local endpoint.
func (m *MediaConn) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// RemoteAddr returns the server endpoint.
func (m *MediaConn) RemoteAddr() net.Addr {
	return m.conn.RemoteAddr()
}

func (m *MediaConn) remote() string {
	if addr := m.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
