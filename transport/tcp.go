package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
)

// lengthPrefixSize is the size of the frame length header.
const lengthPrefixSize = 4

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// FramedConn implements ControlConn over a stream connection with a four
// byte big-endian length prefix per frame.
type FramedConn struct {
	conn         net.Conn
	maxFrame     int
	writeTimeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex
	header  [lengthPrefixSize]byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFramedConn wraps an established stream connection. A maxFrame of zero
// selects limits.MaxEncryptedControlFrame; no frame exceeds
// limits.MaxProcessingBuffer.
func NewFramedConn(conn net.Conn, maxFrame int) *FramedConn {
	if maxFrame <= 0 {
		maxFrame = limits.MaxEncryptedControlFrame
	}
	maxFrame = min(maxFrame, limits.MaxProcessingBuffer)
	return &FramedConn{
		conn:         conn,
		maxFrame:     maxFrame,
		writeTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

// DialTCP opens a framed control channel over plain TCP. A non-zero
// localPort binds the client side of the connection.
func DialTCP(ctx context.Context, addr string, localPort int) (*FramedConn, error) {
	conn, err := dialStream(ctx, addr, localPort)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DialTCP",
		"remote_addr": conn.RemoteAddr().String(),
		"local_addr":  conn.LocalAddr().String(),
	}).Info("Control channel connected")

	return NewFramedConn(conn, 0), nil
}

// DialTLS opens a framed control channel over TLS and completes the TLS
// handshake before returning.
func DialTLS(ctx context.Context, addr string, localPort int, cfg *tls.Config) (*FramedConn, error) {
	if cfg == nil {
		return nil, newOpError("dial tls", addr, ErrTLSConfig)
	}
	raw, err := dialStream(ctx, addr, localPort)
	if err != nil {
		return nil, err
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, newOpError("tls handshake", addr, err)
	}

	state := conn.ConnectionState()
	logrus.WithFields(logrus.Fields{
		"function":     "DialTLS",
		"remote_addr":  raw.RemoteAddr().String(),
		"tls_version":  tls.VersionName(state.Version),
		"cipher_suite": tls.CipherSuiteName(state.CipherSuite),
	}).Info("Encrypted control channel connected")

	return NewFramedConn(conn, 0), nil
}

func dialStream(ctx context.Context, addr string, localPort int) (net.Conn, error) {
	d := net.Dialer{}
	if localPort > 0 {
		d.LocalAddr = &net.TCPAddr{Port: localPort}
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dialStream",
			"addr":       addr,
			"local_port": localPort,
			"error":      err.Error(),
		}).Warn("Failed to connect control channel")
		return nil, newOpError("dial", addr, err)
	}
	return conn, nil
}

// ReadFrame reads the next length-prefixed frame.
func (c *FramedConn) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if _, err := io.ReadFull(c.conn, c.header[:]); err != nil {
		return nil, c.readError(err)
	}
	size := binary.BigEndian.Uint32(c.header[:])
	if size == 0 || int(size) > c.maxFrame {
		return nil, newOpError("read", c.remote(), fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size))
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, c.readError(err)
	}
	return frame, nil
}

func (c *FramedConn) readError(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newOpError("read", c.remote(), io.EOF)
	}
	return newOpError("read", c.remote(), err)
}

// WriteFrame writes one frame with its length prefix.
func (c *FramedConn) WriteFrame(frame []byte) error {
	if len(frame) == 0 || len(frame) > c.maxFrame {
		return newOpError("write", c.remote(), fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame)))
	}

	buf := make([]byte, lengthPrefixSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[lengthPrefixSize:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return newOpError("write", c.remote(), err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return newOpError("write", c.remote(), err)
	}
	return nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *FramedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// LocalAddr returns the local endpoint.
func (c *FramedConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the server endpoint.
func (c *FramedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *FramedConn) remote() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
