package noise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/transport"
)

// Conn is a control channel whose frames are encrypted with the cipher
// states of a completed handshake. It implements transport.ControlConn.
type Conn struct {
	inner   transport.ControlConn
	binding []byte
	peer    []byte

	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

var _ transport.ControlConn = (*Conn)(nil)

// Client runs the initiator side of a handshake over conn. When serverKey
// is set the IK pattern is used, otherwise XX. The context bounds the
// handshake: if it expires, conn is closed.
func Client(ctx context.Context, conn transport.ControlConn, static Keypair, serverKey []byte) (*Conn, error) {
	pattern := PatternXX
	if len(serverKey) > 0 {
		pattern = PatternIK
	}

	hs, err := NewHandshake(Initiator, pattern, static, serverKey)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	wrap := func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("noise %v handshake: %w", pattern, ctxErr)
		}
		return err
	}

	msg, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(append([]byte{byte(pattern)}, msg...)); err != nil {
		return nil, wrap(err)
	}

	for !hs.IsComplete() {
		reply, err := conn.ReadFrame()
		if err != nil {
			return nil, wrap(err)
		}
		if _, err := hs.ReadMessage(reply); err != nil {
			return nil, err
		}
		if hs.IsComplete() {
			break
		}
		msg, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteFrame(msg); err != nil {
			return nil, wrap(err)
		}
	}

	if err := hs.verifyPeer(serverKey); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "noise.Client",
		"pattern":  pattern.String(),
		"remote":   addrString(conn.RemoteAddr()),
	}).Debug("Noise handshake complete")

	return newConn(conn, hs)
}

// Server runs the responder side of a handshake over conn.
func Server(ctx context.Context, conn transport.ControlConn, static Keypair) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	first, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(first) < 1 {
		return nil, ErrUnknownPattern
	}

	hs, err := NewHandshake(Responder, Pattern(first[0]), static, nil)
	if err != nil {
		return nil, err
	}
	if _, err := hs.ReadMessage(first[1:]); err != nil {
		return nil, err
	}

	for !hs.IsComplete() {
		msg, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteFrame(msg); err != nil {
			return nil, err
		}
		if hs.IsComplete() {
			break
		}
		next, err := conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if _, err := hs.ReadMessage(next); err != nil {
			return nil, err
		}
	}

	return newConn(conn, hs)
}

func newConn(inner transport.ControlConn, hs *Handshake) (*Conn, error) {
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}
	binding, err := hs.ChannelBinding()
	if err != nil {
		return nil, err
	}
	return &Conn{
		inner:   inner,
		binding: binding,
		peer:    hs.PeerStatic(),
		send:    send,
		recv:    recv,
	}, nil
}

// ChannelBinding returns the handshake hash of the session.
func (c *Conn) ChannelBinding() []byte {
	return append([]byte(nil), c.binding...)
}

// PeerStatic returns the peer's static public key.
func (c *Conn) PeerStatic() []byte {
	return append([]byte(nil), c.peer...)
}

// ReadFrame reads and decrypts the next frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	frame, err := c.inner.ReadFrame()
	if err != nil {
		return nil, err
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	plain, err := c.recv.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// WriteFrame encrypts and sends one frame. Encryption and transmission
// happen under one lock so nonces reach the wire in order.
func (c *Conn) WriteFrame(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sealed, err := c.send.Encrypt(nil, nil, frame)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return c.inner.WriteFrame(sealed)
}

// Close closes the underlying channel.
func (c *Conn) Close() error {
	return c.inner.Close()
}

// LocalAddr returns the local endpoint.
func (c *Conn) LocalAddr() net.Addr {
	return c.inner.LocalAddr()
}

// RemoteAddr returns the server endpoint.
func (c *Conn) RemoteAddr() net.Addr {
	return c.inner.RemoteAddr()
}

// ErrDecrypt indicates a frame failed authentication.
var ErrDecrypt = errors.New("frame decryption failed")

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
