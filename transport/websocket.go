package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
)

const (
	wsHandshakeTimeout   = 10 * time.Second
	wsCloseWriteDeadline = time.Second
	wsBufferSize         = 4096
)

// WSConn implements ControlConn over a WebSocket, one binary message per
// frame.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(int64(limits.MaxEncryptedControlFrame))
	return &WSConn{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

// DialWebSocket opens a control channel to a ws:// or wss:// URL. tlsCfg is
// used for wss and may be nil otherwise.
func DialWebSocket(ctx context.Context, url string, localPort int, tlsCfg *tls.Config) (*WSConn, error) {
	netDialer := net.Dialer{}
	if localPort > 0 {
		netDialer.LocalAddr = &net.TCPAddr{Port: localPort}
	}
	dialer := websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		TLSClientConfig:  tlsCfg,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DialWebSocket",
			"url":      url,
			"error":    err.Error(),
		}).Warn("Failed to connect WebSocket control channel")
		return nil, newOpError("dial websocket", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DialWebSocket",
		"url":         url,
		"remote_addr": conn.RemoteAddr().String(),
	}).Info("Control channel connected")

	return NewWSConn(conn), nil
}

// UpgradeWebSocket accepts a WebSocket control channel on the server side.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, newOpError("upgrade websocket", r.RemoteAddr, err)
	}
	return NewWSConn(conn), nil
}

// ReadFrame reads the next binary message.
func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, newOpError("read", c.remote(), fmt.Errorf("%w: %v", net.ErrClosed, err))
			}
			return nil, newOpError("read", c.remote(), err)
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// WriteFrame sends one binary message.
func (c *WSConn) WriteFrame(frame []byte) error {
	if len(frame) == 0 || len(frame) > limits.MaxEncryptedControlFrame {
		return newOpError("write", c.remote(), fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame)))
	}

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
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return newOpError("write", c.remote(), err)
	}
	return nil
}

// Close sends a close message and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		if wsErr := c.conn.SetWriteDeadline(time.Now().Add(wsCloseWriteDeadline)); wsErr == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if wsErr := c.conn.WriteMessage(websocket.CloseMessage, msg); wsErr != nil && !errors.Is(wsErr, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "WSConn.Close",
					"error":    wsErr.Error(),
				}).Debug("Failed to send close message")
			}
		}
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// LocalAddr returns the local endpoint.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the server endpoint.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *WSConn) remote() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
