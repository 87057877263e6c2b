package transport

import (
	"net"
)

// ControlConn is a reliable, ordered, framed channel. Every frame is one
// control record. Implementations allow one concurrent reader and any number
// of concurrent writers.
type ControlConn interface {
	// ReadFrame blocks until the next frame arrives.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame.
	WriteFrame(frame []byte) error

	// Close shuts down the channel and unblocks ReadFrame.
	Close() error

	// LocalAddr returns the local endpoint.
	LocalAddr() net.Addr

	// RemoteAddr returns the server endpoint.
	RemoteAddr() net.Addr
}

// Scheme selects how the control channel is carried.
type Scheme string

const (
	// SchemeTCP frames records over plain TCP, or TLS when configured.
	SchemeTCP Scheme = "tcp"
	// SchemeWebSocket carries records as WebSocket binary messages.
	SchemeWebSocket Scheme = "ws"
)

// ParseScheme validates a scheme name. The empty string selects SchemeTCP.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case "", SchemeTCP:
		return SchemeTCP, nil
	case SchemeWebSocket:
		return SchemeWebSocket, nil
	}
	return "", newOpError("parse scheme", s, ErrInvalidScheme)
}
