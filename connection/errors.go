package connection

import "errors"

var (
	// ErrInvalidTransition indicates an illegal state change.
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrInvalidParams indicates unusable connect parameters.
	ErrInvalidParams = errors.New("invalid connect parameters")

	// ErrProtocolVersion indicates the server speaks an incompatible
	// protocol major version.
	ErrProtocolVersion = errors.New("incompatible protocol version")

	// ErrHandshake indicates the server did not open the session with a
	// valid welcome record.
	ErrHandshake = errors.New("invalid server welcome")

	// ErrEncryption indicates the TLS or Noise setup failed.
	ErrEncryption = errors.New("encryption setup failed")

	// ErrMediaHandshake indicates the media channel keepalive was never
	// acknowledged.
	ErrMediaHandshake = errors.New("media channel handshake failed")

	// ErrConnectionLost indicates a keepalive timeout.
	ErrConnectionLost = errors.New("connection lost")
)
