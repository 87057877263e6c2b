package ttclient

import "errors"

// Client lifecycle errors.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client closed")
	// ErrAlreadyConnected is returned by Connect while a session exists or
	// an attempt is in progress.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned by commands submitted without a session.
	ErrNotConnected = errors.New("not connected")
	// ErrNotAuthorized is returned by commands that require a login.
	ErrNotAuthorized = errors.New("not logged in")
)

// Argument errors. No command id is consumed when these are returned.
var (
	// ErrInvalidArgument wraps every local validation failure.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInChannel is returned by operations that need a current channel.
	ErrNotInChannel = errors.New("not in a channel")
)

// ErrTransmitQueued is returned by TransmitFrame while another user holds
// the solo transmit slot. The frame was offered to the server queue but
// will not be played.
var ErrTransmitQueued = errors.New("waiting for transmit slot")
