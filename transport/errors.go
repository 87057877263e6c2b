package transport

import (
	"errors"
	"fmt"
)

// Common transport errors.
var (
	// ErrClosed indicates the channel has been closed locally.
	ErrClosed = errors.New("channel closed")

	// ErrFrameTooLarge indicates a frame exceeds the control frame limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidScheme indicates an unsupported control channel scheme.
	ErrInvalidScheme = errors.New("invalid transport scheme")

	// ErrTLSConfig indicates the TLS material could not be loaded.
	ErrTLSConfig = errors.New("invalid TLS configuration")
)

// OpError describes a failed transport operation with its peer address.
type OpError struct {
	Op   string // operation that failed
	Addr string // remote address if known
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func newOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
