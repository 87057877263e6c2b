package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake is already complete.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrUnknownPattern indicates a handshake frame names no supported pattern.
	ErrUnknownPattern = errors.New("unknown handshake pattern")
	// ErrInvalidKey indicates malformed key material.
	ErrInvalidKey = errors.New("invalid key")
	// ErrPeerKeyMismatch indicates the server presented a different static
	// key than the pinned one.
	ErrPeerKeyMismatch = errors.New("server static key mismatch")
)

// Role is the side of the handshake.
type Role uint8

const (
	// Initiator starts the handshake. The client is always the initiator.
	Initiator Role = iota
	// Responder answers the handshake.
	Responder
)

// Pattern names a supported handshake pattern. Its value is the prefix byte
// of the first handshake frame.
type Pattern byte

const (
	// PatternIK is used when the initiator knows the responder's key.
	PatternIK Pattern = 'I'
	// PatternXX is used when neither side knows the other's key.
	PatternXX Pattern = 'X'
)

func (p Pattern) String() string {
	switch p {
	case PatternIK:
		return "IK"
	case PatternXX:
		return "XX"
	}
	return fmt.Sprintf("Pattern(%d)", byte(p))
}

func (p Pattern) handshake() (noise.HandshakePattern, error) {
	switch p {
	case PatternIK:
		return noise.HandshakeIK, nil
	case PatternXX:
		return noise.HandshakeXX, nil
	}
	return noise.HandshakePattern{}, fmt.Errorf("%w: %v", ErrUnknownPattern, p)
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Handshake drives one Noise handshake.
type Handshake struct {
	role     Role
	pattern  Pattern
	state    *noise.HandshakeState
	send     *noise.CipherState
	recv     *noise.CipherState
	complete bool
}

// NewHandshake prepares a handshake. An initiator that passes peerStatic
// uses IK, otherwise XX. A responder must pass the pattern it received.
func NewHandshake(role Role, pattern Pattern, static Keypair, peerStatic []byte) (*Handshake, error) {
	hp, err := pattern.handshake()
	if err != nil {
		return nil, err
	}
	if pattern == PatternIK && role == Initiator && len(peerStatic) != KeySize {
		return nil, fmt.Errorf("%w: IK initiator requires a %d byte peer key, got %d", ErrInvalidKey, KeySize, len(peerStatic))
	}

	staticKey := noise.DHKey{
		Private: make([]byte, KeySize),
		Public:  make([]byte, KeySize),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       hp,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}
	if role == Initiator && len(peerStatic) > 0 {
		cfg.PeerStatic = append([]byte(nil), peerStatic...)
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %v handshake state: %w", pattern, err)
	}

	return &Handshake{role: role, pattern: pattern, state: state}, nil
}

// Pattern returns the handshake pattern.
func (h *Handshake) Pattern() Pattern {
	return h.pattern
}

// WriteMessage produces the next handshake message.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	msg, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%v handshake write: %w", h.pattern, err)
	}
	h.finish(cs1, cs2)
	return msg, nil
}

// ReadMessage consumes the peer's next handshake message and returns its
// payload.
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%v handshake read: %w", h.pattern, err)
	}
	h.finish(cs1, cs2)
	return payload, nil
}

// finish records the cipher states once the pattern is exhausted. cs1
// encrypts initiator to responder traffic, cs2 the reverse.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if h.role == Initiator {
		h.send, h.recv = cs1, cs2
	} else {
		h.send, h.recv = cs2, cs1
	}
	h.complete = true
}

// IsComplete reports whether cipher states are available.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// CipherStates returns the send and receive cipher states.
func (h *Handshake) CipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return h.send, h.recv, nil
}

// ChannelBinding returns the final handshake hash.
func (h *Handshake) ChannelBinding() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), h.state.ChannelBinding()...), nil
}

// PeerStatic returns the peer's static public key once it is known.
func (h *Handshake) PeerStatic() []byte {
	return append([]byte(nil), h.state.PeerStatic()...)
}

// verifyPeer checks the learned peer key against a pinned one.
func (h *Handshake) verifyPeer(pinned []byte) error {
	if len(pinned) == 0 {
		return nil
	}
	if !bytes.Equal(h.state.PeerStatic(), pinned) {
		return ErrPeerKeyMismatch
	}
	return nil
}
