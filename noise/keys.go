package noise

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a Curve25519 key.
const KeySize = 32

// Keypair is a static Curve25519 key pair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair creates a random key pair.
func GenerateKeypair() (Keypair, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeypairFromPrivate(priv)
}

// KeypairFromPrivate derives the public key for priv.
func KeypairFromPrivate(priv [KeySize]byte) (Keypair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("derive public key: %w", err)
	}
	kp := Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}
