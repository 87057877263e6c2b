package noise

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// TokenSize is the length of a media channel token.
const TokenSize = 16

const tokenInfo = "ttclient media token v1"

// MediaToken derives the media channel token of a session from the server
// cookie announced in the welcome record. binding is the handshake hash of
// an encrypted control channel and is nil for unencrypted sessions.
func MediaToken(cookie, binding []byte, userID uint16) [TokenSize]byte {
	secret := make([]byte, 0, len(cookie)+len(binding))
	secret = append(secret, cookie...)
	secret = append(secret, binding...)

	info := make([]byte, len(tokenInfo)+2)
	copy(info, tokenInfo)
	binary.BigEndian.PutUint16(info[len(tokenInfo):], userID)

	var token [TokenSize]byte
	r := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(r, token[:]); err != nil {
		// hkdf only fails past 255 hash lengths of output.
		panic(err)
	}
	return token
}
