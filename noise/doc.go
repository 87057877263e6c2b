// Package noise secures the control channel with the Noise Protocol
// Framework (Curve25519, ChaCha20-Poly1305, SHA256) using flynn/noise.
//
// # Pattern Selection
//
//	Pattern │ When it is used                          │ Messages
//	────────┼──────────────────────────────────────────┼──────────
//	IK      │ the client has the server key pinned     │ 2
//	XX      │ the server key is learned in the session │ 3
//
// The first handshake frame starts with one byte naming the pattern so the
// server can answer either. Once the handshake completes, Conn encrypts
// every control frame with the session cipher states.
//
// The handshake hash is also bound into the media channel token, so a media
// keepalive can only be produced by the party that completed the handshake.
//
// Example:
//
//	keys, _ := noise.GenerateKeypair()
//	secure, err := noise.Client(ctx, framed, keys, serverKey)
//	if err != nil {
//	    return err
//	}
//	err = secure.WriteFrame([]byte("login id=1 ..."))
package noise
