// Package connection manages the two channels of a session with the server.
//
// A session uses a reliable, framed control channel (TCP, TLS, Noise or
// WebSocket) and an unreliable UDP media channel. Dial opens both: it
// connects the control channel, waits for the server's welcome record,
// checks the protocol version, and then opens the media path with a
// keepalive exchange authenticated by a token derived from the welcome.
//
// The package also holds the per-session bookkeeping the client's network
// loop drives: the State machine, the Keepalive tracker that decides when
// the connection is lost, PingStats round-trip samples and the Backoff
// used between reconnect attempts.
package connection
