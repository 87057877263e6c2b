// Package testnet is an in-process server speaking the client's wire
// protocol, used by integration tests and the ttserver command.
//
// A Server listens on loopback TCP and UDP ports (plus an optional
// WebSocket endpoint), optionally requires a Noise handshake, and keeps a
// small authoritative state: a channel tree, accounts, bans, logged-in users
// and their subscriptions. It answers every command of the control protocol
// and forwards media datagrams between users in the same channel.
//
// Tests can steer the server: SetSilent stops all replies so clients detect
// a lost connection, Send pushes arbitrary records, and SendMedia delivers a
// frame to a user's media channel.
//
//	srv, err := testnet.New(testnet.DefaultConfig())
//	if err != nil { ... }
//	defer srv.Close()
//	host, tcpPort, udpPort := srv.Endpoint()
package testnet
