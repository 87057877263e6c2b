// Package main runs the test server as a standalone process.
//
// # Overview
//
// The server speaks the client protocol over a TCP control channel and a UDP
// media channel. It keeps its channels, accounts and bans in memory and
// forwards media between users in the same channel. It is meant for trying
// the client by hand; the integration tests start the same server in
// process.
//
// # Usage
//
// Run with default settings:
//
//	go run ./testnet/cmd
//
// Run on free ports with two channels, one of them protected:
//
//	go run ./testnet/cmd --tcp 0 --udp 0 -c Lobby -c Staff:secret
//
// Require a Noise handshake and print the server key to configure clients
// with:
//
//	go run ./testnet/cmd --noise
//
// # Accounts
//
// The server always has admin/admin (administrator) and guest/guest. More
// default accounts are added with --account username:password.
//
// # Signal Handling
//
// SIGINT and SIGTERM close every client connection and stop the server.
package main
