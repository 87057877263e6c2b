// Command ttclient connects to a server, logs in, joins a channel and prints
// every event the session produces.
//
// # Usage
//
//	ttclient --host 10.0.0.5 --tcp 10333 --udp 10333 -u alice -p secret -C /Lobby/
//
// A TOML file given with --config is read first, then the TT_HOST, TT_TCP,
// TT_UDP and TT_ENCRYPTED environment variables, then the flags that were
// set explicitly.
//
// # Output
//
// Each event is printed on one line. With --dump the full event value is
// printed with go-spew instead.
//
// # Exit Codes
//
//   - 0: interrupted, --duration elapsed or the connection ended normally
//   - 1: the connection could not be established
//   - 2: invalid flags
package main
