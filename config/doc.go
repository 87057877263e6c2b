// Package config holds the settings of a client process and its sessions.
//
// Options groups every tunable of the engine: server endpoint, encryption
// material, keepalive timers, event queue sizing, reconnect policy, media
// playout and transmit arbitration. Process carries the settings that the
// original surface kept as process-wide globals (client identity, license,
// default devices); here they are a value passed to the client at
// construction, so two clients in one process stay independent.
//
// Options load from TOML files with durations written as strings:
//
//	[server]
//	host = "voice.example.org"
//	tcp_port = 10333
//
//	[keepalive]
//	connection_lost = "15s"
//
// FromEnv applies the TT_HOST, TT_TCP, TT_UDP and TT_ENCRYPTED overrides.
package config
