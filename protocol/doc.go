// Package protocol encodes and decodes the records exchanged with the server.
//
// The control channel carries textual records, one per frame:
//
//	join id=4 chanid=5 password="secret"
//	error number=2001 message="incorrect channel password" id=4
//
// Integers are signed decimals, strings are double-quoted with backslash
// escapes and integer lists are bracketed. Unknown keys are ignored by the
// decoders so that newer servers can add fields.
//
// The media channel carries datagrams prefixed with a one byte packet type.
// Media datagrams wrap an RTP packet whose SSRC is the sending user and whose
// payload type is the stream type bit index.
package protocol
