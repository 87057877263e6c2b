// Package transport carries session traffic to and from the server.
//
// The control channel is reliable and framed: every control record travels
// as one frame. FramedConn implements it over TCP and TLS with a four byte
// big-endian length prefix, WSConn implements it over WebSocket with one
// binary message per frame. The media channel is a connected UDP socket
// wrapped by MediaConn, one datagram per media record.
//
// Example:
//
//	conn, err := transport.DialTCP(ctx, "127.0.0.1:10333", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	if err := conn.WriteFrame([]byte("ping id=1")); err != nil {
//	    log.Fatal(err)
//	}
//	reply, err := conn.ReadFrame()
package transport
