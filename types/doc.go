// Package types defines the data model shared by the session engine: user and
// channel identifiers, the stream-type and subscription flag sets, the
// server-authoritative entities mirrored by the state replica, the patch types
// used to apply incremental diffs, jitter buffer configuration, media frames,
// and the protocol error codes.
//
// Entities are plain values. Readers always receive copies; slices inside an
// entity are never shared with the replica that produced it.
package types
