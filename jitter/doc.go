// Package jitter implements the playout buffer of one incoming media stream.
//
// Frames are ordered by their media timestamp (milliseconds, wrapping at
// 2^32) and released once their playout deadline has passed. The deadline of
// a frame is anchored on the first frame of the stream:
//
//	deadline(ts) = anchorArrival + (ts - anchorTS) + activeDelay
//
// In fixed mode the active delay equals the configured fixed delay. In
// adaptive mode it follows an inter-arrival jitter estimate computed as in
// RFC 3550 section 6.4.1, and always stays within
// [FixedDelay, MaxAdaptiveDelay]. A frame that arrives after its deadline
// while earlier frames are still queued is dropped as late; a late frame
// reaching an empty buffer re-anchors the stream instead.
package jitter
