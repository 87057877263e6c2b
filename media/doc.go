// Package media connects incoming media records to the host application.
//
// A Pipeline keeps one stream worker per (user, stream type) that the
// subscription table allows. Each worker owns its jitter buffer and decoder:
// frames delivered by the network goroutine are queued on the worker's
// inbox, released by the jitter buffer at their playout deadline, decoded,
// published to the lease manager and announced with a media event.
//
// A decoder failure raises an InternalError event with code
// ErrAudioCodecInit and leaves the stream degraded: its frames are discarded
// until ResetStream installs a fresh decoder. Other streams are unaffected.
package media
