// Package limits provides centralized protocol limits for the session engine.
// This ensures consistent validation across the wire codec, the command
// submission API and the state replica.
//
// # Limit Hierarchy
//
//   - MaxString (512 bytes): the longest string field accepted in a control
//     record (nicknames, channel names, passwords, text messages).
//
//   - MaxControlFrame (64 KiB): the largest control record frame, before
//     encryption overhead.
//
//   - MaxMediaPacket (1400 bytes): the default media datagram size. The server
//     may lower or raise this at runtime through a max payload update.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for any single read. All
//     data received from the network is validated against this limit before it
//     is allocated.
//
// # Identifier Ranges
//
// User and channel ids are bounded by UserIDMax and ChannelIDMax. Id 0 is
// never a valid user or channel on the wire: for users it denotes the local
// client before login, for channels it denotes "not in a channel" or the
// parent of the root channel.
//
// # Validation Functions
//
//	if err := limits.ValidateString("nickname", nick); err != nil {
//	    // ErrStringTooLong wrapped with the field name
//	}
//
//	if err := limits.ValidateControlFrame(frame); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits
