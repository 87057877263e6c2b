package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// UserIDMax is the highest user id a server may assign.
	UserIDMax = 0xFFF

	// ChannelIDMax is the highest channel id a server may assign.
	ChannelIDMax = 0xFFF

	// MaxString is the longest string field accepted in a control record.
	MaxString = 512

	// MaxTextMessage is the longest text message content.
	MaxTextMessage = 512

	// TransmitUsersMax is the number of users that can be listed in a
	// channel's transmit allow-list.
	TransmitUsersMax = 128

	// TransmitQueueMax is the depth of a solo-transmit wait queue.
	TransmitQueueMax = 16

	// ChannelOperatorsMax is the number of operators a channel may list.
	ChannelOperatorsMax = 16

	// MaxControlFrame is the largest control record, before encryption.
	MaxControlFrame = 64 * 1024

	// EncryptionOverhead is the authentication tag added to each encrypted
	// control frame (ChaCha20-Poly1305).
	EncryptionOverhead = 16

	// MaxEncryptedControlFrame is the largest control frame on the wire.
	MaxEncryptedControlFrame = MaxControlFrame + EncryptionOverhead

	// MaxMediaPacket is the default media datagram size.
	MaxMediaPacket = 1400

	// MinMediaPacket is the smallest max payload a server may announce.
	MinMediaPacket = 400

	// MaxProcessingBuffer caps any buffer read from the network, whatever
	// the transport's own limit.
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrStringTooLong indicates a string field exceeds MaxString
	ErrStringTooLong = errors.New("string too long")

	// ErrInvalidUTF8 indicates a string field is not valid UTF-8
	ErrInvalidUTF8 = errors.New("string is not valid UTF-8")

	// ErrIDOutOfRange indicates a user or channel id outside its range
	ErrIDOutOfRange = errors.New("id out of range")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateControlFrame validates a plaintext control record against MaxControlFrame.
func ValidateControlFrame(frame []byte) error {
	if len(frame) == 0 {
		return ErrMessageEmpty
	}
	if len(frame) > MaxControlFrame {
		return fmt.Errorf("%w: control frame size %d exceeds limit %d", ErrMessageTooLarge, len(frame), MaxControlFrame)
	}
	return nil
}

// ValidateMediaPacket validates a media datagram against the negotiated max payload.
// A maxPayload of zero selects MaxMediaPacket.
func ValidateMediaPacket(packet []byte, maxPayload int) error {
	if maxPayload <= 0 {
		maxPayload = MaxMediaPacket
	}
	if len(packet) == 0 {
		return ErrMessageEmpty
	}
	if len(packet) > maxPayload {
		return fmt.Errorf("%w: media packet size %d exceeds limit %d", ErrMessageTooLarge, len(packet), maxPayload)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// This limit prevents memory exhaustion attacks and should be used for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// ValidateString checks a named string field for length and encoding.
// Empty strings are valid; callers that require a value check that themselves.
func ValidateString(field, value string) error {
	if len(value) > MaxString {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrStringTooLong, field, len(value), MaxString)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s", ErrInvalidUTF8, field)
	}
	return nil
}

// ValidateUserID checks that id is a usable remote user id.
func ValidateUserID(id uint16) error {
	if id == 0 || id > UserIDMax {
		return fmt.Errorf("%w: user id %d", ErrIDOutOfRange, id)
	}
	return nil
}

// ValidateChannelID checks that id is a usable channel id.
func ValidateChannelID(id uint16) error {
	if id == 0 || id > ChannelIDMax {
		return fmt.Errorf("%w: channel id %d", ErrIDOutOfRange, id)
	}
	return nil
}
