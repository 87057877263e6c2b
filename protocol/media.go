package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/opd-ai/ttclient/types"
)

// PacketType is the first byte of every media channel datagram.
type PacketType byte

const (
	// PacketKeepalive is sent by the client to open and hold the media path.
	PacketKeepalive PacketType = 0x01
	// PacketKeepaliveAck is the server's echo of a keepalive.
	PacketKeepaliveAck PacketType = 0x02
	// PacketMedia carries one RTP packet.
	PacketMedia PacketType = 0x10
)

// TokenSize is the length of the media channel session token.
const TokenSize = 16

// mediaHeaderSize is the frame metadata carried before the payload:
// stream id (1), sample rate (4), channels (1), samples (2), width (2),
// height (2).
const mediaHeaderSize = 12

var (
	// ErrShortPacket is returned for datagrams too small for their type.
	ErrShortPacket = errors.New("short media packet")
	// ErrUnknownPacket is returned for an unrecognized packet type.
	ErrUnknownPacket = errors.New("unknown media packet type")
	// ErrStreamType is returned when a frame does not carry exactly one
	// stream type.
	ErrStreamType = errors.New("frame must carry a single stream type")
)

// Keepalive is the body of PacketKeepalive and PacketKeepaliveAck.
type Keepalive struct {
	UserID types.UserID
	Seq    uint32
	Token  [TokenSize]byte
}

// MarshalKeepalive encodes a keepalive or its acknowledgement.
func MarshalKeepalive(t PacketType, k Keepalive) []byte {
	out := make([]byte, 1+2+4+TokenSize)
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:3], uint16(k.UserID))
	binary.BigEndian.PutUint32(out[3:7], k.Seq)
	copy(out[7:], k.Token[:])
	return out
}

// UnmarshalKeepalive decodes the body of a keepalive datagram, without the
// type byte.
func UnmarshalKeepalive(body []byte) (Keepalive, error) {
	var k Keepalive
	if len(body) < 2+4+TokenSize {
		return k, fmt.Errorf("keepalive: %w", ErrShortPacket)
	}
	k.UserID = types.UserID(binary.BigEndian.Uint16(body[0:2]))
	k.Seq = binary.BigEndian.Uint32(body[2:6])
	copy(k.Token[:], body[6:6+TokenSize])
	return k, nil
}

// SplitDatagram returns the packet type and body of a media datagram.
func SplitDatagram(data []byte) (PacketType, []byte, error) {
	if len(data) < 1 {
		return 0, nil, ErrShortPacket
	}
	t := PacketType(data[0])
	switch t {
	case PacketKeepalive, PacketKeepaliveAck, PacketMedia:
		return t, data[1:], nil
	}
	return t, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacket, byte(t))
}

// MarshalMedia encodes one frame as a media datagram with the given RTP
// sequence number.
func MarshalMedia(f types.Frame, seq uint16) ([]byte, error) {
	if !f.StreamType.Single() {
		return nil, ErrStreamType
	}

	payload := make([]byte, mediaHeaderSize+len(f.Data))
	payload[0] = f.StreamID
	binary.BigEndian.PutUint32(payload[1:5], uint32(f.SampleRate))
	payload[5] = uint8(f.Channels)
	binary.BigEndian.PutUint16(payload[6:8], uint16(f.Samples))
	binary.BigEndian.PutUint16(payload[8:10], uint16(f.Width))
	binary.BigEndian.PutUint16(payload[10:12], uint16(f.Height))
	copy(payload[mediaHeaderSize:], f.Data)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    f.StreamType.Index(),
			SequenceNumber: seq,
			Timestamp:      f.Timestamp,
			SSRC:           uint32(f.UserID),
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal rtp: %w", err)
	}

	out := make([]byte, 1+len(raw))
	out[0] = byte(PacketMedia)
	copy(out[1:], raw)
	return out, nil
}

// UnmarshalMedia decodes the body of a media datagram, without the type
// byte. It also returns the RTP sequence number.
func UnmarshalMedia(body []byte) (types.Frame, uint16, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(body); err != nil {
		return types.Frame{}, 0, fmt.Errorf("unmarshal rtp: %w", err)
	}
	if len(pkt.Payload) < mediaHeaderSize {
		return types.Frame{}, 0, fmt.Errorf("media payload: %w", ErrShortPacket)
	}
	st := types.StreamTypeFromIndex(pkt.PayloadType)
	if st == types.StreamNone {
		return types.Frame{}, 0, fmt.Errorf("payload type %d: %w", pkt.PayloadType, ErrStreamType)
	}

	p := pkt.Payload
	f := types.Frame{
		UserID:     types.UserID(pkt.SSRC),
		StreamType: st,
		StreamID:   p[0],
		Timestamp:  pkt.Timestamp,
		SampleRate: int(binary.BigEndian.Uint32(p[1:5])),
		Channels:   int(p[5]),
		Samples:    int(binary.BigEndian.Uint16(p[6:8])),
		Width:      int(binary.BigEndian.Uint16(p[8:10])),
		Height:     int(binary.BigEndian.Uint16(p[10:12])),
		Data:       make([]byte, len(p)-mediaHeaderSize),
	}
	copy(f.Data, p[mediaHeaderSize:])
	return f, pkt.SequenceNumber, nil
}
