package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/types"
)

func TestMediaDatagram(t *testing.T) {
	tests := []struct {
		name  string
		frame types.Frame
	}{
		{
			name:  "voice",
			frame: types.Frame{
				UserID:     42,
				StreamType: types.StreamVoice,
				StreamID:   1,
				Timestamp:  100,
				SampleRate: 48000,
				Channels:   1,
				Samples:    960,
				Data:       []byte{1, 2, 3},
			},
		},
		{
			name:  "video",
			frame: types.Frame{
				UserID:     7,
				StreamType: types.StreamVideoCapture,
				StreamID:   2,
				Timestamp:  0xFFFFFFF0,
				Width:      320,
				Height:     240,
				Data:       []byte{9},
			},
		},
		{
			name:  "empty payload",
			frame: types.Frame{UserID: 1, StreamType: types.StreamDesktop, Timestamp: 5, Data: []byte{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := MarshalMedia(tt.frame, 77)
			require.NoError(t, err)

			pt, body, err := SplitDatagram(raw)
			require.NoError(t, err)
			assert.Equal(t, PacketMedia, pt)

			got, seq, err := UnmarshalMedia(body)
			require.NoError(t, err)
			assert.Equal(t, uint16(77), seq)
			assert.Equal(t, tt.frame, got)
		})
	}
}

func TestMarshalMediaRejectsMixedStreamTypes(t *testing.T) {
	_, err := MarshalMedia(types.Frame{StreamType: types.StreamVoice | types.StreamDesktop}, 1)
	assert.ErrorIs(t, err, ErrStreamType)
}

func TestKeepaliveDatagram(t *testing.T) {
	k := Keepalive{UserID: 3, Seq: 99}
	copy(k.Token[:], "0123456789abcdef")

	raw := MarshalKeepalive(PacketKeepaliveAck, k)
	pt, body, err := SplitDatagram(raw)
	require.NoError(t, err)
	assert.Equal(t, PacketKeepaliveAck, pt)

	got, err := UnmarshalKeepalive(body)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = UnmarshalKeepalive(body[:5])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestSplitDatagramErrors(t *testing.T) {
	_, _, err := SplitDatagram(nil)
	assert.ErrorIs(t, err, ErrShortPacket)

	_, _, err = SplitDatagram([]byte{0x7f, 1})
	assert.ErrorIs(t, err, ErrUnknownPacket)
}
