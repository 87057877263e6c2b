package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/types"
)

func TestPassthrough(t *testing.T) {
	f := types.Frame{UserID: 1, StreamType: types.StreamDesktop, Data: []byte{1, 2, 3}, Width: 4, Height: 2}
	out, err := Passthrough{}.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, f, out)

	_, err = Passthrough{}.Decode(types.Frame{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestOpusDecoderRejectsBadInput(t *testing.T) {
	d := NewOpusDecoder()

	_, err := d.Decode(types.Frame{StreamType: types.StreamVoice})
	assert.ErrorIs(t, err, ErrEmptyPayload)

	// TOC byte 0xFC selects a CELT configuration, which the decoder refuses.
	_, err = d.Decode(types.Frame{StreamType: types.StreamVoice, Data: []byte{0xFC, 0xFF, 0xFE}})
	assert.Error(t, err)
}

func TestOpusPacketSamples(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   int
	}{
		{"empty", nil, 0},
		{"silk 10ms", []byte{0x00}, 480},
		{"silk 20ms stereo", []byte{0x0C}, 960},
		{"silk 60ms", []byte{0x18}, 2880},
		{"hybrid 20ms", []byte{0x68}, 960},
		{"celt 2.5ms", []byte{0x80}, 120},
		{"celt 20ms", []byte{0xF8}, 960},
		{"two frames", []byte{0x09, 0x00}, 1920},
		{"two frames of differing size", []byte{0x0A, 0x00}, 1920},
		{"arbitrary frame count", []byte{0x03, 0x03}, 3 * 480},
		{"arbitrary count without header", []byte{0x03}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opusPacketSamples(tt.packet))
		})
	}
}

func TestDefaultDecoders(t *testing.T) {
	dec, err := DefaultDecoders(types.StreamVoice)
	require.NoError(t, err)
	assert.IsType(t, &OpusDecoder{}, dec)

	dec, err = DefaultDecoders(types.StreamVideoCapture)
	require.NoError(t, err)
	assert.IsType(t, Passthrough{}, dec)
}
