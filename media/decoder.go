package media

import (
	"errors"
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

// ErrEmptyPayload indicates a media frame without data.
var ErrEmptyPayload = errors.New("empty media payload")

// Decoder turns one received frame into the frame handed to the host. It
// must keep the user, stream type, stream id and timestamp of its input.
type Decoder interface {
	Decode(f types.Frame) (types.Frame, error)
}

// DecoderFactory creates the decoder of a new stream.
type DecoderFactory func(st types.StreamType) (Decoder, error)

const (
	opusSampleRate = 48000
	// maxOpusSamples is 60 ms at 48 kHz, the longest Opus frame.
	maxOpusSamples = 2880
)

// OpusDecoder decodes voice frames to 16-bit little-endian PCM.
type OpusDecoder struct {
	dec opus.Decoder
	out []byte
}

// NewOpusDecoder creates a voice decoder.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, maxOpusSamples*2*2),
	}
}

// opusFrameSamples is the frame duration of each TOC configuration in
// samples at 48 kHz: SILK 0-11, Hybrid 12-15, CELT 16-31.
var opusFrameSamples = [32]int{
	480, 960, 1920, 2880, 480, 960, 1920, 2880, 480, 960, 1920, 2880,
	480, 960, 480, 960,
	120, 240, 480, 960, 120, 240, 480, 960, 120, 240, 480, 960, 120, 240, 480, 960,
}

// opusPacketSamples reads the per-channel sample count of a packet from
// its TOC byte, or 0 when the packet is too short to tell.
func opusPacketSamples(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3f)
	}
	return frames * opusFrameSamples[toc>>3]
}

// Decode decodes one Opus packet. The output is cut to the sample count the
// frame announces, or else to the duration its TOC byte declares.
func (d *OpusDecoder) Decode(f types.Frame) (types.Frame, error) {
	if len(f.Data) == 0 {
		return types.Frame{}, ErrEmptyPayload
	}

	bandwidth, stereo, err := d.dec.Decode(f.Data, d.out)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpusDecoder.Decode",
			"user_id":  f.UserID,
			"size":     len(f.Data),
			"error":    err.Error(),
		}).Debug("Opus decode failed")
		return types.Frame{}, fmt.Errorf("opus decode: %w", err)
	}

	channels := 1
	if stereo {
		channels = 2
	}
	n := len(d.out)
	samples := f.Samples
	if samples <= 0 {
		samples = opusPacketSamples(f.Data)
	}
	if want := samples * channels * 2; want > 0 && want <= n {
		n = want
	}

	out := f
	out.Data = make([]byte, n)
	copy(out.Data, d.out[:n])
	out.SampleRate = opusSampleRate
	out.Channels = channels
	out.Samples = n / (2 * channels)

	logrus.WithFields(logrus.Fields{
		"function":  "OpusDecoder.Decode",
		"bandwidth": bandwidth.String(),
		"samples":   out.Samples,
	}).Debug("Decoded voice frame")
	return out, nil
}

// Passthrough hands frames on unchanged. It serves streams whose payload is
// already raw: media file audio, and video or desktop frames decoded by an
// external codec collaborator.
type Passthrough struct{}

// Decode returns f.
func (Passthrough) Decode(f types.Frame) (types.Frame, error) {
	if len(f.Data) == 0 {
		return types.Frame{}, ErrEmptyPayload
	}
	return f, nil
}

// DefaultDecoders uses Opus for voice and Passthrough for everything else.
func DefaultDecoders(st types.StreamType) (Decoder, error) {
	if st == types.StreamVoice {
		return NewOpusDecoder(), nil
	}
	return Passthrough{}, nil
}
