// Package codec wraps the Opus encoder/decoder pair each participant needs
// to enter and leave the mixer's float32 PCM domain.
package codec

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the only rate the mixer operates at.
	SampleRate = 48000
	// Channels is fixed to mono; stereo input is never accepted.
	Channels = 1
	// FrameSize is 20ms of audio at SampleRate — the only frame size the
	// mixer ever decodes or encodes.
	FrameSize = 960
	// Bitrate is the fixed target encode bitrate in bits/sec.
	Bitrate = 32000

	oggMagic = "OggS"
)

// ErrContainerFraming is returned when an inbound frame carries an OGG
// container header instead of a bare Opus packet.
var ErrContainerFraming = errors.New("codec: container-framed audio is not accepted, bare codec frames only")

// Encoder abstracts Opus encoding so tests can inject a deterministic fake
// instead of exercising the cgo-backed library.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Decoder abstracts Opus decoding the same way.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// NewEncoder builds a mono 48kHz voice-tuned encoder at the fixed bitrate.
func NewEncoder() (*opus.Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new encoder: %w", err)
	}
	if err := enc.SetBitrate(Bitrate); err != nil {
		return nil, fmt.Errorf("codec: set bitrate: %w", err)
	}
	return enc, nil
}

// NewDecoder builds a mono 48kHz decoder.
func NewDecoder() (*opus.Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: new decoder: %w", err)
	}
	return dec, nil
}

// RejectContainerFraming returns ErrContainerFraming if data looks like an
// OGG container page (starts with the "OggS" capture pattern) rather than a
// bare Opus frame. The wire format never wraps audio in a container.
func RejectContainerFraming(data []byte) error {
	if len(data) >= 4 && string(data[:4]) == oggMagic {
		return ErrContainerFraming
	}
	return nil
}

// Decode converts one bare Opus frame to FrameSize samples of float32 PCM
// in [-1, 1], rejecting container-framed input.
func Decode(dec Decoder, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty frame")
	}
	if err := RejectContainerFraming(data); err != nil {
		return nil, err
	}
	pcm := make([]int16, FrameSize)
	n, err := dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	out := make([]float32, FrameSize)
	for i := 0; i < n && i < FrameSize; i++ {
		out[i] = float32(pcm[i]) / 32768.0
	}
	return out, nil
}

// Encode converts FrameSize samples of float32 PCM in [-1, 1] back to a bare
// Opus frame. pcm shorter than FrameSize is zero-padded; longer is truncated.
func Encode(enc Encoder, pcm []float32) ([]byte, error) {
	in := make([]int16, FrameSize)
	for i := 0; i < FrameSize; i++ {
		var s float32
		if i < len(pcm) {
			s = pcm[i]
		}
		in[i] = clampToInt16(s)
	}
	buf := make([]byte, 1275) // RFC 6716 max Opus packet size
	n, err := enc.Encode(in, buf)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func clampToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * 32767))
}
