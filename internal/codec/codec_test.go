package codec

import (
	"bytes"
	"errors"
	"testing"
)

// fakeEncoder/fakeDecoder let tests exercise Decode/Encode and Pool without
// touching the cgo-backed Opus library, mirroring the way the voice client
// substitutes fakes for its encoder/decoder interfaces in tests.
type fakeEncoder struct {
	lastPCM []int16
	err     error
}

func (f *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.lastPCM = append([]int16(nil), pcm...)
	n := copy(data, []byte{0x01, 0x02, 0x03})
	return n, nil
}

type fakeDecoder struct {
	pcm []int16
	err error
}

func (f *fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := copy(pcm, f.pcm)
	return n, nil
}

func TestRejectContainerFraming(t *testing.T) {
	ogg := append([]byte("OggS"), 0, 0, 0)
	if err := RejectContainerFraming(ogg); !errors.Is(err, ErrContainerFraming) {
		t.Fatalf("expected ErrContainerFraming, got %v", err)
	}
	bare := []byte{0xFC, 0xFF, 0x01}
	if err := RejectContainerFraming(bare); err != nil {
		t.Fatalf("bare frame incorrectly rejected: %v", err)
	}
}

func TestDecodeRejectsContainerFraming(t *testing.T) {
	dec := &fakeDecoder{pcm: make([]int16, FrameSize)}
	_, err := Decode(dec, []byte("OggS1234"))
	if !errors.Is(err, ErrContainerFraming) {
		t.Fatalf("expected ErrContainerFraming, got %v", err)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	dec := &fakeDecoder{pcm: make([]int16, FrameSize)}
	if _, err := Decode(dec, nil); err == nil {
		t.Fatal("expected an error for a nil frame")
	}
	if _, err := Decode(dec, []byte{}); err == nil {
		t.Fatal("expected an error for a zero-length frame")
	}
}

func TestDecodeNormalizesToFloat32(t *testing.T) {
	pcm := make([]int16, FrameSize)
	pcm[0] = 16384 // ~0.5 in [-1,1]
	dec := &fakeDecoder{pcm: pcm}

	out, err := Decode(dec, []byte{0xFC})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != FrameSize {
		t.Fatalf("expected %d samples, got %d", FrameSize, len(out))
	}
	if out[0] < 0.49 || out[0] > 0.51 {
		t.Fatalf("expected ~0.5, got %f", out[0])
	}
}

func TestEncodePadsShortFrames(t *testing.T) {
	enc := &fakeEncoder{}
	short := []float32{0.25, -0.25}

	out, err := Encode(enc, short)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected encoded output: %v", out)
	}
	if len(enc.lastPCM) != FrameSize {
		t.Fatalf("expected encoder to receive %d samples, got %d", FrameSize, len(enc.lastPCM))
	}
	for i := 2; i < FrameSize; i++ {
		if enc.lastPCM[i] != 0 {
			t.Fatalf("expected zero-padding at index %d, got %d", i, enc.lastPCM[i])
		}
	}
}

func TestEncodeClampsOutOfRangeSamples(t *testing.T) {
	enc := &fakeEncoder{}
	loud := make([]float32, FrameSize)
	loud[0] = 5.0
	loud[1] = -5.0

	if _, err := Encode(enc, loud); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.lastPCM[0] != 32767 {
		t.Fatalf("expected clamp to max int16, got %d", enc.lastPCM[0])
	}
	if enc.lastPCM[1] != -32767 {
		t.Fatalf("expected clamp to min, got %d", enc.lastPCM[1])
	}
}

func TestPoolAttachDetach(t *testing.T) {
	p := NewPool()
	p.AttachPair("u1", &Pair{Encoder: &fakeEncoder{}, Decoder: &fakeDecoder{}})

	if _, ok := p.Get("u1"); !ok {
		t.Fatal("expected pair to be attached")
	}
	if p.Count() != 1 {
		t.Fatalf("expected count 1, got %d", p.Count())
	}

	p.Detach("u1")
	if _, ok := p.Get("u1"); ok {
		t.Fatal("expected pair to be detached")
	}
	if p.Count() != 0 {
		t.Fatalf("expected count 0, got %d", p.Count())
	}
}
