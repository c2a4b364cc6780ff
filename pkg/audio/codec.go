package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

const (
	// CodecPCM sends raw PCM16 little-endian audio.
	CodecPCM = "pcm"

	// CodecOpus sends Opus packets.
	CodecOpus = "opus"
)

// Codec compresses PCM16 audio for the wire. Implementations may buffer
// input internally; Flush returns whatever is left. A Codec is used by a
// single stream and need not be safe for concurrent use.
type Codec interface {
	// Name is the identifier announced to the service, e.g. "pcm".
	Name() string

	// Encode consumes pcm and returns zero or more encoded chunks.
	Encode(pcm []byte) ([][]byte, error)

	// Flush encodes any buffered input.
	Flush() ([][]byte, error)

	// Framed reports whether chunk boundaries must survive batching.
	Framed() bool
}

// NewCodec returns a fresh codec for name and format. An empty name selects
// [CodecPCM].
func NewCodec(name string, f Format) (Codec, error) {
	switch name {
	case "", CodecPCM:
		return PCMCodec{}, nil
	case CodecOpus:
		return NewOpusCodec(f)
	default:
		return nil, fmt.Errorf("audio: unknown codec %q", name)
	}
}

// PCMCodec passes PCM through unchanged.
type PCMCodec struct{}

var _ Codec = PCMCodec{}

func (PCMCodec) Name() string                        { return CodecPCM }
func (PCMCodec) Encode(pcm []byte) ([][]byte, error) { return [][]byte{pcm}, nil }
func (PCMCodec) Flush() ([][]byte, error)            { return nil, nil }
func (PCMCodec) Framed() bool                        { return false }

// opusFrameDuration is the Opus frame length used for encoding.
const opusFrameDuration = 20 * time.Millisecond

// opusMaxPacket bounds a single encoded Opus packet.
const opusMaxPacket = 1275

// OpusCodec encodes PCM into 20ms Opus packets using libopus. Input is
// buffered until a whole Opus frame is available; Flush pads the remainder
// with silence.
type OpusCodec struct {
	enc       *gopus.Encoder
	f         Format
	frameSize int // samples per channel per Opus frame
	pending   []byte
}

var _ Codec = (*OpusCodec)(nil)

// NewOpusCodec creates an Opus encoder for f. Opus supports sample rates of
// 8, 12, 16, 24 and 48 kHz.
func NewOpusCodec(f Format) (*OpusCodec, error) {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("audio: opus does not support %d Hz", f.SampleRate)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusCodec{
		enc:       enc,
		f:         f,
		frameSize: f.SampleRate * int(opusFrameDuration/time.Millisecond) / 1000,
	}, nil
}

func (c *OpusCodec) Name() string { return CodecOpus }
func (c *OpusCodec) Framed() bool { return true }

// Encode implements [Codec].
func (c *OpusCodec) Encode(pcm []byte) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	frameBytes := c.frameSize * c.f.Channels * bytesPerSample

	var out [][]byte
	for len(c.pending) >= frameBytes {
		pkt, err := c.enc.Encode(bytesToInt16s(c.pending[:frameBytes]), c.frameSize, opusMaxPacket)
		if err != nil {
			return out, fmt.Errorf("audio: opus encode: %w", err)
		}
		out = append(out, pkt)
		c.pending = c.pending[frameBytes:]
	}
	// Compact so the backing array does not grow without bound.
	c.pending = append([]byte(nil), c.pending...)
	return out, nil
}

// Flush implements [Codec].
func (c *OpusCodec) Flush() ([][]byte, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	frameBytes := c.frameSize * c.f.Channels * bytesPerSample
	padded := make([]byte, frameBytes)
	copy(padded, c.pending)
	c.pending = nil
	return c.Encode(padded)
}
