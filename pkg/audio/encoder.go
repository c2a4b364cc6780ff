package audio

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxPacketBytes is 200ms of 16 kHz mono PCM16.
const DefaultMaxPacketBytes = 6400

// ErrChunkTooLarge is returned when a framed codec produces a chunk that
// cannot fit into a single packet.
var ErrChunkTooLarge = errors.New("audio: encoded chunk exceeds max packet size")

// FrameEncoder batches encoded audio into packets of at most MaxPacketBytes,
// preserving sample order. Chunks of framed codecs are written with a
// varint length prefix so the receiver can split them again; raw PCM is
// packed back to back and split at sample-frame boundaries.
//
// A FrameEncoder serves one stream and is not safe for concurrent use.
type FrameEncoder struct {
	codec Codec
	max   int
	buf   []byte
}

// NewFrameEncoder returns a FrameEncoder that emits packets no larger than
// maxPacketBytes. A value <= 0 selects [DefaultMaxPacketBytes].
func NewFrameEncoder(codec Codec, maxPacketBytes int) (*FrameEncoder, error) {
	if codec == nil {
		return nil, errors.New("audio: frame encoder needs a codec")
	}
	if maxPacketBytes <= 0 {
		maxPacketBytes = DefaultMaxPacketBytes
	}
	if !codec.Framed() {
		// Keep splits aligned to whole stereo sample frames.
		maxPacketBytes -= maxPacketBytes % 4
	}
	if maxPacketBytes == 0 {
		return nil, fmt.Errorf("audio: max packet size too small")
	}
	return &FrameEncoder{codec: codec, max: maxPacketBytes}, nil
}

// Codec returns the codec in use.
func (e *FrameEncoder) Codec() Codec { return e.codec }

// Encode feeds one frame and returns the packets that became complete.
func (e *FrameEncoder) Encode(f AudioFrame) ([][]byte, error) {
	chunks, err := e.codec.Encode(f.Data)
	if err != nil {
		return nil, err
	}
	return e.add(chunks)
}

// Flush drains the codec and returns the trailing packets, typically one
// partial packet. The encoder can be reused afterwards.
func (e *FrameEncoder) Flush() ([][]byte, error) {
	chunks, err := e.codec.Flush()
	if err != nil {
		return nil, err
	}
	out, err := e.add(chunks)
	if err != nil {
		return out, err
	}
	if len(e.buf) > 0 {
		out = append(out, e.take())
	}
	return out, nil
}

func (e *FrameEncoder) add(chunks [][]byte) ([][]byte, error) {
	var out [][]byte
	for _, c := range chunks {
		if e.codec.Framed() {
			c = protowire.AppendBytes(nil, c)
			if len(c) > e.max {
				return out, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(c), e.max)
			}
			if len(e.buf)+len(c) > e.max {
				out = append(out, e.take())
			}
			e.buf = append(e.buf, c...)
			continue
		}
		for len(c) > 0 {
			n := min(e.max-len(e.buf), len(c))
			e.buf = append(e.buf, c[:n]...)
			c = c[n:]
			if len(e.buf) == e.max {
				out = append(out, e.take())
			}
		}
	}
	return out, nil
}

func (e *FrameEncoder) take() []byte {
	p := e.buf
	e.buf = make([]byte, 0, e.max)
	return p
}

// SplitFramed splits a packet produced by a framed codec back into chunks.
func SplitFramed(packet []byte) ([][]byte, error) {
	var out [][]byte
	for len(packet) > 0 {
		v, n := protowire.ConsumeBytes(packet)
		if n < 0 {
			return nil, fmt.Errorf("audio: split framed packet: %w", protowire.ParseError(n))
		}
		out = append(out, v)
		packet = packet[n:]
	}
	return out, nil
}
