package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag of integer PCM files.
const wavFormatPCM = 1

// ErrInvalidWAV is returned when a WAV source does not contain integer PCM.
var ErrInvalidWAV = errors.New("audio: invalid or unsupported WAV file")

// WAVSource decodes a RIFF/WAVE file incrementally, one frame at a time, and
// converts it to the target format.
type WAVSource struct {
	// Open returns a fresh reader for every Frames call.
	Open func() (io.ReadSeekCloser, error)

	// Target is the format frames are converted to.
	Target Format

	// FrameDuration is the length of each emitted frame. Default: 20ms.
	FrameDuration time.Duration
}

var _ Source = (*WAVSource)(nil)

// NewWAVFileSource returns a WAVSource that opens path on every Frames call.
func NewWAVFileSource(path string, target Format, frameDuration time.Duration) *WAVSource {
	return &WAVSource{
		Open:          func() (io.ReadSeekCloser, error) { return os.Open(path) },
		Target:        target,
		FrameDuration: frameDuration,
	}
}

// Format returns the target format.
func (s *WAVSource) Format() Format { return s.Target }

// Frames implements [Source].
func (s *WAVSource) Frames(ctx context.Context) (<-chan AudioFrame, <-chan error) {
	sink := newFrameSink()
	go func() {
		sink.close(s.run(ctx, sink))
	}()
	return sink.frames, sink.errs
}

func (s *WAVSource) run(ctx context.Context, sink *frameSink) error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	dur := s.FrameDuration
	if dur <= 0 {
		dur = defaultFrameDuration
	}

	r, err := s.Open()
	if err != nil {
		return fmt.Errorf("audio: open wav source: %w", err)
	}
	defer r.Close()

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return fmt.Errorf("%w: audio format %d", ErrInvalidWAV, dec.WavAudioFormat)
	}
	src := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if err := src.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	depth := int(dec.BitDepth)

	samples := src.FrameBytes(dur) / bytesPerSample
	if samples == 0 {
		return fmt.Errorf("audio: frame duration %s too short for %s", dur, src)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: src.Channels, SampleRate: src.SampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: depth,
	}

	conv := FormatConverter{Target: s.Target}
	var ts time.Duration
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("audio: decode wav: %w", err)
		}
		n -= n % src.Channels
		if n == 0 {
			return nil
		}

		pcm := make([]int16, n)
		for i, v := range buf.Data[:n] {
			pcm[i] = toInt16(v, depth)
		}
		raw := AudioFrame{Data: int16sToBytes(pcm), SampleRate: src.SampleRate, Channels: src.Channels, Timestamp: ts}
		ts += src.Duration(len(raw.Data))

		f := conv.Convert(raw)
		if len(f.Data) == 0 {
			continue
		}
		if !sink.send(ctx, f) {
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// toInt16 scales a decoded integer sample of the given bit depth to 16 bits.
// 8-bit WAV samples are unsigned.
func toInt16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}
