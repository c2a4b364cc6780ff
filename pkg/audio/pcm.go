package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// PCMSource reads raw PCM16 little-endian audio from a stream such as a
// capture device, a named pipe fed by arecord, or a headerless file.
type PCMSource struct {
	// Open returns a fresh reader for every Frames call.
	Open func() (io.ReadCloser, error)

	// Fmt is the format of the raw stream.
	Fmt Format

	// FrameDuration is the length of each emitted frame. Default: 20ms.
	FrameDuration time.Duration
}

var _ Source = (*PCMSource)(nil)

// NewPCMFileSource returns a PCMSource that opens path on every Frames call.
func NewPCMFileSource(path string, f Format, frameDuration time.Duration) *PCMSource {
	return &PCMSource{
		Open:          func() (io.ReadCloser, error) { return os.Open(path) },
		Fmt:           f,
		FrameDuration: frameDuration,
	}
}

// Format returns the format of the raw stream.
func (s *PCMSource) Format() Format { return s.Fmt }

// Frames implements [Source]. A trailing partial frame is emitted as is,
// truncated to whole sample frames.
func (s *PCMSource) Frames(ctx context.Context) (<-chan AudioFrame, <-chan error) {
	sink := newFrameSink()
	go func() {
		sink.close(s.run(ctx, sink))
	}()
	return sink.frames, sink.errs
}

func (s *PCMSource) run(ctx context.Context, sink *frameSink) error {
	if err := s.Fmt.Validate(); err != nil {
		return err
	}
	dur := s.FrameDuration
	if dur <= 0 {
		dur = defaultFrameDuration
	}
	size := s.Fmt.FrameBytes(dur)
	if size == 0 {
		return fmt.Errorf("audio: frame duration %s too short for %s", dur, s.Fmt)
	}

	r, err := s.Open()
	if err != nil {
		return fmt.Errorf("audio: open pcm source: %w", err)
	}
	defer r.Close()
	// Unblock a pending read on a live device when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	align := s.Fmt.Channels * bytesPerSample
	var ts time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		n -= n % align
		if n > 0 {
			f := AudioFrame{Data: buf[:n], SampleRate: s.Fmt.SampleRate, Channels: s.Fmt.Channels, Timestamp: ts}
			if !sink.send(ctx, f) {
				return nil
			}
			ts += s.Fmt.Duration(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("audio: read pcm source: %w", err)
		}
	}
}
