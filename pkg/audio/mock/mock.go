// Package mock provides an in-memory [audio.Source] for unit tests.
//
// Source is safe for concurrent use. It records every Frames call and
// replays a fixed list of frames, optionally followed by an error.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Fmt:       audio.Format{SampleRate: 16000, Channels: 1},
//	    FrameList: mock.Silence(16000, 1, 20*time.Millisecond, 5),
//	}
//	frames, errs := src.Frames(ctx)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Fmt is returned by Format.
	Fmt audio.Format

	// FrameList is replayed in order by every Frames call.
	FrameList []audio.AudioFrame

	// Err, when non-nil, is reported after the last frame.
	Err error

	// Gate, when non-nil, is received from before each frame is sent, letting
	// the test pace the source.
	Gate <-chan struct{}

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.Fmt }

// Frames implements [audio.Source].
func (s *Source) Frames(ctx context.Context) (<-chan audio.AudioFrame, <-chan error) {
	s.mu.Lock()
	s.CallCountFrames++
	frames := append([]audio.AudioFrame(nil), s.FrameList...)
	gate, srcErr := s.Gate, s.Err
	s.mu.Unlock()

	out := make(chan audio.AudioFrame)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, f := range frames {
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if srcErr != nil {
			errs <- srcErr
		}
	}()
	return out, errs
}

// Silence returns n zero-filled frames of the given format and duration.
func Silence(sampleRate, channels int, d time.Duration, n int) []audio.AudioFrame {
	f := audio.Format{SampleRate: sampleRate, Channels: channels}
	size := f.FrameBytes(d)
	frames := make([]audio.AudioFrame, n)
	for i := range frames {
		frames[i] = audio.AudioFrame{
			Data:       make([]byte, size),
			SampleRate: sampleRate,
			Channels:   channels,
			Timestamp:  time.Duration(i) * d,
		}
	}
	return frames
}
