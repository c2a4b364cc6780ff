package audio

import (
	"context"
	"time"
)

// defaultFrameDuration is the frame length used when a source does not set one.
const defaultFrameDuration = 20 * time.Millisecond

// Source produces a finite or live sequence of audio frames.
//
// Frames is lazy: nothing is opened or read until it is called, and every
// call restarts the sequence from the beginning. The frame channel is closed
// when the source ends (end of file, device closed) or ctx is cancelled. The
// error channel receives at most one value, a read failure, and is closed
// after the frame channel. Callers that stop reading early must cancel ctx
// or [Drain] the frame channel.
type Source interface {
	Frames(ctx context.Context) (<-chan AudioFrame, <-chan error)

	// Format is the format of every frame the source yields.
	Format() Format
}

// frameSink is the shared producer side used by the sources in this package.
type frameSink struct {
	frames chan AudioFrame
	errs   chan error
}

func newFrameSink() *frameSink {
	return &frameSink{
		frames: make(chan AudioFrame, 8),
		errs:   make(chan error, 1),
	}
}

// send delivers f unless ctx is done first.
func (s *frameSink) send(ctx context.Context, f AudioFrame) bool {
	select {
	case s.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// close reports err (if any) and closes both channels.
func (s *frameSink) close(err error) {
	close(s.frames)
	if err != nil {
		s.errs <- err
	}
	close(s.errs)
}
