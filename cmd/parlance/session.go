package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/parlance/internal/session"
	"github.com/MrWong99/parlance/pkg/audio"
)

// runSession starts a session on eng, streams src into it and stops it when
// a line is read from sio.in, when ctx is done, or, with stopAfterAudio, once
// src is exhausted. It returns nil for a clean stop and the cause otherwise.
func runSession(ctx context.Context, eng *session.Engine, cfg session.Config, src audio.Source, sio sessionIO) error {
	if err := eng.Start(ctx, cfg); err != nil {
		return err
	}
	done := eng.Done()
	fmt.Fprintln(sio.out, "Say something...")

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	streamed := make(chan error, 1)
	go func() { streamed <- eng.Stream(streamCtx, src) }()

	enter := waitForLine(sio.in)
	fmt.Fprintln(sio.out, "Press Enter to stop")

	var streamErr error
	for stop := false; !stop; {
		select {
		case <-enter:
			stop = true
		case <-ctx.Done():
			stop = true
		case <-done:
			// Canceled, or the service ended the stream.
			return eng.Result()
		case err := <-streamed:
			streamed = nil
			switch {
			case err != nil:
				slog.Warn("audio stream ended", "err", err)
				streamErr = err
				stop = true
			case sio.stopAfterAudio:
				stop = true
			}
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	stopErr := eng.Stop(sctx)
	cancelStream()
	if streamed != nil {
		<-streamed
	}

	if res := eng.Result(); res != nil {
		return res
	}
	if stopErr != nil && session.CodeOf(stopErr) != session.CodeSessionClosed {
		return stopErr
	}
	return streamErr
}

// waitForLine returns a channel that is closed once a full line has been
// read from r. End of input never closes it.
func waitForLine(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(ch)
		}
	}()
	return ch
}
