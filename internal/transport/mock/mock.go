// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Stream] for unit tests.
//
// Both types are safe for concurrent use and record every call. A test feeds
// inbound packets with [Stream.Push] and ends the stream with [Stream.End];
// by default Close ends the stream with io.EOF, as a service does once it has
// flushed its results.
//
// Typical usage:
//
//	s := mock.NewStream()
//	d := &mock.Dialer{Stream: s}
//	// ... start a session with d ...
//	s.Push(protocol.FinalResult{Text: "hi", Reason: protocol.ReasonTranslatedSpeech})
//	s.End(io.EOF)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/parlance/internal/transport"
	"github.com/MrWong99/parlance/pkg/protocol"
)

// ConnectCall records the arguments of a single Connect invocation.
type ConnectCall struct {
	Endpoint    transport.Endpoint
	Credentials transport.Credentials
	Hello       protocol.SessionConfig
}

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Stream is returned by Connect when ConnectErr is nil.
	Stream *Stream

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// Gate, when non-nil, is received from before Connect returns, letting
	// the test hold a session in its connecting state. Connect honours ctx
	// while waiting.
	Gate <-chan struct{}

	// ConnectCalls records every Connect invocation.
	ConnectCalls []ConnectCall
}

var _ transport.Dialer = (*Dialer)(nil)

// Connect implements [transport.Dialer].
func (d *Dialer) Connect(ctx context.Context, ep transport.Endpoint, creds transport.Credentials, hello protocol.SessionConfig) (transport.Stream, error) {
	d.mu.Lock()
	d.ConnectCalls = append(d.ConnectCalls, ConnectCall{Endpoint: ep, Credentials: creds, Hello: hello})
	gate, s, err := d.Gate, d.Stream, d.ConnectErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = NewStream()
	}
	_ = s.Send(ctx, hello)
	return s, nil
}

// Calls returns a copy of the recorded Connect calls.
func (d *Dialer) Calls() []ConnectCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ConnectCall(nil), d.ConnectCalls...)
}

// Stream is a mock implementation of [transport.Stream].
type Stream struct {
	inbound chan protocol.Packet
	ended   chan struct{}

	mu       sync.Mutex
	endErr   error
	endOnce  sync.Once
	sent     []protocol.Packet
	closes   int
	sendErr  error
	closeErr error
	holdOpen bool
}

var _ transport.Stream = (*Stream)(nil)

// NewStream returns an open Stream with room for 64 pending inbound packets.
func NewStream() *Stream {
	return &Stream{
		inbound: make(chan protocol.Packet, 64),
		ended:   make(chan struct{}),
	}
}

// SetSendErr makes every following Send and SendAudio call fail with err.
func (s *Stream) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetCloseErr makes Close return err.
func (s *Stream) SetCloseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// HoldOpen stops Close from ending the stream; the test must call End.
func (s *Stream) HoldOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdOpen = true
}

// Push queues an inbound packet for ReceivePacket.
func (s *Stream) Push(p protocol.Packet) {
	s.inbound <- p
}

// End makes ReceivePacket return err once the pending packets are drained.
// Only the first call has an effect.
func (s *Stream) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.endErr = err
		s.mu.Unlock()
		close(s.ended)
	})
}

// Sent returns a copy of every packet passed to Send or SendAudio, hello
// included.
func (s *Stream) Sent() []protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Packet(nil), s.sent...)
}

// Audio returns the payloads of the AudioData packets sent so far.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, p := range s.sent {
		if a, ok := p.(protocol.AudioData); ok {
			out = append(out, a.Audio)
		}
	}
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Send implements [transport.Stream].
func (s *Stream) Send(_ context.Context, p protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, p)
	return nil
}

// SendAudio implements [transport.Stream].
func (s *Stream) SendAudio(ctx context.Context, chunk []byte) error {
	return s.Send(ctx, protocol.AudioData{Audio: append([]byte(nil), chunk...)})
}

// ReceivePacket implements [transport.Stream]. Pending packets are always
// returned before the end error.
func (s *Stream) ReceivePacket(ctx context.Context) (protocol.Packet, error) {
	select {
	case p := <-s.inbound:
		return p, nil
	default:
	}
	select {
	case p := <-s.inbound:
		return p, nil
	case <-s.ended:
		select {
		case p := <-s.inbound:
			return p, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.endErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [transport.Stream]. It records an EndOfAudio packet and,
// unless HoldOpen was called, ends the stream with io.EOF.
func (s *Stream) Close(context.Context) error {
	s.mu.Lock()
	s.closes++
	s.sent = append(s.sent, protocol.EndOfAudio{})
	hold, err := s.holdOpen, s.closeErr
	s.mu.Unlock()
	if !hold {
		s.End(io.EOF)
	}
	return err
}
