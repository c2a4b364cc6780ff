// Package transport carries protocol packets between the session engine and
// the remote speech-translation service over a WebSocket.
//
// The WebSocket is used as a plain binary byte stream: packets are written
// as length-prefixed frames (see package protocol) and may span or share
// WebSocket messages. [Client.Connect] dials the primary endpoint or one of
// its fallbacks, retrying with exponential backoff, and announces the session
// with a hello packet. The returned [Conn] queues outbound packets, decodes
// inbound ones, and transparently reconnects when the stream breaks.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/parlance/pkg/protocol"
)

var (
	// ErrAuthFailed is returned when the service rejects the credentials.
	// It is never retried.
	ErrAuthFailed = errors.New("transport: authentication failed")

	// ErrNetworkUnavailable is returned once every endpoint and retry has
	// been exhausted.
	ErrNetworkUnavailable = errors.New("transport: network unavailable")

	// ErrBusy is returned by Send when the outbound queue stays full for
	// longer than the configured send timeout.
	ErrBusy = errors.New("transport: outbound queue full")

	// ErrClosed is returned when sending on a connection that is closing or
	// has terminated.
	ErrClosed = errors.New("transport: connection closed")
)

// Endpoint names the service URL to dial and the URLs to fall back to, in
// order, when it is unreachable.
type Endpoint struct {
	URL       string
	Fallbacks []string
}

// URLs returns the primary URL followed by the fallbacks.
func (e Endpoint) URLs() []string {
	return append([]string{e.URL}, e.Fallbacks...)
}

// Credentials authenticate the client. Key is a subscription key; Token is a
// bearer token. When both are set, both headers are sent.
type Credentials struct {
	Key   string
	Token string
}

// Header returns the HTTP headers that carry the credentials.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	if c.Key != "" {
		h.Set("Ocp-Apim-Subscription-Key", c.Key)
	}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// Stream is an open, bidirectional packet stream to the service.
type Stream interface {
	// Send enqueues p for transmission. It blocks while the outbound queue
	// is full.
	Send(ctx context.Context, p protocol.Packet) error

	// SendAudio enqueues an AudioData packet carrying chunk.
	SendAudio(ctx context.Context, chunk []byte) error

	// ReceivePacket returns the next inbound packet. It returns io.EOF when
	// the service ended the stream normally.
	ReceivePacket(ctx context.Context) (protocol.Packet, error)

	// Close flushes queued packets, sends EndOfAudio, waits for the service
	// to end the stream (bounded by ctx) and releases the connection.
	Close(ctx context.Context) error
}

// Dialer opens streams. hello is sent as the first packet on the stream and
// again after every reconnect.
type Dialer interface {
	Connect(ctx context.Context, ep Endpoint, creds Credentials, hello protocol.SessionConfig) (Stream, error)
}
