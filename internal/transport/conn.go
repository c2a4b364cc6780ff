package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/resilience"
	"github.com/MrWong99/parlance/pkg/protocol"
)

// inboundBuffer is the number of decoded packets held for ReceivePacket.
const inboundBuffer = 64

// errStreamEnded is returned by the reader when the service closed the
// stream normally.
var errStreamEnded = errors.New("transport: stream ended")

// Conn is a [Stream] over one logical session. The underlying socket may be
// replaced by reconnects; the packet order seen by the caller is preserved
// except for packets lost in flight when a socket breaks.
//
// All methods are safe for concurrent use.
type Conn struct {
	client  *Client
	group   *resilience.FallbackGroup[string]
	creds   Credentials
	hello   protocol.SessionConfig
	metrics *observe.Metrics
	log     *slog.Logger

	// ctx bounds the whole connection including reconnects.
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan protocol.Packet
	inbound  chan protocol.Packet
	done     chan struct{}
	err      error // terminal receive error; valid once inbound is closed

	sendMu    sync.RWMutex
	closing   bool
	closingCh chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	url string

	// retry is a packet whose write failed; it is sent first after a
	// reconnect. Owned by the supervisor goroutine.
	retry protocol.Packet
}

var _ Stream = (*Conn)(nil)

func newConn(c *Client, group *resilience.FallbackGroup[string], creds Credentials, hello protocol.SessionConfig) *Conn {
	return &Conn{
		client:    c,
		group:     group,
		creds:     creds,
		hello:     hello,
		metrics:   c.opts.Metrics,
		log:       slog.Default().With("session_id", hello.SessionID),
		outbound:  make(chan protocol.Packet, c.opts.QueueSize),
		inbound:   make(chan protocol.Packet, inboundBuffer),
		done:      make(chan struct{}),
		closingCh: make(chan struct{}),
	}
}

func (c *Conn) start(ctx context.Context, ws *websocket.Conn, url string) {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	go c.run(ws, url)
}

// Endpoint returns the URL of the socket currently in use.
func (c *Conn) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// run serves sockets until the stream ends, reconnecting in between.
func (c *Conn) run(ws *websocket.Conn, url string) {
	defer close(c.done)
	defer close(c.inbound)
	defer c.cancel()

	for {
		err := c.serve(ws, url)
		if err == nil {
			c.log.Debug("transport stream ended", "endpoint", url)
			c.err = io.EOF
			return
		}
		if c.isClosing() || c.ctx.Err() != nil {
			c.err = fmt.Errorf("transport: stream ended while closing: %w", err)
			return
		}

		c.log.Warn("transport stream broken, reconnecting", "endpoint", url, "err", err)
		c.metrics.RecordReconnect(c.ctx, url)
		ws, url, err = c.client.dial(c.ctx, c.log, c.group, c.creds)
		if err != nil {
			c.log.Error("transport reconnect failed", "err", err)
			c.err = err
			return
		}
	}
}

// serve pumps packets over one socket. It returns nil when the service
// closed the stream normally.
func (c *Conn) serve(ws *websocket.Conn, url string) error {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	defer ws.CloseNow()

	g, gctx := errgroup.WithContext(c.ctx)
	nc := websocket.NetConn(gctx, ws, websocket.MessageBinary)

	g.Go(func() error {
		for {
			p, err := protocol.ReadFrame(nc)
			if err != nil {
				// A bare io.EOF is a close handshake; a dropped socket
				// surfaces as a wrapped EOF.
				if err == io.EOF { //nolint:errorlint
					return errStreamEnded
				}
				return fmt.Errorf("transport: read: %w", err)
			}
			c.metrics.RecordPacketIn(gctx, p.Kind().String())
			if p.Kind().Outbound() {
				c.log.Debug("dropping client-bound packet of outbound kind", "kind", p.Kind().String())
				continue
			}
			select {
			case c.inbound <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		if err := c.write(gctx, nc, c.hello); err != nil {
			return err
		}
		for {
			p := c.retry
			if p == nil {
				select {
				case p = <-c.outbound:
				case <-gctx.Done():
					return nil
				}
			}
			if err := c.write(gctx, nc, p); err != nil {
				c.retry = p
				return err
			}
			c.retry = nil
			if p.Kind() == protocol.KindEndOfAudio {
				// Nothing may follow EndOfAudio; wait for the service to
				// end the stream.
				<-gctx.Done()
				return nil
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStreamEnded) {
		return nil
	}
	return err
}

func (c *Conn) write(ctx context.Context, w io.Writer, p protocol.Packet) error {
	if err := protocol.WriteFrame(w, p); err != nil {
		return fmt.Errorf("transport: write %s: %w", p.Kind(), err)
	}
	c.metrics.RecordPacketOut(ctx, p.Kind().String())
	return nil
}

func (c *Conn) isClosing() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closing
}

// Send implements [Stream]. Only outbound packet kinds are accepted.
// EndOfAudio is reserved for Close.
func (c *Conn) Send(ctx context.Context, p protocol.Packet) error {
	if p == nil || !p.Kind().Outbound() || p.Kind() == protocol.KindEndOfAudio {
		return fmt.Errorf("transport: send: invalid packet %T", p)
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closing {
		return ErrClosed
	}

	var busy <-chan time.Time
	if d := c.client.opts.SendTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		busy = t.C
	}

	select {
	case c.outbound <- p:
		return nil
	case <-busy:
		return ErrBusy
	case <-c.closingCh:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio implements [Stream].
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	if err := c.Send(ctx, protocol.AudioData{Audio: chunk}); err != nil {
		return err
	}
	c.metrics.AudioBytesSent.Add(ctx, int64(len(chunk)))
	return nil
}

// ReceivePacket implements [Stream]. After the stream has ended it keeps
// returning the terminal error: io.EOF for a normal end.
func (c *Conn) ReceivePacket(ctx context.Context) (protocol.Packet, error) {
	select {
	case p, ok := <-c.inbound:
		if !ok {
			return nil, c.err
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [Stream]. It runs once; later calls return the result of
// the first. Packets already queued are sent before EndOfAudio; Send calls
// blocked on a full queue fail with ErrClosed. Inbound packets keep flowing
// to ReceivePacket until the service ends the stream, so callers must keep
// receiving while Close is in progress.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Conn) close(ctx context.Context) error {
	close(c.closingCh)
	c.sendMu.Lock()
	c.closing = true
	c.sendMu.Unlock()

	select {
	case c.outbound <- protocol.EndOfAudio{}:
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return fmt.Errorf("transport: close: %w", ctx.Err())
	}

	select {
	case <-c.done:
		if errors.Is(c.err, io.EOF) {
			return nil
		}
		return c.err
	case <-ctx.Done():
		c.log.Warn("transport close timed out waiting for the service", "endpoint", c.Endpoint())
		c.cancel()
		<-c.done
		return fmt.Errorf("transport: close: %w", ctx.Err())
	}
}
