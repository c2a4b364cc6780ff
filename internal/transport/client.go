package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/resilience"
	"github.com/MrWong99/parlance/pkg/protocol"
)

// defaultQueueSize is the outbound queue depth.
const defaultQueueSize = 64

// Options configures a [Client]. Zero values select defaults.
type Options struct {
	// MaxAttempts is the number of dial rounds over all endpoints before
	// giving up with ErrNetworkUnavailable. Default: 5.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed round; it doubles
	// each round up to MaxBackoff. Defaults: 500ms and 10s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// QueueSize is the outbound queue depth. Default: 64.
	QueueSize int

	// SendTimeout bounds how long Send waits on a full queue before
	// returning ErrBusy. Zero waits until ctx is done.
	SendTimeout time.Duration

	// Breaker configures the circuit breaker kept per endpoint URL.
	Breaker resilience.CircuitBreakerConfig

	// HTTPClient is used for the WebSocket handshake. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Metrics records packet and reconnect counters. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Client dials service endpoints. It is safe for concurrent use.
type Client struct {
	opts Options
}

var _ Dialer = (*Client)(nil)

// NewClient returns a Client with opts applied over the defaults.
func NewClient(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Client{opts: opts}
}

// Connect dials ep and returns a stream that announces the session with
// hello before any other packet. Rejected credentials fail immediately with
// ErrAuthFailed; any other failure is retried with backoff, trying the
// endpoint's URLs in order, until MaxAttempts rounds have failed.
func (c *Client) Connect(ctx context.Context, ep Endpoint, creds Credentials, hello protocol.SessionConfig) (Stream, error) {
	if ep.URL == "" {
		return nil, errors.New("transport: connect: empty endpoint URL")
	}
	start := time.Now()
	ctx, span, log := observe.StartSessionSpan(ctx, "transport.connect", hello.SessionID,
		attribute.String("endpoint", ep.URL),
	)
	var err error
	defer func() { observe.EndSpan(span, err) }()

	group := c.newGroup(ep)
	ws, url, err := c.dial(ctx, log, group, creds)
	if err != nil {
		return nil, err
	}
	c.opts.Metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	conn := newConn(c, group, creds, hello)
	conn.start(ctx, ws, url)
	return conn, nil
}

func (c *Client) newGroup(ep Endpoint) *resilience.FallbackGroup[string] {
	urls := ep.URLs()
	group := resilience.NewFallbackGroup(urls[0], urls[0], resilience.FallbackConfig{CircuitBreaker: c.opts.Breaker})
	for _, u := range urls[1:] {
		group.AddFallback(u, u)
	}
	return group
}

// dial runs up to MaxAttempts rounds over the endpoint group.
func (c *Client) dial(ctx context.Context, log *slog.Logger, group *resilience.FallbackGroup[string], creds Credentials) (*websocket.Conn, string, error) {
	type dialed struct {
		ws  *websocket.Conn
		url string
	}
	bo := newBackoff(c.opts.InitialBackoff, c.opts.MaxBackoff)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		d, err := resilience.ExecuteWithResult(ctx, group, func(ctx context.Context, url string) (dialed, error) {
			ws, err := c.dialOnce(ctx, url, creds)
			return dialed{ws, url}, err
		})
		if err == nil {
			log.Info("transport connected", "endpoint", d.url, "attempt", attempt)
			return d.ws, d.url, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		lastErr = err
		if attempt == c.opts.MaxAttempts {
			break
		}
		wait := bo.Next()
		log.Warn("transport connect failed, retrying", "attempt", attempt, "backoff", wait, "err", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%w: after %d attempts: %w", ErrNetworkUnavailable, c.opts.MaxAttempts, lastErr)
}

// dialOnce performs a single WebSocket handshake. Credential rejections are
// marked permanent so failover stops at them.
func (c *Client) dialOnce(ctx context.Context, url string, creds Credentials) (*websocket.Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: creds.Header(),
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, resilience.Permanent(fmt.Errorf("%w: %s: HTTP %d", ErrAuthFailed, url, resp.StatusCode))
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(protocol.MaxFrameSize + 64)
	return ws, nil
}
