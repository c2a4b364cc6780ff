package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/pkg/protocol"
)

var testHello = protocol.SessionConfig{
	SessionID:       "sess-1",
	SourceLanguage:  "en-US",
	TargetLanguages: []string{"de"},
	Codec:           "pcm",
	SampleRate:      16000,
	Channels:        1,
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 5 * time.Millisecond
	}
	opts.Metrics = testMetrics(t)
	return NewClient(opts)
}

// fakeService is a WebSocket server speaking the framed protocol. handle is
// called once per accepted connection, n counting from 1.
type fakeService struct {
	srv   *httptest.Server
	conns atomic.Int32
}

func newFakeService(t *testing.T, handle func(n int, ws *websocket.Conn, nc net.Conn)) *fakeService {
	t.Helper()
	fs := &fakeService{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(fs.conns.Add(1))
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		handle(n, ws, websocket.NetConn(r.Context(), ws, websocket.MessageBinary))
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeService) url() string { return wsURL(fs.srv) }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readUntil reads frames until one of kind k arrives.
func readUntil(nc net.Conn, k protocol.Kind) ([]protocol.Packet, error) {
	var got []protocol.Packet
	for {
		p, err := protocol.ReadFrame(nc)
		if err != nil {
			return got, err
		}
		got = append(got, p)
		if p.Kind() == k {
			return got, nil
		}
	}
}

func TestConnect_RoundTrip(t *testing.T) {
	t.Parallel()
	received := make(chan []protocol.Packet, 1)
	header := make(chan http.Header, 1)

	fs := &fakeService{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header <- r.Header.Clone()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		nc := websocket.NetConn(r.Context(), ws, websocket.MessageBinary)

		got, err := readUntil(nc, protocol.KindAudioData)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		_ = protocol.WriteFrame(nc, protocol.PartialResult{Text: "hel"})
		rest, err := readUntil(nc, protocol.KindEndOfAudio)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		received <- append(got, rest...)
		_ = protocol.WriteFrame(nc, protocol.FinalResult{Text: "hello", Reason: protocol.ReasonTranslatedSpeech})
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(fs.srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := testClient(t, Options{})
	s, err := c.Connect(ctx, Endpoint{URL: fs.url()}, Credentials{Key: "k1", Token: "t1"}, testHello)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SendAudio(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	p, err := s.ReceivePacket(ctx)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if pr, ok := p.(protocol.PartialResult); !ok || pr.Text != "hel" {
		t.Errorf("first packet = %#v, want PartialResult hel", p)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p, err = s.ReceivePacket(ctx)
	if err != nil {
		t.Fatalf("ReceivePacket after Close: %v", err)
	}
	if fr, ok := p.(protocol.FinalResult); !ok || fr.Text != "hello" {
		t.Errorf("packet after close = %#v, want FinalResult hello", p)
	}
	if _, err := s.ReceivePacket(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("ReceivePacket at end: err = %v, want io.EOF", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.SendAudio(ctx, []byte{0}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrClosed", err)
	}

	h := <-header
	if got := h.Get("Ocp-Apim-Subscription-Key"); got != "k1" {
		t.Errorf("key header = %q, want k1", got)
	}
	if got := h.Get("Authorization"); got != "Bearer t1" {
		t.Errorf("authorization header = %q, want Bearer t1", got)
	}

	got := <-received
	wantKinds := []protocol.Kind{protocol.KindSessionConfig, protocol.KindAudioData, protocol.KindEndOfAudio}
	if len(got) != len(wantKinds) {
		t.Fatalf("server received %d packets, want %d", len(got), len(wantKinds))
	}
	for i, k := range wantKinds {
		if got[i].Kind() != k {
			t.Errorf("packet %d kind = %s, want %s", i, got[i].Kind(), k)
		}
	}
	if hello := got[0].(protocol.SessionConfig); hello.SessionID != "sess-1" {
		t.Errorf("hello session = %q", hello.SessionID)
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := testClient(t, Options{MaxAttempts: 3})
	_, err := c.Connect(context.Background(), Endpoint{URL: wsURL(srv)}, Credentials{Key: "nope"}, testHello)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("requests = %d, want 1 (auth failures are not retried)", n)
	}
}

func TestConnect_NetworkUnavailable(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := testClient(t, Options{MaxAttempts: 3})
	_, err := c.Connect(context.Background(), Endpoint{URL: wsURL(srv)}, Credentials{}, testHello)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestConnect_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := testClient(t, Options{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	_, err := c.Connect(ctx, Endpoint{URL: wsURL(srv)}, Credentials{}, testHello)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestConnect_FallsBackToSecondary(t *testing.T) {
	t.Parallel()
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(primary.Close)

	secondary := newFakeService(t, func(_ int, ws *websocket.Conn, nc net.Conn) {
		if _, err := readUntil(nc, protocol.KindEndOfAudio); err != nil {
			return
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := testClient(t, Options{MaxAttempts: 1})
	s, err := c.Connect(ctx, Endpoint{URL: wsURL(primary), Fallbacks: []string{secondary.url()}}, Credentials{}, testHello)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.(*Conn).Endpoint(); got != secondary.url() {
		t.Errorf("Endpoint() = %q, want secondary %q", got, secondary.url())
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestConn_ReconnectsAndResendsHello(t *testing.T) {
	t.Parallel()
	hellos := make(chan protocol.SessionConfig, 2)
	secondReady := make(chan struct{})
	audio := make(chan []byte, 1)

	fs := newFakeService(t, func(n int, ws *websocket.Conn, nc net.Conn) {
		p, err := protocol.ReadFrame(nc)
		if err != nil {
			t.Errorf("conn %d: read hello: %v", n, err)
			return
		}
		hello, ok := p.(protocol.SessionConfig)
		if !ok {
			t.Errorf("conn %d: first packet = %s, want SessionConfig", n, p.Kind())
			return
		}
		hellos <- hello
		if n == 1 {
			// Drop the connection without a close handshake.
			_ = ws.CloseNow()
			return
		}
		close(secondReady)
		got, err := readUntil(nc, protocol.KindEndOfAudio)
		if err != nil {
			t.Errorf("conn 2: read: %v", err)
			return
		}
		if a, ok := got[0].(protocol.AudioData); ok {
			audio <- a.Audio
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := testClient(t, Options{})
	s, err := c.Connect(ctx, Endpoint{URL: fs.url()}, Credentials{}, testHello)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-secondReady:
	case <-ctx.Done():
		t.Fatal("client did not reconnect")
	}
	if err := s.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < 2; i++ {
		if h := <-hellos; h.SessionID != testHello.SessionID {
			t.Errorf("hello %d session = %q", i+1, h.SessionID)
		}
	}
	if got := <-audio; len(got) != 2 || got[0] != 9 {
		t.Errorf("audio on reconnected stream = %v", got)
	}
	if n := fs.conns.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestConn_CloseTimesOut(t *testing.T) {
	t.Parallel()
	fs := newFakeService(t, func(_ int, _ *websocket.Conn, nc net.Conn) {
		// Never end the stream.
		_, _ = io.Copy(io.Discard, nc)
	})

	c := testClient(t, Options{})
	s, err := c.Connect(context.Background(), Endpoint{URL: fs.url()}, Credentials{}, testHello)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want context.DeadlineExceeded", err)
	}
	_, err = s.ReceivePacket(context.Background())
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("ReceivePacket after forced close: err = %v, want a non-EOF error", err)
	}
}

func TestConn_SendBusyAndInvalid(t *testing.T) {
	t.Parallel()
	c := testClient(t, Options{QueueSize: 1, SendTimeout: 10 * time.Millisecond})
	// Not started: nothing drains the queue.
	conn := newConn(c, nil, Credentials{}, testHello)
	ctx := context.Background()

	if err := conn.SendAudio(ctx, []byte{1}); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	if err := conn.SendAudio(ctx, []byte{2}); !errors.Is(err, ErrBusy) {
		t.Errorf("second SendAudio: err = %v, want ErrBusy", err)
	}
	if err := conn.Send(ctx, protocol.FinalResult{}); err == nil {
		t.Error("Send(FinalResult) should be rejected")
	}
	if err := conn.Send(ctx, protocol.EndOfAudio{}); err == nil {
		t.Error("Send(EndOfAudio) should be rejected")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	c2 := testClient(t, Options{QueueSize: 1})
	conn2 := newConn(c2, nil, Credentials{}, testHello)
	_ = conn2.SendAudio(ctx, []byte{1})
	if err := conn2.SendAudio(canceled, []byte{2}); !errors.Is(err, context.Canceled) {
		t.Errorf("SendAudio with canceled ctx: err = %v, want context.Canceled", err)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := newBackoff(10*time.Millisecond, 40*time.Millisecond)
	want := []time.Duration{10, 20, 40, 40, 40}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("Next() #%d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

func TestCredentials_Header(t *testing.T) {
	t.Parallel()
	h := Credentials{}.Header()
	if len(h) != 0 {
		t.Errorf("empty credentials produced headers %v", h)
	}
	h = Credentials{Token: "abc"}.Header()
	if h.Get("Authorization") != "Bearer abc" || h.Get("Ocp-Apim-Subscription-Key") != "" {
		t.Errorf("token-only headers = %v", h)
	}
}

func TestEndpoint_URLs(t *testing.T) {
	t.Parallel()
	ep := Endpoint{URL: "wss://a", Fallbacks: []string{"wss://b", "wss://c"}}
	got := ep.URLs()
	if strings.Join(got, ",") != "wss://a,wss://b,wss://c" {
		t.Errorf("URLs() = %v", got)
	}
}
