// Package session implements the streaming speech-translation session
// engine: the state machine that owns one recognition session at a time,
// correlates inbound results and synthesized audio with utterances, and
// emits typed events through a [dispatch.Dispatcher].
//
// Lifecycle:
//
//	Idle → Connecting → Listening → Stopping → Stopped
//	         └────────────┴───────────┴──────→ Canceled
//
// All state is guarded by one mutex that is also held while the event
// derived from a mutation is emitted, so observers see events in exactly the
// order the mutations happened. Observers must therefore not call back into
// the Engine from OnEvent; the dispatcher's delivery timeout bounds the
// damage if one does.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parlance/internal/dispatch"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/transport"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/events"
	"github.com/MrWong99/parlance/pkg/protocol"
)

// releaseTimeout bounds closing the transport of a canceled session.
const releaseTimeout = 5 * time.Second

// Session is a snapshot of the engine's current session.
type Session struct {
	ID              string
	SourceLanguage  string
	TargetLanguages []string
	VoiceName       string
	State           State
}

// synthesis tracks the synthesized audio stream of the last finalized
// utterance.
type synthesis int

const (
	synthNone synthesis = iota
	synthOpen
	synthDone
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithDispatcher sets the dispatcher events are emitted through. By default
// the Engine creates its own.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatch = d
	}
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how session IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// Engine runs one speech-translation session at a time over a
// [transport.Dialer]. A stopped or canceled Engine can be started again.
// All methods are safe for concurrent use.
type Engine struct {
	dialer   transport.Dialer
	dispatch *dispatch.Dispatcher
	metrics  *observe.Metrics
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	state State
	sess  Session
	cfg   Config

	// ctx lives as long as the session; cancel runs when it terminates.
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	log    *slog.Logger

	stream    transport.Stream
	connected chan struct{} // closed once the connect attempt concluded
	received  chan struct{} // closed when the receive loop exits
	done      chan struct{} // closed on the terminal event
	result    error

	seq       uint64
	nextUtt   uint64
	active    *events.Utterance
	lastFinal uint64
	synth     synthesis
	agg       *Aggregator

	encoder *audio.FrameEncoder

	// encMu serializes encoding and sending so that Stop's flush follows
	// the last packet of a running Stream. It is never acquired while mu
	// is held.
	encMu sync.Mutex
}

// New returns an idle Engine that connects through dialer.
func New(dialer transport.Dialer, opts ...Option) *Engine {
	e := &Engine{
		dialer: dialer,
		now:    time.Now,
		newID:  uuid.NewString,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatch == nil {
		e.dispatch = dispatch.New(dispatch.WithMetrics(e.metricsOrDefault()))
	}
	e.metrics = e.metricsOrDefault()
	return e
}

func (e *Engine) metricsOrDefault() *observe.Metrics {
	if e.metrics != nil {
		return e.metrics
	}
	return observe.DefaultMetrics()
}

// Subscribe registers an observer; see [dispatch.Dispatcher.Subscribe].
func (e *Engine) Subscribe(o events.Observer) (unsubscribe func(), err error) {
	return e.dispatch.Subscribe(o)
}

// Unsubscribe removes an observer; see [dispatch.Dispatcher.Unsubscribe].
func (e *Engine) Unsubscribe(o events.Observer) bool {
	return e.dispatch.Unsubscribe(o)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the ID of the current or last session, or "" before the
// first Start.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.ID
}

// Session returns a snapshot of the current or last session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	s.TargetLanguages = append([]string(nil), s.TargetLanguages...)
	s.State = e.state
	return s
}

// Done returns a channel closed when the current session has emitted its
// terminal event. Before the first Start it returns nil.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Result returns the error that canceled the last session, or nil when it
// was stopped cleanly or has not ended yet.
func (e *Engine) Result() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Start validates cfg and begins a new session. It returns once the session
// is Connecting; the connection is made in the background and reported by
// SessionStarted or Canceled. The session outlives ctx, which only supplies
// trace and logging context.
//
// Start fails with ConfigInvalid for a bad cfg and InvalidStateTransition
// while another session is active.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	codec, err := audio.NewCodec(cfg.Codec, cfg.Audio)
	if err != nil {
		return newError(CodeConfigInvalid, "codec", err)
	}
	enc, err := audio.NewFrameEncoder(codec, cfg.MaxPacketBytes)
	if err != nil {
		return newError(CodeConfigInvalid, "frame encoder", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.IsActive() {
		return newError(CodeInvalidStateTransition, fmt.Sprintf("start: session %s is %s", e.sess.ID, e.state), nil)
	}

	id := e.newID()
	e.sess = Session{
		ID:              id,
		SourceLanguage:  cfg.SourceLanguage,
		TargetLanguages: append([]string(nil), cfg.TargetLanguages...),
		VoiceName:       cfg.VoiceName,
	}
	e.cfg = cfg
	e.state = StateConnecting
	e.stream = nil
	e.connected = make(chan struct{})
	e.received = make(chan struct{})
	e.done = make(chan struct{})
	e.result = nil
	e.seq, e.nextUtt, e.lastFinal = 0, 0, 0
	e.active = nil
	e.synth = synthNone
	e.agg = NewAggregator(cfg.TargetLanguages)
	e.encoder = enc

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sessCtx, span, log := observe.StartSessionSpan(sessCtx, "session", id,
		attribute.String("source_language", cfg.SourceLanguage),
		attribute.StringSlice("target_languages", cfg.TargetLanguages),
	)
	e.ctx, e.cancel, e.span, e.log = sessCtx, cancel, span, log
	e.metrics.ActiveSessions.Add(sessCtx, 1)

	e.log.Info("session starting",
		"source_language", cfg.SourceLanguage,
		"target_languages", cfg.TargetLanguages,
		"endpoint", cfg.Endpoint.URL)

	hello := protocol.SessionConfig{
		SessionID:       id,
		SourceLanguage:  cfg.SourceLanguage,
		TargetLanguages: cfg.TargetLanguages,
		VoiceName:       cfg.VoiceName,
		Codec:           codec.Name(),
		SampleRate:      uint32(cfg.Audio.SampleRate),
		Channels:        uint32(cfg.Audio.Channels),
	}
	go e.connect(sessCtx, cfg, hello, e.connected)
	return nil
}

// connect dials the service and moves the session to Listening or Canceled.
func (e *Engine) connect(ctx context.Context, cfg Config, hello protocol.SessionConfig, connected chan struct{}) {
	stream, err := e.dialer.Connect(ctx, cfg.Endpoint, cfg.Credentials, hello)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(connected)

	if err != nil {
		code := classify(err)
		e.log.Error("session connect failed", "code", string(code), "err", err)
		e.cancelLocked(cancelReason(code), string(code), err.Error(), newError(code, "connect", err))
		return
	}

	e.stream = stream
	e.state = StateListening
	e.emitLocked(events.SessionStarted{
		Header:          e.headerLocked(),
		SourceLanguage:  e.sess.SourceLanguage,
		TargetLanguages: append([]string(nil), e.sess.TargetLanguages...),
		VoiceName:       e.sess.VoiceName,
	})
	e.log.Info("session started")
	go e.receive(ctx, stream, e.received)
}

// receive feeds inbound packets to the state machine until the stream ends.
func (e *Engine) receive(ctx context.Context, stream transport.Stream, received chan struct{}) {
	defer close(received)
	for {
		p, err := stream.ReceivePacket(ctx)
		if err != nil {
			e.streamEnded(err)
			return
		}
		e.OnInboundPacket(ctx, p)
	}
}

// streamEnded handles the end of the inbound stream. While Stopping, Stop
// finishes the session itself.
func (e *Engine) streamEnded(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateListening {
		return
	}
	if errors.Is(err, io.EOF) {
		e.log.Info("service ended the stream")
		e.releaseLocked()
		e.stopLocked()
		return
	}
	if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
		return
	}
	code := classify(err)
	e.log.Error("session stream failed", "code", string(code), "err", err)
	e.cancelLocked(cancelReason(code), string(code), err.Error(), newError(code, "stream", err))
}

// OnInboundPacket applies one inbound packet to the session. Packets are
// processed while Listening or Stopping and discarded in every other state.
func (e *Engine) OnInboundPacket(ctx context.Context, p protocol.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.acceptsPackets() {
		slog.Debug("discarding inbound packet", "session_id", e.sess.ID, "state", e.state.String(), "kind", kindOf(p))
		return
	}

	switch v := p.(type) {
	case protocol.PartialResult:
		e.onPartialLocked(v)
	case protocol.FinalResult:
		e.onFinalLocked(v)
	case protocol.SynthesisAudio:
		e.onSynthesisLocked(v)
	case protocol.ServiceError:
		e.log.Error("service reported an error", "code", v.Code, "detail", v.Detail)
		e.cancelLocked(events.CancelServiceError, v.Code, v.Detail,
			newError(CodeServiceError, fmt.Sprintf("%s: %s", v.Code, v.Detail), nil))
	default:
		e.log.Warn("ignoring unexpected inbound packet", "kind", kindOf(p))
	}
}

func (e *Engine) onPartialLocked(p protocol.PartialResult) {
	u := e.activeLocked(p.Offset)
	if p.Language != "" && !strings.EqualFold(p.Language, e.sess.SourceLanguage) && e.agg.IsTarget(p.Language) {
		e.agg.UpdateTranslations(u.ID, map[string]string{p.Language: p.Text})
	} else {
		u.Text = p.Text
	}
	e.agg.UpdateTranslations(u.ID, translationMap(p.Translations))
	if p.Duration > 0 {
		u.End = p.Offset + p.Duration
	}
	e.emitLocked(events.Recognizing{Header: e.headerLocked(), Utterance: e.snapshotLocked(u)})
}

func (e *Engine) onFinalLocked(p protocol.FinalResult) {
	u := e.activeLocked(p.Offset)
	e.active = nil
	u.Text = p.Text
	u.Final = true
	if p.Offset > 0 || p.Duration > 0 {
		u.Start = p.Offset
		u.End = p.Offset + p.Duration
	}
	e.agg.UpdateTranslations(u.ID, translationMap(p.Translations))

	if p.Reason != protocol.ReasonTranslatedSpeech {
		e.log.Debug("final result without translation", "utterance", u.ID, "reason", p.Reason.String())
		return
	}

	e.endSynthesisLocked()
	e.lastFinal = u.ID
	e.synth = synthNone
	e.emitLocked(events.Recognized{Header: e.headerLocked(), Utterance: e.snapshotLocked(u)})
}

func (e *Engine) onSynthesisLocked(p protocol.SynthesisAudio) {
	if e.lastFinal == 0 {
		e.log.Warn("dropping synthesized audio before any recognized utterance", "bytes", len(p.Audio))
		return
	}
	if len(p.Audio) == 0 {
		switch e.synth {
		case synthOpen:
			e.endSynthesisLocked()
		case synthNone:
			// Terminator without audio chunks still ends the stream.
			e.synth = synthDone
			e.emitLocked(events.Synthesizing{Header: e.headerLocked(), UtteranceID: e.lastFinal})
		}
		return
	}
	if e.synth == synthDone {
		e.log.Warn("dropping synthesized audio after end of synthesis", "utterance", e.lastFinal, "bytes", len(p.Audio))
		return
	}
	e.synth = synthOpen
	e.emitLocked(events.Synthesizing{
		Header:      e.headerLocked(),
		UtteranceID: e.lastFinal,
		Audio:       append([]byte(nil), p.Audio...),
	})
}

// endSynthesisLocked emits the terminator of an open synthesis stream.
func (e *Engine) endSynthesisLocked() {
	if e.synth != synthOpen {
		return
	}
	e.synth = synthDone
	e.emitLocked(events.Synthesizing{Header: e.headerLocked(), UtteranceID: e.lastFinal})
}

// activeLocked returns the active utterance, creating it when there is none.
func (e *Engine) activeLocked(offset time.Duration) *events.Utterance {
	if e.active == nil {
		e.nextUtt++
		e.active = &events.Utterance{ID: e.nextUtt, Start: offset, End: offset}
	}
	return e.active
}

func (e *Engine) snapshotLocked(u *events.Utterance) events.Utterance {
	s := *u
	s.Translations = e.agg.Snapshot(u.ID)
	return s
}

// Stop ends the session cleanly: queued audio is flushed, the service is
// told no more audio follows, remaining results are processed, and
// SessionStopped is emitted. ctx bounds the wait for the service.
//
// Stop fails with InvalidStateTransition before the first Start and with
// SessionClosed once the session is stopping or has ended. While Connecting
// it waits for the connection attempt to conclude first.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.awaitConnected(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return newError(CodeInvalidStateTransition, "stop: no session started", nil)
	case StateListening:
	default:
		state := e.state
		e.mu.Unlock()
		return newError(CodeSessionClosed, fmt.Sprintf("stop: session is %s", state), nil)
	}
	e.state = StateStopping
	stream, enc, received := e.stream, e.encoder, e.received
	e.log.Info("session stopping")
	e.mu.Unlock()

	var closeErr error
	if err := e.flush(ctx, stream, enc); err != nil {
		closeErr = err
	}
	if err := stream.Close(ctx); err != nil && closeErr == nil {
		closeErr = err
	}
	select {
	case <-received:
	case <-ctx.Done():
		if closeErr == nil {
			closeErr = ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopping {
		// A service error canceled the session while it was stopping.
		return e.result
	}
	if closeErr != nil {
		code := classify(closeErr)
		serr := newError(code, "stop", closeErr)
		e.cancelLocked(cancelReason(code), string(code), closeErr.Error(), serr)
		return serr
	}
	e.stopLocked()
	return nil
}

// stopLocked moves the session to Stopped and emits SessionStopped.
func (e *Engine) stopLocked() {
	e.endSynthesisLocked()
	e.state = StateStopped
	e.emitLocked(events.SessionStopped{Header: e.headerLocked()})
	e.log.Info("session stopped", "events", e.seq)
	e.finishLocked(nil)
}

// cancelLocked moves a non-terminal session to Canceled, emits Canceled and
// releases the transport in the background.
func (e *Engine) cancelLocked(reason events.CancelReason, code, detail string, err error) {
	if !e.state.IsActive() {
		return
	}
	e.endSynthesisLocked()
	e.state = StateCanceled
	e.emitLocked(events.Canceled{
		Header: e.headerLocked(),
		Reason: reason,
		Code:   code,
		Detail: detail,
	})
	e.log.Warn("session canceled", "reason", string(reason), "code", code, "detail", detail)

	e.releaseLocked()
	e.finishLocked(err)
}

// releaseLocked closes the transport in the background. Stop closes it
// itself; every other terminal path goes through here.
func (e *Engine) releaseLocked() {
	stream, log := e.stream, e.log
	if stream == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := stream.Close(ctx); err != nil {
			log.Debug("transport close on session end", "err", err)
		}
	}()
}

// finishLocked records the outcome and releases session resources.
func (e *Engine) finishLocked(result error) {
	e.result = result
	e.span.SetAttributes(attribute.Int64("events", int64(e.seq)))
	observe.EndSpan(e.span, result)
	e.metrics.ActiveSessions.Add(e.ctx, -1)
	close(e.done)
	e.cancel()
}

// awaitConnected blocks while the session is Connecting.
func (e *Engine) awaitConnected(ctx context.Context) error {
	e.mu.Lock()
	state, connected := e.state, e.connected
	e.mu.Unlock()
	if state != StateConnecting {
		return nil
	}
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio sends one encoded audio packet. It waits while the session is
// Connecting and fails with SessionClosed once the session is stopping or
// has ended.
func (e *Engine) SendAudio(ctx context.Context, chunk []byte) error {
	stream, _, err := e.listening(ctx, "send audio")
	if err != nil {
		return err
	}
	return e.send(ctx, stream, chunk)
}

// listening returns the stream and encoder of a Listening session.
func (e *Engine) listening(ctx context.Context, op string) (transport.Stream, *audio.FrameEncoder, error) {
	if err := e.awaitConnected(ctx); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateListening:
		return e.stream, e.encoder, nil
	case StateIdle:
		return nil, nil, newError(CodeInvalidStateTransition, op+": no session started", nil)
	default:
		return nil, nil, newError(CodeSessionClosed, fmt.Sprintf("%s: session is %s", op, e.state), nil)
	}
}

func (e *Engine) send(ctx context.Context, stream transport.Stream, chunk []byte) error {
	if err := stream.SendAudio(ctx, chunk); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return newError(CodeSessionClosed, "send audio", err)
		}
		return fmt.Errorf("session: send audio: %w", err)
	}
	return nil
}

// Stream reads src until it ends, encoding its frames and sending them to
// the service, then flushes the encoder. Frames in a format other than the
// session's are converted. Stream returns nil when src ends or the session
// is stopped, and the cancellation error when the session is canceled.
func (e *Engine) Stream(ctx context.Context, src audio.Source) error {
	stream, enc, err := e.listening(ctx, "stream")
	if err != nil {
		return err
	}
	e.mu.Lock()
	sessCtx, target := e.ctx, e.cfg.Audio
	e.mu.Unlock()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	var conv *audio.FormatConverter
	if src.Format() != target {
		conv = &audio.FormatConverter{Target: target}
	}

	frames, errs := src.Frames(ctx)
	defer func() {
		cancel()
		audio.Drain(frames)
	}()
	for f := range frames {
		if conv != nil {
			if f = conv.Convert(f); f.Data == nil {
				continue
			}
		}
		if err := e.encodeAndSend(ctx, stream, enc, f); err != nil {
			return e.streamResult(err)
		}
	}
	if err := <-errs; err != nil {
		return fmt.Errorf("session: audio source: %w", err)
	}
	if sessCtx.Err() != nil {
		return e.streamResult(nil)
	}
	if err := parent.Err(); err != nil {
		return err
	}
	if err := e.flush(ctx, stream, enc); err != nil {
		return e.streamResult(err)
	}
	return nil
}

func (e *Engine) encodeAndSend(ctx context.Context, stream transport.Stream, enc *audio.FrameEncoder, f audio.AudioFrame) error {
	e.encMu.Lock()
	defer e.encMu.Unlock()
	if e.State() != StateListening {
		return ErrSessionClosed
	}
	pkts, err := enc.Encode(f)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	for _, p := range pkts {
		if err := e.send(ctx, stream, p); err != nil {
			return err
		}
	}
	return nil
}

// flush sends whatever the encoder still buffers.
func (e *Engine) flush(ctx context.Context, stream transport.Stream, enc *audio.FrameEncoder) error {
	e.encMu.Lock()
	defer e.encMu.Unlock()
	pkts, err := enc.Flush()
	if err != nil {
		return fmt.Errorf("session: flush encoder: %w", err)
	}
	for _, p := range pkts {
		if err := e.send(ctx, stream, p); err != nil {
			return err
		}
	}
	return nil
}

// streamResult turns a send failure caused by the session ending into the
// session's own outcome.
func (e *Engine) streamResult(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateStopping, StateStopped:
		return nil
	case StateCanceled:
		return e.result
	default:
		return err
	}
}

// headerLocked allocates the next sequence number.
func (e *Engine) headerLocked() events.Header {
	e.seq++
	return events.Header{SessionID: e.sess.ID, Seq: e.seq, At: e.now()}
}

func (e *Engine) emitLocked(ev events.Event) {
	e.dispatch.Emit(e.ctx, ev)
}

func translationMap(ts []protocol.Translation) map[string]string {
	if len(ts) == 0 {
		return nil
	}
	m := make(map[string]string, len(ts))
	for _, t := range ts {
		m[t.Language] = t.Text
	}
	return m
}

func kindOf(p protocol.Packet) string {
	if p == nil {
		return "nil"
	}
	return p.Kind().String()
}
