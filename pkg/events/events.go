// Package events defines the typed session events emitted by the
// speech-translation engine and the Observer interface used to receive them.
//
// Every event carries the ID of the session that produced it and a sequence
// number that increases by one per emitted event within that session.
// SessionStarted always has sequence 1; SessionStopped or Canceled always
// carries the highest sequence of the session. Events are values and must be
// treated as immutable once emitted.
package events

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Type classifies a session event.
type Type int

const (
	TypeSessionStarted Type = iota
	TypeRecognizing
	TypeRecognized
	TypeSynthesizing
	TypeCanceled
	TypeSessionStopped
)

// String returns the human-readable name of the event type.
func (t Type) String() string {
	switch t {
	case TypeSessionStarted:
		return "SessionStarted"
	case TypeRecognizing:
		return "Recognizing"
	case TypeRecognized:
		return "Recognized"
	case TypeSynthesizing:
		return "Synthesizing"
	case TypeCanceled:
		return "Canceled"
	case TypeSessionStopped:
		return "SessionStopped"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Event is implemented by every session event.
type Event interface {
	// Type reports which event this is.
	Type() Type

	// EventHeader returns the session correlation data shared by all events.
	EventHeader() Header
}

// Header carries the fields common to all events.
type Header struct {
	SessionID string
	Seq       uint64
	At        time.Time
}

// Translations maps a target language code to the translated text.
type Translations map[string]string

// Clone returns an independent copy of t. A nil map clones to an empty map.
func (t Translations) Clone() Translations {
	c := make(Translations, len(t))
	maps.Copy(c, t)
	return c
}

// Utterance is a snapshot of one recognized speech segment.
type Utterance struct {
	// ID numbers utterances within a session, starting at 1.
	ID uint64

	// Text is the recognized text in the source language.
	Text string

	// Final is true once the service has committed the utterance.
	Final bool

	// Translations holds the per-target-language text merged so far.
	Translations Translations

	// Start and End are offsets of the utterance relative to the audio stream start.
	Start time.Duration
	End   time.Duration
}

// CancelReason tells why a session was canceled.
type CancelReason string

const (
	CancelConnectionFailed CancelReason = "ConnectionFailed"
	CancelAuthFailed       CancelReason = "AuthFailed"
	CancelServiceError     CancelReason = "ServiceError"
)

// SessionStarted is emitted once the transport is connected.
type SessionStarted struct {
	Header
	SourceLanguage  string
	TargetLanguages []string
	VoiceName       string
}

// Recognizing is emitted for each partial result of the active utterance.
type Recognizing struct {
	Header
	Utterance Utterance
}

// Recognized is emitted when an utterance is finalized as translated speech.
type Recognized struct {
	Header
	Utterance Utterance
}

// Synthesizing is emitted for each synthesized audio chunk of an utterance.
// A zero-length Audio terminates the synthesis stream for that utterance.
type Synthesizing struct {
	Header
	UtteranceID uint64
	Audio       []byte
}

// End reports whether this chunk terminates the synthesis stream.
func (s Synthesizing) End() bool { return len(s.Audio) == 0 }

// Canceled is the terminal event of a session that ended on a fatal error.
type Canceled struct {
	Header
	Reason CancelReason
	Code   string
	Detail string
}

// SessionStopped is the terminal event of a session that was stopped cleanly.
type SessionStopped struct {
	Header
}

func (SessionStarted) Type() Type { return TypeSessionStarted }
func (Recognizing) Type() Type    { return TypeRecognizing }
func (Recognized) Type() Type     { return TypeRecognized }
func (Synthesizing) Type() Type   { return TypeSynthesizing }
func (Canceled) Type() Type       { return TypeCanceled }
func (SessionStopped) Type() Type { return TypeSessionStopped }

// EventHeader returns h; it is promoted to every event type.
func (h Header) EventHeader() Header { return h }

// Observer receives session events. OnEvent is called synchronously by the
// dispatcher, in emission order; implementations should return quickly and
// hand long work off to their own goroutines. A returned error is reported
// but never affects the session.
type Observer interface {
	OnEvent(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a plain function to the [Observer] interface.
type ObserverFunc func(ctx context.Context, ev Event) error

// OnEvent calls f(ctx, ev).
func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
