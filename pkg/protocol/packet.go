// Package protocol defines the framed wire protocol spoken between the
// session engine and a remote speech-translation service.
//
// Every frame on the wire has the layout
//
//	[4-byte big-endian length][1-byte kind][payload]
//
// where length counts the kind byte plus the payload. Payloads are encoded
// with the protobuf wire format (field number + wire type), so unknown fields
// are skipped and new fields can be added without breaking older peers.
//
// Inbound packets (service → client) are [PartialResult], [FinalResult],
// [SynthesisAudio] and [ServiceError]. Outbound packets (client → service) are
// [AudioData], [SessionConfig] and [EndOfAudio].
package protocol

import (
	"fmt"
	"time"
)

// Kind identifies the packet type carried by a frame.
type Kind byte

const (
	KindPartialResult  Kind = 0x01
	KindFinalResult    Kind = 0x02
	KindSynthesisAudio Kind = 0x03
	KindServiceError   Kind = 0x04
	KindAudioData      Kind = 0x10
	KindSessionConfig  Kind = 0x11
	KindEndOfAudio     Kind = 0x12
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPartialResult:
		return "PartialResult"
	case KindFinalResult:
		return "FinalResult"
	case KindSynthesisAudio:
		return "SynthesisAudio"
	case KindServiceError:
		return "ServiceError"
	case KindAudioData:
		return "AudioData"
	case KindSessionConfig:
		return "SessionConfig"
	case KindEndOfAudio:
		return "EndOfAudio"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// Outbound reports whether packets of this kind travel from client to service.
func (k Kind) Outbound() bool {
	return k == KindAudioData || k == KindSessionConfig || k == KindEndOfAudio
}

// Packet is implemented by every concrete packet type.
type Packet interface {
	Kind() Kind
}

// Translation is one target-language rendering of a recognition result.
type Translation struct {
	Language string
	Text     string
}

// ResultReason tells why the service produced a final result.
type ResultReason uint8

const (
	ReasonNoMatch ResultReason = iota
	ReasonRecognizedSpeech
	ReasonTranslatedSpeech
	ReasonCanceled
)

// String returns the human-readable name of the reason.
func (r ResultReason) String() string {
	switch r {
	case ReasonNoMatch:
		return "NoMatch"
	case ReasonRecognizedSpeech:
		return "RecognizedSpeech"
	case ReasonTranslatedSpeech:
		return "TranslatedSpeech"
	case ReasonCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("ResultReason(%d)", uint8(r))
	}
}

// PartialResult is an in-progress hypothesis for the current utterance.
// Language names the language Text is in; when it differs from the session's
// source language the text is a partial translation into that language.
// Translations may carry further per-language partial translations.
type PartialResult struct {
	Text         string
	Language     string
	Offset       time.Duration
	Duration     time.Duration
	Translations []Translation
}

// FinalResult ends the current utterance.
type FinalResult struct {
	Text         string
	Reason       ResultReason
	Offset       time.Duration
	Duration     time.Duration
	Translations []Translation
}

// SynthesisAudio carries synthesized speech for the most recently finalized
// utterance. A zero-length Audio marks the end of synthesis for it.
type SynthesisAudio struct {
	Audio []byte
}

// ServiceError reports a fatal error raised by the remote service.
type ServiceError struct {
	Code   string
	Detail string
}

// AudioData carries one encoded batch of captured audio.
type AudioData struct {
	Audio []byte
}

// SessionConfig is the first packet sent after every (re)connect.
type SessionConfig struct {
	SessionID       string
	SourceLanguage  string
	TargetLanguages []string
	VoiceName       string
	Codec           string
	SampleRate      uint32
	Channels        uint32
}

// EndOfAudio tells the service no more audio follows; the service answers by
// flushing its remaining results and closing the stream.
type EndOfAudio struct{}

func (PartialResult) Kind() Kind  { return KindPartialResult }
func (FinalResult) Kind() Kind    { return KindFinalResult }
func (SynthesisAudio) Kind() Kind { return KindSynthesisAudio }
func (ServiceError) Kind() Kind   { return KindServiceError }
func (AudioData) Kind() Kind      { return KindAudioData }
func (SessionConfig) Kind() Kind  { return KindSessionConfig }
func (EndOfAudio) Kind() Kind     { return KindEndOfAudio }

// Compile-time interface checks.
var (
	_ Packet = PartialResult{}
	_ Packet = FinalResult{}
	_ Packet = SynthesisAudio{}
	_ Packet = ServiceError{}
	_ Packet = AudioData{}
	_ Packet = SessionConfig{}
	_ Packet = EndOfAudio{}
)
