package console

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parlance/pkg/events"
)

func TestReporter_SessionTranscript(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(&buf, "xx")
	ctx := context.Background()

	evs := []events.Event{
		events.SessionStarted{Header: events.Header{Seq: 1}, SourceLanguage: "en-US"},
		events.Recognizing{Header: events.Header{Seq: 2}, Utterance: events.Utterance{
			ID: 1, Text: "hello", Translations: events.Translations{"de": "hallo", "fr": "bonjour"},
		}},
		events.Recognized{Header: events.Header{Seq: 3}, Utterance: events.Utterance{
			ID: 1, Text: "hello world", Final: true, Translations: events.Translations{"de": "hallo Welt"},
		}},
		events.Synthesizing{Header: events.Header{Seq: 4}, UtteranceID: 1, Audio: make([]byte, 4096)},
		events.Synthesizing{Header: events.Header{Seq: 5}, UtteranceID: 1},
		events.SessionStopped{Header: events.Header{Seq: 6}},
	}
	for _, ev := range evs {
		if err := r.OnEvent(ctx, ev); err != nil {
			t.Fatalf("OnEvent(%s): %v", ev.Type(), err)
		}
	}

	want := "\nSession started event.\n" +
		"RECOGNIZING in 'en-US': Text=hello\n" +
		"    TRANSLATING into 'de': hallo\n" +
		"    TRANSLATING into 'fr': bonjour\n" +
		"\nFinal result: Reason: TranslatedSpeech, recognized text in en-US: hello world.\n" +
		"    TRANSLATING into 'de': hallo Welt\n" +
		"AudioSize: 4096\n" +
		"AudioSize: 0 (end of synthesis data)\n" +
		"\nSession stopped event.\n"
	if got := buf.String(); got != want {
		t.Errorf("output mismatch\ngot:\n%q\nwant:\n%q", got, want)
	}
}

func TestReporter_Canceled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(&buf, "en-US")

	err := r.OnEvent(context.Background(), events.Canceled{
		Reason: events.CancelAuthFailed,
		Code:   "AuthFailed",
		Detail: "401 Unauthorized",
	})
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	want := "\nRecognition canceled. Reason: AuthFailed; ErrorDetails: 401 Unauthorized\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReporter_FallbackSourceLanguage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(&buf, "en-GB")
	_ = r.OnEvent(context.Background(), events.Recognizing{Utterance: events.Utterance{Text: "hi"}})
	if got, want := buf.String(), "RECOGNIZING in 'en-GB': Text=hi\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestReporter_WriteError(t *testing.T) {
	t.Parallel()
	r := NewReporter(failingWriter{}, "en-US")
	err := r.OnEvent(context.Background(), events.SessionStopped{})
	if err == nil {
		t.Fatal("expected write error")
	}
}
