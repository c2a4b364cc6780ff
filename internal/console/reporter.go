// Package console renders session events as human-readable lines, one
// event per line group, in the order they are emitted.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parlance/pkg/events"
)

// Reporter is an [events.Observer] that writes every event to an
// io.Writer. It is safe for concurrent use.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	source string
}

var _ events.Observer = (*Reporter)(nil)

// NewReporter returns a Reporter writing to w. sourceLanguage is used in
// recognition lines until a SessionStarted event announces the session's own.
func NewReporter(w io.Writer, sourceLanguage string) *Reporter {
	return &Reporter{w: w, source: sourceLanguage}
}

// OnEvent writes the lines for ev in a single Write call.
func (r *Reporter) OnEvent(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b bytes.Buffer
	switch e := ev.(type) {
	case events.SessionStarted:
		if e.SourceLanguage != "" {
			r.source = e.SourceLanguage
		}
		b.WriteString("\nSession started event.\n")
	case events.Recognizing:
		fmt.Fprintf(&b, "RECOGNIZING in '%s': Text=%s\n", r.source, e.Utterance.Text)
		writeTranslations(&b, e.Utterance.Translations)
	case events.Recognized:
		fmt.Fprintf(&b, "\nFinal result: Reason: TranslatedSpeech, recognized text in %s: %s.\n", r.source, e.Utterance.Text)
		writeTranslations(&b, e.Utterance.Translations)
	case events.Synthesizing:
		if e.End() {
			b.WriteString("AudioSize: 0 (end of synthesis data)\n")
		} else {
			fmt.Fprintf(&b, "AudioSize: %d\n", len(e.Audio))
		}
	case events.Canceled:
		fmt.Fprintf(&b, "\nRecognition canceled. Reason: %s; ErrorDetails: %s\n", e.Reason, e.Detail)
	case events.SessionStopped:
		b.WriteString("\nSession stopped event.\n")
	default:
		return nil
	}

	if _, err := r.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("console: write %s: %w", ev.Type(), err)
	}
	return nil
}

// writeTranslations lists translations sorted by language code.
func writeTranslations(b *bytes.Buffer, t events.Translations) {
	for _, lang := range slices.Sorted(maps.Keys(t)) {
		fmt.Fprintf(b, "    TRANSLATING into '%s': %s\n", lang, t[lang])
	}
}
