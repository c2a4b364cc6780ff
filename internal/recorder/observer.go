package recorder

import (
	"context"
	"time"

	"github.com/MrWong99/parlance/pkg/events"
)

// Writer is the persistence surface used by [Observer]. *Store implements it.
type Writer interface {
	StartSession(ctx context.Context, rec SessionRecord) error
	WriteUtterance(ctx context.Context, rec UtteranceRecord) error
	EndSession(ctx context.Context, id string, at time.Time, outcome Outcome, code, detail string) error
}

var _ Writer = (*Store)(nil)

// Observer records session events through a [Writer]. Partial results and
// synthesis audio are not stored.
type Observer struct {
	w Writer
}

var _ events.Observer = (*Observer)(nil)

// NewObserver returns an Observer writing to w.
func NewObserver(w Writer) *Observer {
	return &Observer{w: w}
}

// OnEvent implements [events.Observer].
func (o *Observer) OnEvent(ctx context.Context, ev events.Event) error {
	h := ev.EventHeader()
	at := h.At
	if at.IsZero() {
		at = time.Now()
	}

	var err error
	switch e := ev.(type) {
	case events.SessionStarted:
		err = o.w.StartSession(ctx, SessionRecord{
			ID:              h.SessionID,
			SourceLanguage:  e.SourceLanguage,
			TargetLanguages: e.TargetLanguages,
			VoiceName:       e.VoiceName,
			StartedAt:       at,
		})
	case events.Recognized:
		err = o.w.WriteUtterance(ctx, UtteranceRecord{
			SessionID:    h.SessionID,
			UtteranceID:  e.Utterance.ID,
			Text:         e.Utterance.Text,
			Translations: e.Utterance.Translations,
			Start:        e.Utterance.Start,
			End:          e.Utterance.End,
			RecognizedAt: at,
		})
	case events.SessionStopped:
		err = o.w.EndSession(ctx, h.SessionID, at, OutcomeStopped, "", "")
	case events.Canceled:
		err = o.w.EndSession(ctx, h.SessionID, at, OutcomeCanceled, e.Code, e.Detail)
	default:
		return nil
	}
	return err
}
