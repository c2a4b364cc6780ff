package recorder_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parlance/internal/recorder"
	"github.com/MrWong99/parlance/pkg/events"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLANCE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLANCE_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *recorder.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS translation_utterances CASCADE",
		"DROP TABLE IF EXISTS translation_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := recorder.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.StartSession(ctx, recorder.SessionRecord{
		ID: "sess-1", SourceLanguage: "en-US", TargetLanguages: []string{"de", "fr"}, VoiceName: "de-DE-AmalaNeural", StartedAt: now,
	}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i, text := range []string{"hello", "good morning"} {
		err := s.WriteUtterance(ctx, recorder.UtteranceRecord{
			SessionID:    "sess-1",
			UtteranceID:  uint64(i + 1),
			Text:         text,
			Translations: events.Translations{"de": "de:" + text, "fr": "fr:" + text},
			Start:        time.Duration(i) * time.Second,
			End:          time.Duration(i+1) * time.Second,
			RecognizedAt: now,
		})
		if err != nil {
			t.Fatalf("WriteUtterance(%d): %v", i+1, err)
		}
	}
	if err := s.EndSession(ctx, "sess-1", now.Add(time.Minute), recorder.OutcomeStopped, "", ""); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	rec, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.Outcome != recorder.OutcomeStopped || rec.EndedAt == nil || len(rec.TargetLanguages) != 2 {
		t.Errorf("session = %+v", rec)
	}

	tr, err := s.Transcript(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(tr) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(tr))
	}
	if tr[1].Text != "good morning" || tr[1].Translations["fr"] != "fr:good morning" || tr[1].End != 2*time.Second {
		t.Errorf("utterance 2 = %+v", tr[1])
	}
}

func TestStore_EndUnknownSession(t *testing.T) {
	s := newTestStore(t)
	err := s.EndSession(context.Background(), "missing", time.Now(), recorder.OutcomeCanceled, "AuthFailed", "")
	if !errors.Is(err, recorder.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.Session(context.Background(), "missing"); !errors.Is(err, recorder.ErrSessionNotFound) {
		t.Errorf("Session err = %v, want ErrSessionNotFound", err)
	}
}
