package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parlance/pkg/events"
)

// ErrSessionNotFound is returned by [Store.Session] for an unknown ID.
var ErrSessionNotFound = errors.New("recorder: session not found")

// Outcome is how a recorded session ended.
type Outcome string

const (
	OutcomeStopped  Outcome = "stopped"
	OutcomeCanceled Outcome = "canceled"
)

// SessionRecord is one row of translation_sessions.
type SessionRecord struct {
	ID              string
	SourceLanguage  string
	TargetLanguages []string
	VoiceName       string
	StartedAt       time.Time
	EndedAt         *time.Time
	Outcome         Outcome
	CancelCode      string
	CancelDetail    string
}

// UtteranceRecord is one row of translation_utterances.
type UtteranceRecord struct {
	SessionID    string
	UtteranceID  uint64
	Text         string
	Translations events.Translations
	Start        time.Duration
	End          time.Duration
	RecognizedAt time.Time
}

// Store writes transcripts to PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// StartSession inserts the session row. Recording the same ID again
// resets its end state.
func (s *Store) StartSession(ctx context.Context, rec SessionRecord) error {
	const q = `
		INSERT INTO translation_sessions
		    (id, source_language, target_languages, voice_name, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    started_at = EXCLUDED.started_at,
		    ended_at = NULL, outcome = '', cancel_code = '', cancel_detail = ''`

	targets := rec.TargetLanguages
	if targets == nil {
		targets = []string{}
	}
	if _, err := s.pool.Exec(ctx, q, rec.ID, rec.SourceLanguage, targets, rec.VoiceName, rec.StartedAt); err != nil {
		return fmt.Errorf("recorder: start session: %w", err)
	}
	return nil
}

// WriteUtterance stores a finalized utterance. A repeated utterance ID for
// the same session overwrites the earlier row.
func (s *Store) WriteUtterance(ctx context.Context, rec UtteranceRecord) error {
	const q = `
		INSERT INTO translation_utterances
		    (session_id, utterance_id, text, translations, start_ns, end_ns, recognized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, utterance_id) DO UPDATE SET
		    text = EXCLUDED.text,
		    translations = EXCLUDED.translations,
		    start_ns = EXCLUDED.start_ns,
		    end_ns = EXCLUDED.end_ns,
		    recognized_at = EXCLUDED.recognized_at`

	tr, err := json.Marshal(rec.Translations.Clone())
	if err != nil {
		return fmt.Errorf("recorder: encode translations: %w", err)
	}
	_, err = s.pool.Exec(ctx, q,
		rec.SessionID,
		int64(rec.UtteranceID),
		rec.Text,
		tr,
		rec.Start.Nanoseconds(),
		rec.End.Nanoseconds(),
		rec.RecognizedAt,
	)
	if err != nil {
		return fmt.Errorf("recorder: write utterance: %w", err)
	}
	return nil
}

// EndSession records how the session ended.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time, outcome Outcome, code, detail string) error {
	const q = `
		UPDATE translation_sessions
		SET    ended_at = $2, outcome = $3, cancel_code = $4, cancel_detail = $5
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, at, string(outcome), code, detail)
	if err != nil {
		return fmt.Errorf("recorder: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recorder: end session %q: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Session returns the session row for id.
func (s *Store) Session(ctx context.Context, id string) (SessionRecord, error) {
	const q = `
		SELECT id, source_language, target_languages, voice_name, started_at,
		       ended_at, outcome, cancel_code, cancel_detail
		FROM   translation_sessions
		WHERE  id = $1`

	var (
		rec     SessionRecord
		outcome string
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.SourceLanguage, &rec.TargetLanguages, &rec.VoiceName, &rec.StartedAt,
		&rec.EndedAt, &outcome, &rec.CancelCode, &rec.CancelDetail,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("recorder: session %q: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("recorder: get session: %w", err)
	}
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

// Transcript returns the utterances of a session in utterance order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]UtteranceRecord, error) {
	const q = `
		SELECT session_id, utterance_id, text, translations, start_ns, end_ns, recognized_at
		FROM   translation_utterances
		WHERE  session_id = $1
		ORDER  BY utterance_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recorder: transcript: %w", err)
	}
	defer rows.Close()

	var out []UtteranceRecord
	for rows.Next() {
		var (
			rec        UtteranceRecord
			id         int64
			tr         []byte
			start, end int64
		)
		if err := rows.Scan(&rec.SessionID, &id, &rec.Text, &tr, &start, &end, &rec.RecognizedAt); err != nil {
			return nil, fmt.Errorf("recorder: scan utterance: %w", err)
		}
		if err := json.Unmarshal(tr, &rec.Translations); err != nil {
			return nil, fmt.Errorf("recorder: decode translations: %w", err)
		}
		rec.UtteranceID = uint64(id)
		rec.Start = time.Duration(start)
		rec.End = time.Duration(end)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: transcript: %w", err)
	}
	return out, nil
}
