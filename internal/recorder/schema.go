// Package recorder persists session transcripts to PostgreSQL.
//
// [Observer] subscribes to a session's events and writes one row per
// session and one row per recognized utterance, including its translations
// as JSONB, through a [Store] backed by a [pgxpool.Pool].
package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS translation_sessions (
    id               TEXT         PRIMARY KEY,
    source_language  TEXT         NOT NULL,
    target_languages TEXT[]       NOT NULL DEFAULT '{}',
    voice_name       TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    outcome          TEXT         NOT NULL DEFAULT '',
    cancel_code      TEXT         NOT NULL DEFAULT '',
    cancel_detail    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_translation_sessions_started_at
    ON translation_sessions (started_at);
`

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS translation_utterances (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL REFERENCES translation_sessions (id) ON DELETE CASCADE,
    utterance_id  BIGINT       NOT NULL,
    text          TEXT         NOT NULL,
    translations  JSONB        NOT NULL DEFAULT '{}',
    start_ns      BIGINT       NOT NULL DEFAULT 0,
    end_ns        BIGINT       NOT NULL DEFAULT 0,
    recognized_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, utterance_id)
);

CREATE INDEX IF NOT EXISTS idx_translation_utterances_fts
    ON translation_utterances USING GIN (to_tsvector('simple', text));
`

// Migrate creates the recorder tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlUtterances} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("recorder: migrate: %w", err)
		}
	}
	return nil
}
