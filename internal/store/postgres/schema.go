// Package postgres provides the PostgreSQL-backed persistence layer for
// musicr: the song catalog (with a pgvector HNSW index for semantic
// matching), users, rooms, messages, and reactions.
//
// All tables share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 384)
//	if err != nil { … }
//
//	user, _ := store.GetOrCreateUser(ctx, clientUUID, anonHandle, ipHash)
//	msg, _ := store.InsertMessage(ctx, room, user.ID, clientTempID, text, songID, scores, "")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Song catalog DDL — vector search target
// ─────────────────────────────────────────────────────────────────────────────

// ddlSongs returns the songs DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
//
// Embedding is stored twice: embedding_json (a portable float array usable
// without the pgvector extension, e.g. for export or debugging) and embedding
// (the native pgvector column the HNSW index is built on). Callers must keep
// the two in agreement; see [internal/vectorindex].
func ddlSongs(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS songs (
    id             TEXT         PRIMARY KEY,
    recording_id   TEXT         NOT NULL DEFAULT '',
    isrc           TEXT         NOT NULL DEFAULT '',
    title          TEXT         NOT NULL,
    artist         TEXT         NOT NULL,
    canonical_id   TEXT         NOT NULL DEFAULT '',
    album          TEXT         NOT NULL DEFAULT '',
    year           INTEGER      NOT NULL DEFAULT 0,
    tags           TEXT[]       NOT NULL DEFAULT '{}',
    phrases        TEXT[]       NOT NULL DEFAULT '{}',
    popularity     INTEGER      NOT NULL DEFAULT 0,
    placeholder    BOOLEAN      NOT NULL DEFAULT false,
    source         TEXT         NOT NULL DEFAULT '',
    embedding_json JSONB,
    embedding      vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_songs_canonical_id
    ON songs (canonical_id);

CREATE INDEX IF NOT EXISTS idx_songs_phrases
    ON songs USING GIN (phrases);

CREATE INDEX IF NOT EXISTS idx_songs_embedding
    ON songs USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// Identity and room DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsersAndRooms = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT         PRIMARY KEY,
    anon_handle TEXT         NOT NULL,
    ip_hash     TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rooms (
    name        TEXT         PRIMARY KEY,
    config      JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Message and reaction DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlMessagesAndReactions = `
CREATE TABLE IF NOT EXISTS messages (
    id                  TEXT         PRIMARY KEY,
    client_temp_id      TEXT         NOT NULL DEFAULT '',
    room                TEXT         NOT NULL REFERENCES rooms (name),
    user_id             TEXT         NOT NULL REFERENCES users (id),
    text                TEXT         NOT NULL,
    chosen_song_id      TEXT         NOT NULL DEFAULT '',
    scores              JSONB        NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    reply_to_message_id TEXT         REFERENCES messages (id)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created_at
    ON messages (room, created_at DESC, id DESC);

-- One row per (room, user, client_temp_id) once client_temp_id is non-empty,
-- so a reconnecting client can replay without creating duplicate messages.
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_room_user_temp_id
    ON messages (room, user_id, client_temp_id)
    WHERE client_temp_id <> '';

CREATE TABLE IF NOT EXISTS reactions (
    message_id  TEXT         NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
    user_id     TEXT         NOT NULL REFERENCES users (id),
    emoji       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, user_id, emoji)
);

CREATE INDEX IF NOT EXISTS idx_reactions_message_id
    ON reactions (message_id);
`

// Migrate creates or ensures all required database tables, indexes, and
// extensions exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (384 for MiniLM-class local models). Changing this value after
// the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSongs(embeddingDimensions),
		ddlUsersAndRooms,
		ddlMessagesAndReactions,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
