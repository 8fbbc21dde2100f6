package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cfiorelli/musicr/internal/model"
)

// ErrReplyTargetNotFound is returned by InsertMessage when replyToMessageID
// is non-empty but does not reference an existing message.
var ErrReplyTargetNotFound = errors.New("postgres store: reply target message not found")

// nullIfEmpty converts "" to a nil driver value so an absent reply target is
// stored as SQL NULL rather than tripping the reply_to_message_id foreign key
// against a nonexistent empty-string row.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertMessage persists a new message and returns it with its
// server-assigned ID and timestamp filled in.
//
// If clientTempID is non-empty and a message with the same (room, userID,
// clientTempID) already exists, the existing row is returned unchanged
// rather than creating a duplicate. This is what makes reconnect replay
// idempotent.
func (s *Store) InsertMessage(ctx context.Context, room, userID, clientTempID, text, chosenSongID string, scores model.Scores, replyToMessageID string) (model.Message, error) {
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return model.Message{}, fmt.Errorf("postgres store: encode scores: %w", err)
	}

	const q = `
		INSERT INTO messages
		    (id, client_temp_id, room, user_id, text, chosen_song_id, scores, reply_to_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room, user_id, client_temp_id) WHERE client_temp_id <> ''
		DO UPDATE SET room = messages.room
		RETURNING id, client_temp_id, room, user_id, text, chosen_song_id, scores, created_at, reply_to_message_id`

	id := uuid.NewString()
	var (
		m             model.Message
		scoresOutJSON []byte
		replyTo       sql.NullString
	)
	row := s.pool.QueryRow(ctx, q, id, clientTempID, room, userID, text, chosenSongID, scoresJSON, nullIfEmpty(replyToMessageID))
	if err := row.Scan(&m.ID, &m.ClientTempID, &m.Room, &m.UserID, &m.Text, &m.ChosenSongID, &scoresOutJSON, &m.CreatedAt, &replyTo); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "messages_reply_to_message_id_fkey" {
			return model.Message{}, fmt.Errorf("%w: %s", ErrReplyTargetNotFound, replyToMessageID)
		}
		return model.Message{}, fmt.Errorf("postgres store: insert message: %w", err)
	}
	m.ReplyToMessageID = replyTo.String
	if err := json.Unmarshal(scoresOutJSON, &m.Scores); err != nil {
		return model.Message{}, fmt.Errorf("postgres store: decode scores: %w", err)
	}
	m.Durable = true
	return m, nil
}

// ListMessages returns up to limit messages from room, newest first. If
// before is non-empty it must be the ID of a previously returned message;
// results are restricted to messages strictly older than that message in
// (created_at, id) order, enabling stable cursor pagination even when
// multiple messages share a timestamp.
func (s *Store) ListMessages(ctx context.Context, room, before string, limit int) ([]model.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before == "" {
		const q = `
			SELECT id, client_temp_id, room, user_id, text, chosen_song_id, scores, created_at, reply_to_message_id
			FROM messages
			WHERE room = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		rows, err = s.pool.Query(ctx, q, room, limit)
	} else {
		const q = `
			SELECT id, client_temp_id, room, user_id, text, chosen_song_id, scores, created_at, reply_to_message_id
			FROM messages
			WHERE room = $1
			  AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`
		rows, err = s.pool.Query(ctx, q, room, before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var (
			m          model.Message
			scoresJSON []byte
			replyTo    sql.NullString
		)
		if err := row.Scan(&m.ID, &m.ClientTempID, &m.Room, &m.UserID, &m.Text, &m.ChosenSongID, &scoresJSON, &m.CreatedAt, &replyTo); err != nil {
			return model.Message{}, err
		}
		if err := json.Unmarshal(scoresJSON, &m.Scores); err != nil {
			return model.Message{}, err
		}
		m.ReplyToMessageID = replyTo.String
		m.Durable = true
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}
