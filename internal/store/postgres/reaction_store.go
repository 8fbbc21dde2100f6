package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cfiorelli/musicr/internal/model"
)

// AddReaction records that userID reacted to messageID with emoji. It is
// idempotent: reacting twice with the same (messageID, userID, emoji) has no
// additional effect. The returned bool reports whether a row was actually
// inserted, so callers only broadcast on a real state change.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	const q = `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("postgres store: add reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveReaction undoes a prior [Store.AddReaction]. Removing a reaction
// that does not exist is a no-op, not an error. The returned bool reports
// whether a row was actually deleted.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	const q = `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`
	tag, err := s.pool.Exec(ctx, q, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("postgres store: remove reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AggregateReactions groups reactions by emoji for each of messageIDs,
// collecting the anon handles of reacting users, and returns a map keyed by
// message ID. Messages with no reactions are omitted from the result.
func (s *Store) AggregateReactions(ctx context.Context, messageIDs []string) (map[string][]model.ReactionGroup, error) {
	if len(messageIDs) == 0 {
		return map[string][]model.ReactionGroup{}, nil
	}

	const q = `
		SELECT r.message_id, r.emoji, COUNT(*), array_agg(u.anon_handle ORDER BY r.created_at)
		FROM reactions r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ANY($1)
		GROUP BY r.message_id, r.emoji
		ORDER BY r.message_id, r.emoji`

	rows, err := s.pool.Query(ctx, q, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres store: aggregate reactions: %w", err)
	}

	type row struct {
		MessageID string
		Group     model.ReactionGroup
	}
	collected, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		if err := r.Scan(&out.MessageID, &out.Group.Emoji, &out.Group.Count, &out.Group.Handles); err != nil {
			return row{}, err
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan reactions: %w", err)
	}

	result := make(map[string][]model.ReactionGroup)
	for _, r := range collected {
		result[r.MessageID] = append(result[r.MessageID], r.Group)
	}
	return result, nil
}
