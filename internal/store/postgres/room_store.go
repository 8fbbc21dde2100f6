package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cfiorelli/musicr/internal/model"
)

// GetOrCreateRoom returns the [model.Room] named name, creating it with
// default [model.RoomConfig] on first reference.
func (s *Store) GetOrCreateRoom(ctx context.Context, name string) (model.Room, error) {
	const q = `
		INSERT INTO rooms (name, config)
		VALUES ($1, '{}')
		ON CONFLICT (name) DO UPDATE SET name = rooms.name
		RETURNING name, config, created_at`

	var (
		r          model.Room
		configJSON []byte
	)
	row := s.pool.QueryRow(ctx, q, name)
	if err := row.Scan(&r.Name, &configJSON, &r.CreatedAt); err != nil {
		return model.Room{}, fmt.Errorf("postgres store: get or create room: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &r.Config); err != nil {
			return model.Room{}, fmt.Errorf("postgres store: decode room config: %w", err)
		}
	}
	return r, nil
}
