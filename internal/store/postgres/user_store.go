package postgres

import (
	"context"
	"fmt"

	"github.com/cfiorelli/musicr/internal/model"
)

// GetOrCreateUser returns the [model.User] for id, inserting a new row with a
// freshly generated anonHandle if none exists yet. id is the client-generated
// UUID; it is never rewritten once assigned.
func (s *Store) GetOrCreateUser(ctx context.Context, id, anonHandle, ipHash string) (model.User, error) {
	const q = `
		INSERT INTO users (id, anon_handle, ip_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = users.id
		RETURNING id, anon_handle, ip_hash, created_at`

	var u model.User
	row := s.pool.QueryRow(ctx, q, id, anonHandle, ipHash)
	if err := row.Scan(&u.ID, &u.AnonHandle, &u.IPHash, &u.CreatedAt); err != nil {
		return model.User{}, fmt.Errorf("postgres store: get or create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	const q = `SELECT id, anon_handle, ip_hash, created_at FROM users WHERE id = $1`
	var u model.User
	row := s.pool.QueryRow(ctx, q, id)
	if err := row.Scan(&u.ID, &u.AnonHandle, &u.IPHash, &u.CreatedAt); err != nil {
		return model.User{}, fmt.Errorf("postgres store: get user: %w", err)
	}
	return u, nil
}
