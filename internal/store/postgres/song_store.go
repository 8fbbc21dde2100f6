package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cfiorelli/musicr/internal/model"
)

// UpsertSong inserts or fully replaces a catalog entry. If song.Embedding is
// nil, the embedding columns are left NULL; the song participates in phrase
// matching and popularity fallback but not vector search until a later
// backfill sets it via [Store.SetSongEmbedding].
func (s *Store) UpsertSong(ctx context.Context, song model.Song) error {
	const q = `
		INSERT INTO songs
		    (id, recording_id, isrc, title, artist, canonical_id, album, year,
		     tags, phrases, popularity, placeholder, source, embedding_json, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    recording_id   = EXCLUDED.recording_id,
		    isrc           = EXCLUDED.isrc,
		    title          = EXCLUDED.title,
		    artist         = EXCLUDED.artist,
		    canonical_id   = EXCLUDED.canonical_id,
		    album          = EXCLUDED.album,
		    year           = EXCLUDED.year,
		    tags           = EXCLUDED.tags,
		    phrases        = EXCLUDED.phrases,
		    popularity     = EXCLUDED.popularity,
		    placeholder    = EXCLUDED.placeholder,
		    source         = EXCLUDED.source,
		    embedding_json = EXCLUDED.embedding_json,
		    embedding      = EXCLUDED.embedding`

	var (
		embeddingJSON []byte
		vec           *pgvector.Vector
		err           error
	)
	if song.Embedding != nil {
		embeddingJSON, err = json.Marshal(song.Embedding)
		if err != nil {
			return fmt.Errorf("postgres store: encode embedding: %w", err)
		}
		v := pgvector.NewVector(song.Embedding)
		vec = &v
	}

	_, err = s.pool.Exec(ctx, q,
		song.ID, song.ExternalIDs.RecordingID, song.ExternalIDs.ISRC,
		song.Title, song.Artist, song.CanonicalID, song.Album, song.Year,
		song.Tags, song.Phrases, song.Popularity, song.Placeholder, song.Source,
		embeddingJSON, vec,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert song: %w", err)
	}
	return nil
}

// SetSongEmbedding backfills the embedding columns for an existing song
// without touching its other fields.
func (s *Store) SetSongEmbedding(ctx context.Context, songID string, embedding []float32) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("postgres store: encode embedding: %w", err)
	}
	const q = `UPDATE songs SET embedding_json = $2, embedding = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, songID, embeddingJSON, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("postgres store: set song embedding: %w", err)
	}
	return nil
}

// GetSong returns the song with the given ID.
func (s *Store) GetSong(ctx context.Context, id string) (model.Song, error) {
	const q = `
		SELECT id, recording_id, isrc, title, artist, canonical_id, album, year,
		       tags, phrases, popularity, placeholder, source
		FROM songs WHERE id = $1`
	var song model.Song
	row := s.pool.QueryRow(ctx, q, id)
	if err := row.Scan(
		&song.ID, &song.ExternalIDs.RecordingID, &song.ExternalIDs.ISRC,
		&song.Title, &song.Artist, &song.CanonicalID, &song.Album, &song.Year,
		&song.Tags, &song.Phrases, &song.Popularity, &song.Placeholder, &song.Source,
	); err != nil {
		return model.Song{}, fmt.Errorf("postgres store: get song: %w", err)
	}
	return song, nil
}

// ListSongsByPhrase returns non-placeholder songs whose phrase list contains
// phrase exactly, ordered by descending popularity. It is part of the Song
// Matcher's SongLookup surface; the matcher's popularity fallback reads
// [Store.ListTopByPopularity] instead.
func (s *Store) ListSongsByPhrase(ctx context.Context, phrase string, limit int) ([]model.Song, error) {
	const q = `
		SELECT id, recording_id, isrc, title, artist, canonical_id, album, year,
		       tags, phrases, popularity, placeholder, source
		FROM songs
		WHERE placeholder = false AND $1 = ANY(phrases)
		ORDER BY popularity DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, phrase, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list songs by phrase: %w", err)
	}
	songs, err := pgx.CollectRows(rows, scanSong)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan songs: %w", err)
	}
	if songs == nil {
		songs = []model.Song{}
	}
	return songs, nil
}

// ListTopByPopularity returns the limit highest-popularity non-placeholder
// songs, used by the Song Matcher's popularity fallback when the embedding
// or vector index path is unavailable.
func (s *Store) ListTopByPopularity(ctx context.Context, limit int) ([]model.Song, error) {
	const q = `
		SELECT id, recording_id, isrc, title, artist, canonical_id, album, year,
		       tags, phrases, popularity, placeholder, source
		FROM songs
		WHERE placeholder = false
		ORDER BY popularity DESC
		LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list top songs: %w", err)
	}
	songs, err := pgx.CollectRows(rows, scanSong)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan songs: %w", err)
	}
	if songs == nil {
		songs = []model.Song{}
	}
	return songs, nil
}

func scanSong(row pgx.CollectableRow) (model.Song, error) {
	var song model.Song
	err := row.Scan(
		&song.ID, &song.ExternalIDs.RecordingID, &song.ExternalIDs.ISRC,
		&song.Title, &song.Artist, &song.CanonicalID, &song.Album, &song.Year,
		&song.Tags, &song.Phrases, &song.Popularity, &song.Placeholder, &song.Source,
	)
	return song, err
}
