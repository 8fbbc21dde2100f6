// Package vectorindex provides nearest-neighbour search over the song
// catalog's pgvector HNSW index, the retrieval half of the Song Matcher
// pipeline.
package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// ErrUnavailable indicates the index itself could not be queried (connection
// failure, extension missing). It is distinct from a query that simply
// returned no candidates, which is not an error.
var ErrUnavailable = errors.New("vector index: unavailable")

// Candidate is one nearest-neighbour result.
type Candidate struct {
	SongID     string
	CanonicalID string
	Popularity int
	Similarity float64 // cosine similarity, computed as 1 - cosine distance
}

// Index queries the songs table's HNSW index for approximate nearest
// neighbours of a query embedding.
type Index struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The pool must belong to a database where
// [internal/store/postgres.Migrate] has already run.
func New(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

// defaultEfSearch is the ef_search applied when a caller leaves
// [SearchOptions.EfSearch] unset, per the spec's documented default.
const defaultEfSearch = 100

// SearchOptions tunes a single [Index.Search] call.
type SearchOptions struct {
	// TopK is the number of candidates to return.
	TopK int

	// EfSearch overrides the HNSW ef_search parameter for this query only,
	// trading latency for recall. Zero uses [defaultEfSearch].
	EfSearch int
}

// Search returns the topK songs whose embeddings are closest (cosine
// distance) to embedding, ordered by descending similarity. Placeholder
// songs and songs with no embedding are excluded.
//
// It over-fetches by the caller's request: callers that need re-ranking
// headroom (popularity tiebreak, per-artist diversity capping) should pass a
// TopK larger than the final result count they intend to keep.
func (idx *Index) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]Candidate, error) {
	tx, err := idx.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	efSearch := opts.EfSearch
	if efSearch <= 0 {
		efSearch = defaultEfSearch
	}
	// SET is a utility statement: it does not accept bind parameters, so the
	// validated integer is interpolated directly rather than passed as $1.
	setEfSearch := fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)
	if _, err := tx.Exec(ctx, setEfSearch); err != nil {
		return nil, fmt.Errorf("%w: set ef_search: %v", ErrUnavailable, err)
	}

	const q = `
		SELECT id, canonical_id, popularity, 1 - (embedding <=> $1) AS similarity
		FROM   songs
		WHERE  placeholder = false AND embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := tx.Query(ctx, q, pgvector.NewVector(embedding), opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Candidate, error) {
		var c Candidate
		if err := row.Scan(&c.SongID, &c.CanonicalID, &c.Popularity, &c.Similarity); err != nil {
			return Candidate{}, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan rows: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}

	if candidates == nil {
		candidates = []Candidate{}
	}
	return candidates, nil
}
