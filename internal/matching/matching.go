// Package matching implements the Song Matcher: the pipeline that turns a
// chat message's text into a ranked song result via embedding, approximate
// nearest-neighbour search, and re-ranking.
package matching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/observe"
	"github.com/cfiorelli/musicr/internal/vectorindex"
)

// maxQueryRunes caps normalized input length. Anything beyond this is
// truncated before embedding; the Chat Service rejects over-length messages
// earlier, so this is a defensive ceiling rather than the primary guard.
const maxQueryRunes = 500

// similarityFloor marks a result as very weak rather than discarding it; the
// client decides how to present a low-confidence match.
const similarityFloor = 0.15

// popularityBoostCap is the maximum fraction of a candidate's similarity that
// its popularity rank may add during re-ranking.
const popularityBoostCap = 0.10

// maxPerArtist bounds how many of the top N results may share a canonical
// artist, so one prolific artist cannot dominate every match.
const maxPerArtist = 2

// ErrEmptyQuery is returned by [Matcher.Match] when text normalizes to the
// empty string.
var ErrEmptyQuery = errors.New("matching: empty query")

// Embedder produces a dense vector for a query string.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Index performs nearest-neighbour search over the song catalog.
type Index interface {
	Search(ctx context.Context, embedding []float32, opts vectorindex.SearchOptions) ([]vectorindex.Candidate, error)
}

// SongLookup resolves candidate IDs to full song records and backs the
// popularity-only fallback path.
type SongLookup interface {
	GetSong(ctx context.Context, id string) (model.Song, error)
	ListSongsByPhrase(ctx context.Context, phrase string, limit int) ([]model.Song, error)
	ListTopByPopularity(ctx context.Context, limit int) ([]model.Song, error)
}

// Options tunes a [Matcher].
type Options struct {
	// N is the number of results requested: one primary plus up to N-1
	// alternates.
	N int

	// EfSearch overrides the HNSW ef_search parameter. Zero uses the
	// index's default (100 per the deployment's index configuration).
	EfSearch int

	// IndexVersion identifies the catalog snapshot the index was built
	// from. It participates in the fingerprint so a re-indexed catalog
	// produces distinguishable fingerprints even for identical text.
	IndexVersion string
}

// Matcher orchestrates the embed → KNN → re-rank → fingerprint pipeline
// described for the Song Matcher. It is safe for concurrent use; it holds no
// mutable per-call state.
type Matcher struct {
	embedder Embedder
	index    Index
	songs    SongLookup
	metrics  *observe.Metrics
}

// New creates a Matcher. embedder is normally an
// [internal/resilience.GatedEmbedder] wrapping an
// [internal/resilience.EmbeddingFallback] so that a failing local model
// degrades to a remote one before the matcher itself falls back to
// popularity. metrics may be nil, in which case no histograms are recorded.
func New(embedder Embedder, index Index, songs SongLookup, metrics *observe.Metrics) *Matcher {
	return &Matcher{embedder: embedder, index: index, songs: songs, metrics: metrics}
}

// Match runs the full pipeline for a single chat message. Failures at the
// embedding, index, or song-lookup stage degrade to a popularity-only result
// rather than propagating, because a match failure must not block message
// delivery (see the Chat Service's non-swallowing guarantee). It returns an
// error only for an empty query ([ErrEmptyQuery]) or when that popularity
// fallback cannot read the catalog.
func (m *Matcher) Match(ctx context.Context, text string, opts Options) (model.MatchResult, error) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.MatchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	normalized := normalize(text)
	if normalized == "" {
		return model.MatchResult{}, ErrEmptyQuery
	}
	if opts.N <= 0 {
		opts.N = 5
	}

	embedStart := time.Now()
	embedding, err := m.embedder.Embed(ctx, normalized)
	if m.metrics != nil {
		m.metrics.EmbedDuration.Record(ctx, time.Since(embedStart).Seconds())
	}
	if err != nil {
		slog.Warn("matcher: embedding failed, falling back to popularity", "error", err)
		return m.popularityFallback(ctx, normalized, opts, "fallback: embedder unavailable")
	}

	candidates, err := m.index.Search(ctx, embedding, vectorindex.SearchOptions{
		TopK:     opts.N * 2,
		EfSearch: opts.EfSearch,
	})
	if err != nil {
		slog.Warn("matcher: index search failed, falling back to popularity", "error", err)
		return m.popularityFallback(ctx, normalized, opts, "fallback: index unavailable")
	}
	if len(candidates) == 0 {
		return m.popularityFallback(ctx, normalized, opts, "fallback: no KNN candidates")
	}

	ranked := rerank(candidates, opts.N)

	refs := make([]model.SongRef, 0, len(ranked))
	candidateSims := make(map[string]float64, len(ranked))
	for _, c := range ranked {
		song, err := m.songs.GetSong(ctx, c.SongID)
		if err != nil {
			slog.Warn("matcher: candidate song lookup failed, skipping", "song_id", c.SongID, "error", err)
			continue
		}
		refs = append(refs, model.SongRef{
			ID:         song.ID,
			Title:      song.Title,
			Artist:     song.Artist,
			Album:      song.Album,
			Year:       song.Year,
			Similarity: c.Similarity,
		})
		candidateSims[song.ID] = c.Similarity
	}
	if len(refs) == 0 {
		return m.popularityFallback(ctx, normalized, opts, "fallback: candidates unresolvable")
	}

	veryWeak := true
	for _, r := range refs {
		if r.Similarity >= similarityFloor {
			veryWeak = false
			break
		}
	}

	fp := fingerprint(normalized, m.embedder.ModelID(), opts.IndexVersion)
	primary := refs[0]
	alternates := refs[1:]

	return model.MatchResult{
		Primary:    &primary,
		Alternates: alternates,
		Scores: model.Scores{
			Similarity:    primary.Similarity,
			Mode:          "vector",
			ModelVersion:  m.embedder.ModelID(),
			IndexVersion:  opts.IndexVersion,
			EfSearch:      opts.EfSearch,
			VeryWeak:      veryWeak,
			Fingerprint:   fp,
			CandidateSims: candidateSims,
		},
		Reasoning:   "vector match",
		Fingerprint: fp,
	}, nil
}

// popularityFallback returns the top songs by popularity with similarity
// zeroed out, used whenever the embedding or KNN stage cannot serve a real
// match.
func (m *Matcher) popularityFallback(ctx context.Context, normalized string, opts Options, reasoning string) (model.MatchResult, error) {
	songs, err := m.songs.ListTopByPopularity(ctx, opts.N)
	if err != nil {
		return model.MatchResult{}, fmt.Errorf("matching: popularity fallback: %w", err)
	}

	fp := fingerprint(normalized, "fallback", opts.IndexVersion)
	if len(songs) == 0 {
		return model.MatchResult{
			Primary:     nil,
			Scores:      model.Scores{Mode: "fallback", Fingerprint: fp},
			Reasoning:   reasoning,
			Fingerprint: fp,
		}, nil
	}

	refs := make([]model.SongRef, len(songs))
	for i, s := range songs {
		refs[i] = model.SongRef{ID: s.ID, Title: s.Title, Artist: s.Artist, Album: s.Album, Year: s.Year}
	}
	primary := refs[0]

	return model.MatchResult{
		Primary:    &primary,
		Alternates: refs[1:],
		Scores: model.Scores{
			Mode:        "fallback",
			VeryWeak:    true,
			Fingerprint: fp,
		},
		Reasoning:   reasoning,
		Fingerprint: fp,
	}, nil
}

// rerank applies the popularity tiebreaker and per-artist diversity cap to
// the over-fetched candidate set, returning at most n entries ordered by
// adjusted similarity descending.
func rerank(candidates []vectorindex.Candidate, n int) []vectorindex.Candidate {
	adjusted := make([]vectorindex.Candidate, len(candidates))
	copy(adjusted, candidates)

	maxPopularity := 0
	for _, c := range adjusted {
		if c.Popularity > maxPopularity {
			maxPopularity = c.Popularity
		}
	}

	type scored struct {
		candidate vectorindex.Candidate
		score     float64
	}
	scoredList := make([]scored, len(adjusted))
	for i, c := range adjusted {
		boost := 0.0
		if maxPopularity > 0 {
			boost = popularityBoostCap * c.Similarity * (float64(c.Popularity) / float64(maxPopularity))
		}
		scoredList[i] = scored{candidate: c, score: c.Similarity + boost}
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		return scoredList[i].score > scoredList[j].score
	})

	artistCount := make(map[string]int)
	result := make([]vectorindex.Candidate, 0, n)
	for _, s := range scoredList {
		if len(result) >= n {
			break
		}
		key := s.candidate.CanonicalID
		if key != "" && artistCount[key] >= maxPerArtist {
			continue
		}
		result = append(result, s.candidate)
		if key != "" {
			artistCount[key]++
		}
	}
	return result
}

// normalize trims whitespace, collapses internal runs of whitespace,
// lowercases, and caps the query at maxQueryRunes code points. The same
// normalization is expected of catalog search-text at ingestion time, so
// that identical semantic input produces identical embeddings regardless of
// casing or incidental spacing.
func normalize(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	lowered := strings.ToLower(collapsed)
	if lowered == "" {
		return ""
	}
	if utf8.RuneCountInString(lowered) <= maxQueryRunes {
		return lowered
	}
	runes := []rune(lowered)
	return string(runes[:maxQueryRunes])
}

// fingerprint deterministically hashes the normalized query text together
// with the model version and index version, so identical inputs against the
// same model and catalog snapshot always produce the same fingerprint and
// distinct inputs do not collide. This is the detection mechanism for the
// "every message matches the same song" regression class.
func fingerprint(normalizedText, modelVersion, indexVersion string) string {
	h := sha256.New()
	h.Write([]byte(normalizedText))
	h.Write([]byte{0})
	h.Write([]byte(modelVersion))
	h.Write([]byte{0})
	h.Write([]byte(indexVersion))
	return hex.EncodeToString(h.Sum(nil))
}
