package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/vectorindex"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) ModelID() string { return "fake-model-v1" }

type fakeIndex struct {
	candidates []vectorindex.Candidate
	err        error
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, opts vectorindex.SearchOptions) ([]vectorindex.Candidate, error) {
	return f.candidates, f.err
}

type fakeSongs struct {
	byID       map[string]model.Song
	topularity []model.Song
	topErr     error
}

func (f *fakeSongs) GetSong(ctx context.Context, id string) (model.Song, error) {
	s, ok := f.byID[id]
	if !ok {
		return model.Song{}, errors.New("not found")
	}
	return s, nil
}

func (f *fakeSongs) ListSongsByPhrase(ctx context.Context, phrase string, limit int) ([]model.Song, error) {
	return nil, nil
}

func (f *fakeSongs) ListTopByPopularity(ctx context.Context, limit int) ([]model.Song, error) {
	if f.topErr != nil {
		return nil, f.topErr
	}
	if limit < len(f.topularity) {
		return f.topularity[:limit], nil
	}
	return f.topularity, nil
}

func TestMatch_EmptyQueryReturnsError(t *testing.T) {
	m := New(&fakeEmbedder{}, &fakeIndex{}, &fakeSongs{}, nil)
	_, err := m.Match(context.Background(), "   ", Options{})
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestMatch_VectorModeHappyPath(t *testing.T) {
	songs := &fakeSongs{byID: map[string]model.Song{
		"song-1": {ID: "song-1", Title: "Yellow", Artist: "Coldplay"},
	}}
	idx := &fakeIndex{candidates: []vectorindex.Candidate{
		{SongID: "song-1", CanonicalID: "artist-1", Popularity: 50, Similarity: 0.9},
	}}
	m := New(&fakeEmbedder{vec: []float32{0.1, 0.2}}, idx, songs, nil)

	result, err := m.Match(context.Background(), "yellow submarine", Options{N: 5, IndexVersion: "v1"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Primary == nil || result.Primary.ID != "song-1" {
		t.Fatalf("Primary = %+v, want song-1", result.Primary)
	}
	if result.Scores.Mode != "vector" {
		t.Errorf("Mode = %q, want vector", result.Scores.Mode)
	}
	if result.Scores.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}
}

func TestMatch_EmbedderFailureFallsBackToPopularity(t *testing.T) {
	songs := &fakeSongs{topularity: []model.Song{
		{ID: "pop-1", Title: "Hey Jude", Artist: "The Beatles"},
	}}
	m := New(&fakeEmbedder{err: errors.New("model down")}, &fakeIndex{}, songs, nil)

	result, err := m.Match(context.Background(), "anything", Options{N: 5})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Scores.Mode != "fallback" {
		t.Errorf("Mode = %q, want fallback", result.Scores.Mode)
	}
	if result.Primary == nil || result.Primary.ID != "pop-1" {
		t.Fatalf("Primary = %+v, want pop-1", result.Primary)
	}
}

func TestMatch_IndexFailureFallsBackToPopularity(t *testing.T) {
	songs := &fakeSongs{topularity: []model.Song{{ID: "pop-1", Title: "Hey Jude"}}}
	m := New(&fakeEmbedder{vec: []float32{0.1}}, &fakeIndex{err: errors.New("db down")}, songs, nil)

	result, err := m.Match(context.Background(), "anything", Options{N: 5})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Scores.Mode != "fallback" {
		t.Errorf("Mode = %q, want fallback", result.Scores.Mode)
	}
}

func TestMatch_NoCandidatesFallsBackToPopularity(t *testing.T) {
	songs := &fakeSongs{topularity: []model.Song{{ID: "pop-1"}}}
	m := New(&fakeEmbedder{vec: []float32{0.1}}, &fakeIndex{candidates: nil}, songs, nil)

	result, err := m.Match(context.Background(), "anything", Options{N: 5})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Scores.Mode != "fallback" {
		t.Errorf("Mode = %q, want fallback", result.Scores.Mode)
	}
}

func TestMatch_VeryWeakFlagSetBelowSimilarityFloor(t *testing.T) {
	songs := &fakeSongs{byID: map[string]model.Song{
		"song-1": {ID: "song-1", Title: "Obscure B-Side"},
	}}
	idx := &fakeIndex{candidates: []vectorindex.Candidate{
		{SongID: "song-1", Similarity: 0.05},
	}}
	m := New(&fakeEmbedder{vec: []float32{0.1}}, idx, songs, nil)

	result, err := m.Match(context.Background(), "mumble mumble", Options{N: 5})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !result.Scores.VeryWeak {
		t.Error("VeryWeak = false, want true below the similarity floor")
	}
}

func TestMatch_FingerprintIsDeterministicAndDistinct(t *testing.T) {
	songs := &fakeSongs{byID: map[string]model.Song{
		"song-1": {ID: "song-1"},
	}}
	idx := &fakeIndex{candidates: []vectorindex.Candidate{{SongID: "song-1", Similarity: 0.5}}}
	m := New(&fakeEmbedder{vec: []float32{0.1}}, idx, songs, nil)

	r1, _ := m.Match(context.Background(), "hello world", Options{N: 5, IndexVersion: "v1"})
	r2, _ := m.Match(context.Background(), "hello world", Options{N: 5, IndexVersion: "v1"})
	r3, _ := m.Match(context.Background(), "goodbye world", Options{N: 5, IndexVersion: "v1"})

	if r1.Fingerprint != r2.Fingerprint {
		t.Error("identical input/model/index should produce identical fingerprints")
	}
	if r1.Fingerprint == r3.Fingerprint {
		t.Error("distinct input text should produce distinct fingerprints")
	}
}

func TestRerank_CapsPerArtistDiversity(t *testing.T) {
	candidates := []vectorindex.Candidate{
		{SongID: "a1", CanonicalID: "artist-a", Similarity: 0.95},
		{SongID: "a2", CanonicalID: "artist-a", Similarity: 0.90},
		{SongID: "a3", CanonicalID: "artist-a", Similarity: 0.85},
		{SongID: "b1", CanonicalID: "artist-b", Similarity: 0.80},
	}
	ranked := rerank(candidates, 4)

	artistACount := 0
	for _, c := range ranked {
		if c.CanonicalID == "artist-a" {
			artistACount++
		}
	}
	if artistACount > maxPerArtist {
		t.Errorf("artist-a appeared %d times, want at most %d", artistACount, maxPerArtist)
	}
	found := false
	for _, c := range ranked {
		if c.SongID == "b1" {
			found = true
		}
	}
	if !found {
		t.Error("expected artist-b's candidate to be included once artist-a hit its cap")
	}
}

func TestRerank_PopularityBoostCanReorderWithinCap(t *testing.T) {
	// high-pop's boosted score is 0.79 + 0.10*0.79*(100/100) = 0.869, which
	// overtakes low-pop's unboosted 0.80 — the 10% cap permits this much
	// reordering but no more.
	candidates := []vectorindex.Candidate{
		{SongID: "low-pop", Similarity: 0.80, Popularity: 0},
		{SongID: "high-pop", Similarity: 0.79, Popularity: 100},
	}
	ranked := rerank(candidates, 2)
	if len(ranked) != 2 {
		t.Fatalf("ranked len = %d, want 2", len(ranked))
	}
	if ranked[0].SongID != "high-pop" {
		t.Errorf("ranked[0] = %q, want high-pop (popularity boost should overtake a 0.01 similarity gap)", ranked[0].SongID)
	}

	// A similarity gap too large for the 10% cap to close must not reorder.
	candidates2 := []vectorindex.Candidate{
		{SongID: "far-ahead", Similarity: 0.80, Popularity: 0},
		{SongID: "popular-but-distant", Similarity: 0.50, Popularity: 100},
	}
	ranked2 := rerank(candidates2, 2)
	if ranked2[0].SongID != "far-ahead" {
		t.Errorf("ranked2[0] = %q, want far-ahead (popularity boost capped at 10%% should not close a 0.30 gap)", ranked2[0].SongID)
	}
}
