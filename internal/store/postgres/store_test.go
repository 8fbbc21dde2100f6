package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/store/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MUSICR_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MUSICR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MUSICR_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS reactions CASCADE",
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS rooms CASCADE",
		"DROP TABLE IF EXISTS users CASCADE",
		"DROP TABLE IF EXISTS songs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestGetOrCreateUser_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u1, err := store.GetOrCreateUser(ctx, "user-1", "HappyFox", "iphash-1")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	u2, err := store.GetOrCreateUser(ctx, "user-1", "DifferentHandle", "iphash-2")
	if err != nil {
		t.Fatalf("GetOrCreateUser second call: %v", err)
	}
	if u1.AnonHandle != u2.AnonHandle {
		t.Errorf("AnonHandle changed on repeat GetOrCreateUser: %q vs %q", u1.AnonHandle, u2.AnonHandle)
	}
}

func TestGetOrCreateRoom_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r1, err := store.GetOrCreateRoom(ctx, "lobby")
	if err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	r2, err := store.GetOrCreateRoom(ctx, "lobby")
	if err != nil {
		t.Fatalf("GetOrCreateRoom second call: %v", err)
	}
	if r1.CreatedAt != r2.CreatedAt {
		t.Error("GetOrCreateRoom created a second row for the same name")
	}
}

func TestInsertMessage_ClientTempIDDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetOrCreateUser(ctx, "user-1", "HappyFox", ""); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if _, err := store.GetOrCreateRoom(ctx, "lobby"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}

	scores := model.Scores{Mode: "none"}
	m1, err := store.InsertMessage(ctx, "lobby", "user-1", "client-temp-1", "hello", "", scores, "")
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	m2, err := store.InsertMessage(ctx, "lobby", "user-1", "client-temp-1", "hello again, different text", "", scores, "")
	if err != nil {
		t.Fatalf("InsertMessage replay: %v", err)
	}
	if m1.ID != m2.ID {
		t.Errorf("replaying the same clientTempID created a second message: %q vs %q", m1.ID, m2.ID)
	}
}

func TestListMessages_NewestFirstWithCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetOrCreateUser(ctx, "user-1", "HappyFox", ""); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if _, err := store.GetOrCreateRoom(ctx, "lobby"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := store.InsertMessage(ctx, "lobby", "user-1", "", "message", "", model.Scores{}, "")
		if err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	all, err := store.ListMessages(ctx, "lobby", "", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListMessages len = %d, want 3", len(all))
	}
	if all[0].ID != ids[2] {
		t.Errorf("newest-first ordering violated: got %q first, want %q", all[0].ID, ids[2])
	}

	page, err := store.ListMessages(ctx, "lobby", all[0].ID, 10)
	if err != nil {
		t.Fatalf("ListMessages with cursor: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("ListMessages with cursor len = %d, want 2", len(page))
	}
}

func TestReactions_AddIsIdempotentAndAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetOrCreateUser(ctx, "user-1", "HappyFox", ""); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if _, err := store.GetOrCreateRoom(ctx, "lobby"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	msg, err := store.InsertMessage(ctx, "lobby", "user-1", "", "hello", "", model.Scores{}, "")
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	inserted, err := store.AddReaction(ctx, msg.ID, "user-1", "🎵")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if !inserted {
		t.Error("first AddReaction: inserted = false, want true")
	}
	inserted, err = store.AddReaction(ctx, msg.ID, "user-1", "🎵")
	if err != nil {
		t.Fatalf("AddReaction repeat: %v", err)
	}
	if inserted {
		t.Error("repeat AddReaction: inserted = true, want false (idempotent no-op)")
	}

	grouped, err := store.AggregateReactions(ctx, []string{msg.ID})
	if err != nil {
		t.Fatalf("AggregateReactions: %v", err)
	}
	groups := grouped[msg.ID]
	if len(groups) != 1 || groups[0].Count != 1 {
		t.Fatalf("groups = %+v, want one group with Count 1 (AddReaction must be idempotent)", groups)
	}

	deleted, err := store.RemoveReaction(ctx, msg.ID, "user-1", "🎵")
	if err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if !deleted {
		t.Error("first RemoveReaction: deleted = false, want true")
	}
	deleted, err = store.RemoveReaction(ctx, msg.ID, "user-1", "🎵")
	if err != nil {
		t.Fatalf("RemoveReaction repeat: %v", err)
	}
	if deleted {
		t.Error("repeat RemoveReaction: deleted = true, want false (already absent)")
	}
	grouped, err = store.AggregateReactions(ctx, []string{msg.ID})
	if err != nil {
		t.Fatalf("AggregateReactions after remove: %v", err)
	}
	if len(grouped[msg.ID]) != 0 {
		t.Errorf("expected no reaction groups after RemoveReaction, got %+v", grouped[msg.ID])
	}
}

func TestSong_UpsertGetAndPopularityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	songs := []model.Song{
		{ID: "song-low", Title: "B-Side", Artist: "Nobody", Popularity: 5},
		{ID: "song-high", Title: "Hit Single", Artist: "Somebody", Popularity: 90},
	}
	for _, s := range songs {
		if err := store.UpsertSong(ctx, s); err != nil {
			t.Fatalf("UpsertSong %q: %v", s.ID, err)
		}
	}

	got, err := store.GetSong(ctx, "song-high")
	if err != nil {
		t.Fatalf("GetSong: %v", err)
	}
	if got.Title != "Hit Single" {
		t.Errorf("Title = %q, want Hit Single", got.Title)
	}

	top, err := store.ListTopByPopularity(ctx, 2)
	if err != nil {
		t.Fatalf("ListTopByPopularity: %v", err)
	}
	if len(top) != 2 || top[0].ID != "song-high" {
		t.Fatalf("ListTopByPopularity order = %+v, want song-high first", top)
	}
}

func TestSong_PlaceholderExcludedFromPopularityFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSong(ctx, model.Song{ID: "ph-1", Title: "Placeholder", Popularity: 100, Placeholder: true}); err != nil {
		t.Fatalf("UpsertSong placeholder: %v", err)
	}
	if err := store.UpsertSong(ctx, model.Song{ID: "real-1", Title: "Real Song", Popularity: 1}); err != nil {
		t.Fatalf("UpsertSong real: %v", err)
	}

	top, err := store.ListTopByPopularity(ctx, 10)
	if err != nil {
		t.Fatalf("ListTopByPopularity: %v", err)
	}
	for _, s := range top {
		if s.ID == "ph-1" {
			t.Fatal("placeholder song must not appear in popularity fallback results")
		}
	}
}
