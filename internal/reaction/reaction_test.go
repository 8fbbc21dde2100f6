package reaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cfiorelli/musicr/internal/bus"
	"github.com/cfiorelli/musicr/internal/gateway/wsconn"
	"github.com/cfiorelli/musicr/internal/model"
)

type fakeConns struct {
	mu         sync.Mutex
	broadcasts []any
	room       string
	userID     string
	ok         bool
}

func (f *fakeConns) Broadcast(room string, envelope any, exclude wsconn.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, envelope)
}

func (f *fakeConns) RoomAndUser(id wsconn.ConnID) (string, string, bool) {
	return f.room, f.userID, f.ok
}

type fakeStore struct {
	user       model.User
	addErr     error
	removeErr  error
	addNoop    bool // when true, AddReaction reports no state change (already existed)
	removeNoop bool // when true, RemoveReaction reports no state change (already absent)
	added      []model.ReactionKey
	removed    []model.ReactionKey
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (model.User, error) {
	return f.user, nil
}

func (f *fakeStore) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	if f.addErr != nil {
		return false, f.addErr
	}
	if f.addNoop {
		return false, nil
	}
	f.added = append(f.added, model.ReactionKey{MessageID: messageID, UserID: userID, Emoji: emoji})
	return true, nil
}

func (f *fakeStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	if f.removeErr != nil {
		return false, f.removeErr
	}
	if f.removeNoop {
		return false, nil
	}
	f.removed = append(f.removed, model.ReactionKey{MessageID: messageID, UserID: userID, Emoji: emoji})
	return true, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error) {
	return make(chan bus.Message), nil
}

func TestAddReaction_BroadcastsAndPersists(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{user: model.User{AnonHandle: "Anon1"}}
	b := &fakeBus{}
	svc := New(conns, store, b, "inst-a")

	svc.AddReaction(context.Background(), 1, "msg-1", "🎵")

	if len(store.added) != 1 {
		t.Fatalf("added = %d, want 1", len(store.added))
	}
	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(conns.broadcasts))
	}
	env, ok := conns.broadcasts[0].(clientEnvelope)
	if !ok {
		t.Fatalf("envelope type = %T, want clientEnvelope", conns.broadcasts[0])
	}
	if env.Type != "reaction_added" {
		t.Errorf("Type = %q, want reaction_added", env.Type)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) != 1 {
		t.Fatalf("published = %d, want 1", len(b.published))
	}
}

func TestAddReaction_StoreFailureSkipsBroadcast(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{addErr: errors.New("db down")}
	svc := New(conns, store, &fakeBus{}, "inst-a")

	svc.AddReaction(context.Background(), 1, "msg-1", "🎵")

	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.broadcasts) != 0 {
		t.Errorf("broadcasts = %d, want 0 when the store op fails", len(conns.broadcasts))
	}
}

func TestRemoveReaction_BroadcastsReactionRemoved(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{}
	svc := New(conns, store, &fakeBus{}, "inst-a")

	svc.RemoveReaction(context.Background(), 1, "msg-1", "🎵")

	if len(store.removed) != 1 {
		t.Fatalf("removed = %d, want 1", len(store.removed))
	}
	conns.mu.Lock()
	defer conns.mu.Unlock()
	env := conns.broadcasts[0].(clientEnvelope)
	if env.Type != "reaction_removed" {
		t.Errorf("Type = %q, want reaction_removed", env.Type)
	}
}

func TestClientEnvelope_OmitsRoomAndOrigin(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{user: model.User{AnonHandle: "Anon1"}}
	svc := New(conns, store, &fakeBus{}, "inst-a")

	svc.AddReaction(context.Background(), 1, "msg-1", "🎵")

	conns.mu.Lock()
	defer conns.mu.Unlock()
	env := conns.broadcasts[0].(clientEnvelope)
	if env.UserID != "user-1" || env.MessageID != "msg-1" || env.Emoji != "🎵" {
		t.Errorf("unexpected envelope contents: %+v", env)
	}
	// clientEnvelope's type has no Room or OriginInstanceID field at all —
	// that's busEnvelope's job, and it is never what's sent to clients.
}

func TestAddReaction_NoopWhenAlreadyPresentSkipsBroadcast(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{user: model.User{AnonHandle: "Anon1"}, addNoop: true}
	b := &fakeBus{}
	svc := New(conns, store, b, "inst-a")

	svc.AddReaction(context.Background(), 1, "msg-1", "🎵")

	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.broadcasts) != 0 {
		t.Errorf("broadcasts = %d, want 0 when the reaction already existed", len(conns.broadcasts))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) != 0 {
		t.Errorf("published = %d, want 0 when the reaction already existed", len(b.published))
	}
}

func TestRemoveReaction_NoopWhenAlreadyAbsentSkipsBroadcast(t *testing.T) {
	conns := &fakeConns{room: "lobby", userID: "user-1", ok: true}
	store := &fakeStore{removeNoop: true}
	svc := New(conns, store, &fakeBus{}, "inst-a")

	svc.RemoveReaction(context.Background(), 1, "msg-1", "🎵")

	conns.mu.Lock()
	defer conns.mu.Unlock()
	if len(conns.broadcasts) != 0 {
		t.Errorf("broadcasts = %d, want 0 when the reaction was already absent", len(conns.broadcasts))
	}
}

func TestUnknownConnection_IsNoop(t *testing.T) {
	conns := &fakeConns{ok: false}
	store := &fakeStore{}
	svc := New(conns, store, &fakeBus{}, "inst-a")

	svc.AddReaction(context.Background(), 1, "msg-1", "🎵")

	if len(store.added) != 0 {
		t.Error("expected no store write for an unknown connection")
	}
}
