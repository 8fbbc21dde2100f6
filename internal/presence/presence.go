// Package presence implements the Presence Registry: the cross-instance
// roster of who is connected to which room, with flapping debounce and
// staleness eviction for crashed instances.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cfiorelli/musicr/internal/bus"
	"github.com/cfiorelli/musicr/internal/model"
)

// eventsChannel is the bus channel every instance publishes join/leave
// deltas to and subscribes on to learn about peers' rosters.
const eventsChannel = "presence:events"

// wireEvent is the envelope published on [eventsChannel].
type wireEvent struct {
	Entry   model.PresenceEntry `json:"entry"`
	Removed bool                `json:"removed"`
}

// entryState augments a PresenceEntry with the local connection count that
// backs flapping debounce: a user with N concurrent connections in a room
// only actually leaves when the last one drops, after a grace period.
type entryState struct {
	entry      model.PresenceEntry
	localConns int
	leaveTimer *time.Timer
}

// Registry is the Presence Registry. One Registry instance runs per server
// process; registries on different instances reconcile over a [bus.Bus].
type Registry struct {
	bus              bus.Bus
	instanceID       string
	heartbeatTimeout time.Duration
	leaveDebounce    time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]*entryState

	cancel context.CancelFunc
}

// Config tunes a [Registry].
type Config struct {
	InstanceID       string
	HeartbeatTimeout time.Duration
	LeaveDebounce    time.Duration
}

// New creates a Registry, subscribes to the bus's presence-events channel,
// and starts the background staleness sweeper. Callers must call
// [Registry.Close] during shutdown.
func New(b bus.Bus, cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		bus:              b,
		instanceID:       cfg.InstanceID,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		leaveDebounce:    cfg.LeaveDebounce,
		rooms:            make(map[string]map[string]*entryState),
		cancel:           cancel,
	}

	events, err := b.Subscribe(ctx, eventsChannel)
	if err != nil {
		slog.Warn("presence: subscribe failed, running without cross-instance sync", "error", err)
	} else {
		go r.consumeEvents(events)
	}
	go r.sweepLoop(ctx)

	return r
}

// Join adds a connection for userID in room, creating the entry on first
// connection. It is idempotent: repeated Join calls for a user with an
// existing connection just increment the local connection count and cancel
// any pending debounced leave.
func (r *Registry) Join(ctx context.Context, room, userID, anonHandle string) (model.RosterSnapshot, error) {
	r.mu.Lock()
	roomEntries, ok := r.rooms[room]
	if !ok {
		roomEntries = make(map[string]*entryState)
		r.rooms[room] = roomEntries
	}

	state, existed := roomEntries[userID]
	now := time.Now()
	isNew := false
	if existed {
		if state.leaveTimer != nil {
			state.leaveTimer.Stop()
			state.leaveTimer = nil
		}
		state.localConns++
		state.entry.LastSeen = now
	} else {
		state = &entryState{
			entry: model.PresenceEntry{
				Room:       room,
				UserID:     userID,
				AnonHandle: anonHandle,
				JoinedAt:   now,
				InstanceID: r.instanceID,
				LastSeen:   now,
			},
			localConns: 1,
		}
		roomEntries[userID] = state
		isNew = true
	}
	snapshot := r.rosterLocked(room)
	r.mu.Unlock()

	if isNew {
		r.publish(ctx, wireEvent{Entry: state.entry})
	}
	return snapshot, nil
}

// Leave drops one connection for userID in room. When the user's local
// connection count reaches zero, the entry is removed and a "left" event is
// published after [Config.LeaveDebounce] elapses, unless a new Join for the
// same user arrives first.
func (r *Registry) Leave(room, userID string) {
	r.mu.Lock()
	roomEntries, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	state, ok := roomEntries[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.localConns--
	if state.localConns > 0 {
		r.mu.Unlock()
		return
	}

	entry := state.entry
	state.leaveTimer = time.AfterFunc(r.leaveDebounce, func() {
		r.finalizeLeave(room, userID)
	})
	r.mu.Unlock()
	_ = entry
}

// finalizeLeave removes the entry if it is still at zero local connections
// after the debounce window, then publishes the departure.
func (r *Registry) finalizeLeave(room, userID string) {
	r.mu.Lock()
	roomEntries, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	state, ok := roomEntries[userID]
	if !ok || state.localConns > 0 {
		r.mu.Unlock()
		return
	}
	entry := state.entry
	delete(roomEntries, userID)
	r.mu.Unlock()

	r.publish(context.Background(), wireEvent{Entry: entry, Removed: true})
}

// Roster returns the current known roster for room, combining local state
// with whatever remote entries have been learned via the bus and not yet
// swept as stale.
func (r *Registry) Roster(room string) model.RosterSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(room)
}

func (r *Registry) rosterLocked(room string) model.RosterSnapshot {
	roomEntries := r.rooms[room]
	users := make([]model.PresenceEntry, 0, len(roomEntries))
	for _, state := range roomEntries {
		users = append(users, state.entry)
	}
	return model.RosterSnapshot{Room: room, Users: users}
}

// Close stops the sweeper and event consumer.
func (r *Registry) Close() error {
	r.cancel()
	return nil
}

func (r *Registry) publish(ctx context.Context, evt wireEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("presence: encode event failed", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, eventsChannel, payload); err != nil {
		slog.Warn("presence: publish failed", "error", err)
	}
}

func (r *Registry) consumeEvents(events <-chan bus.Message) {
	for msg := range events {
		var evt wireEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			slog.Warn("presence: malformed event", "error", err)
			continue
		}
		if evt.Entry.InstanceID == r.instanceID {
			continue // our own event, already reflected locally
		}
		r.applyRemote(evt)
	}
}

func (r *Registry) applyRemote(evt wireEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomEntries, ok := r.rooms[evt.Entry.Room]
	if !ok {
		if evt.Removed {
			return
		}
		roomEntries = make(map[string]*entryState)
		r.rooms[evt.Entry.Room] = roomEntries
	}

	if evt.Removed {
		if state, ok := roomEntries[evt.Entry.UserID]; ok && state.entry.InstanceID == evt.Entry.InstanceID {
			delete(roomEntries, evt.Entry.UserID)
		}
		return
	}

	roomEntries[evt.Entry.UserID] = &entryState{entry: evt.Entry}
}

// sweepLoop periodically evicts remote entries whose owning instance has not
// refreshed LastSeen within the heartbeat timeout, bounding how long a
// crashed instance's members linger in the roster.
func (r *Registry) sweepLoop(ctx context.Context) {
	interval := r.heartbeatTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep refreshes this instance's own entries (so peers see a live
// heartbeat) and evicts remote entries that have gone stale. Local entries
// are republished on [eventsChannel] rather than merely touched in memory:
// without that, a connection that never re-Joins would look stale to every
// other instance once heartbeatTimeout elapsed, even though it is still
// live.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var toRefresh []model.PresenceEntry
	for room, roomEntries := range r.rooms {
		for userID, state := range roomEntries {
			if state.entry.InstanceID == r.instanceID {
				state.entry.LastSeen = now
				toRefresh = append(toRefresh, state.entry)
				continue
			}
			if now.Sub(state.entry.LastSeen) > r.heartbeatTimeout {
				delete(roomEntries, userID)
				slog.Info("presence: evicted stale entry", "room", room, "user_id", userID, "instance_id", state.entry.InstanceID)
			}
		}
	}
	r.mu.Unlock()

	for _, entry := range toRefresh {
		r.publish(context.Background(), wireEvent{Entry: entry})
	}
}
