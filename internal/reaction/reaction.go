// Package reaction implements the Reaction Service: idempotent emoji
// reactions on messages, replicated across instances via the bus.
package reaction

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cfiorelli/musicr/internal/bus"
	"github.com/cfiorelli/musicr/internal/gateway/wsconn"
	"github.com/cfiorelli/musicr/internal/model"
)

const eventsChannel = "reaction:events"

// Connections is the subset of [wsconn.Manager] the Reaction Service needs.
type Connections interface {
	Broadcast(room string, envelope any, exclude wsconn.ConnID)
	RoomAndUser(id wsconn.ConnID) (room, userID string, ok bool)
}

// Store is the persistence surface the Reaction Service writes to and reads
// aggregates from. AddReaction/RemoveReaction report whether the call
// actually changed persisted state (true) or was absorbed as a no-op
// (false), per §4.4's idempotent-insert/idempotent-delete contract.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
}

// Bus publishes and subscribes to reaction envelopes for cross-instance
// fan-out.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error)
}

// Service implements the Reaction Service.
type Service struct {
	conns      Connections
	store      Store
	bus        Bus
	instanceID string
}

// New creates a reaction Service.
func New(conns Connections, store Store, b Bus, instanceID string) *Service {
	return &Service{conns: conns, store: store, bus: b, instanceID: instanceID}
}

// clientEnvelope is the wire shape sent to browser clients: no room or
// origin-instance bookkeeping, those are internal to bus relaying.
type clientEnvelope struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Handle    string `json:"handle,omitempty"`
}

// busEnvelope is the internal shape published on the bus: it carries room
// and origin so other instances know where to rebroadcast and can suppress
// their own echoes.
type busEnvelope struct {
	clientEnvelope
	Room             string `json:"room"`
	OriginInstanceID string `json:"originInstanceId"`
}

// AddReaction records the reaction and broadcasts `reaction_added` both
// locally and to other instances, but only when the reaction was actually
// new: reacting twice is absorbed as a no-op by [Store.AddReaction] and
// produces no second broadcast.
func (s *Service) AddReaction(ctx context.Context, connID wsconn.ConnID, messageID, emoji string) {
	s.apply(ctx, connID, messageID, emoji, "reaction_added", s.store.AddReaction)
}

// RemoveReaction undoes a prior [Service.AddReaction]. Removing an absent
// reaction is a no-op and, likewise, produces no broadcast.
func (s *Service) RemoveReaction(ctx context.Context, connID wsconn.ConnID, messageID, emoji string) {
	s.apply(ctx, connID, messageID, emoji, "reaction_removed", s.store.RemoveReaction)
}

func (s *Service) apply(ctx context.Context, connID wsconn.ConnID, messageID, emoji, frameType string, op func(ctx context.Context, messageID, userID, emoji string) (bool, error)) {
	room, userID, ok := s.conns.RoomAndUser(connID)
	if !ok {
		return
	}
	changed, err := op(ctx, messageID, userID, emoji)
	if err != nil {
		slog.Warn("reaction: store op failed", "type", frameType, "error", err)
		return
	}
	if !changed {
		// Idempotent no-op: the reaction already existed (add) or was
		// already absent (remove). Only a real state change is published.
		return
	}

	var handle string
	if user, err := s.store.GetUser(ctx, userID); err == nil {
		handle = user.AnonHandle
	}

	client := clientEnvelope{Type: frameType, MessageID: messageID, Emoji: emoji, UserID: userID, Handle: handle}
	s.conns.Broadcast(room, client, 0)
	s.publish(ctx, busEnvelope{clientEnvelope: client, Room: room, OriginInstanceID: s.instanceID})
}

func (s *Service) publish(ctx context.Context, envelope busEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("reaction: encode envelope failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventsChannel, payload); err != nil {
		slog.Warn("reaction: publish failed", "error", err)
	}
}

// Relay subscribes to the cross-instance reaction channel and rebroadcasts
// envelopes from other instances to local connections.
func (s *Service) Relay(ctx context.Context) error {
	messages, err := s.bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			var envelope busEnvelope
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				slog.Warn("reaction: malformed relayed envelope", "error", err)
				continue
			}
			if envelope.OriginInstanceID == s.instanceID {
				continue
			}
			s.conns.Broadcast(envelope.Room, envelope.clientEnvelope, 0)
		}
	}()
	return nil
}
