// Package chat implements the Chat Service: the end-to-end pipeline that
// turns an inbound WebSocket message frame into a matched, persisted,
// broadcast chat envelope.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/cfiorelli/musicr/internal/bus"
	"github.com/cfiorelli/musicr/internal/gateway/wsconn"
	"github.com/cfiorelli/musicr/internal/matching"
	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/observe"
)

// maxTextRunes is the maximum accepted message length, in Unicode code
// points.
const maxTextRunes = 500

// eventsChannel is the bus channel chat envelopes are published on for other
// instances to rebroadcast locally.
const eventsChannel = "chat:events"

// ErrEmptyText and ErrTextTooLong are the two validation failures surfaced
// to the sender as an "error" frame; neither is broadcast.
var (
	ErrEmptyText   = errors.New("chat: text must not be empty")
	ErrTextTooLong = errors.New("chat: text exceeds maximum length")
)

// Connections is the subset of [wsconn.Manager] the Chat Service needs.
type Connections interface {
	Broadcast(room string, envelope any, exclude wsconn.ConnID)
	Send(id wsconn.ConnID, envelope any) error
	RoomAndUser(id wsconn.ConnID) (room, userID string, ok bool)
}

// Matcher runs the Song Matcher pipeline.
type Matcher interface {
	Match(ctx context.Context, text string, opts matching.Options) (model.MatchResult, error)
}

// Store is the persistence surface the Chat Service writes to.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	InsertMessage(ctx context.Context, room, userID, clientTempID, text, chosenSongID string, scores model.Scores, replyToMessageID string) (model.Message, error)
}

// Bus publishes and subscribes to chat envelopes for cross-instance fan-out.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error)
}

// Config tunes rate limiting and matching.
type Config struct {
	MessagesPerSecond float64
	Burst             int
	MatchN            int
	EfSearch          int
	IndexVersion      string
	InstanceID        string
	DebugMatching     bool
}

// Service implements the Chat Service.
type Service struct {
	conns   Connections
	matcher Matcher
	store   Store
	bus     Bus
	metrics *observe.Metrics
	cfg     Config

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // keyed by IP hash
}

// New creates a chat Service.
func New(conns Connections, matcher Matcher, store Store, b Bus, metrics *observe.Metrics, cfg Config) *Service {
	return &Service{
		conns:    conns,
		matcher:  matcher,
		store:    store,
		bus:      b,
		metrics:  metrics,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// displayEnvelope is the `{"type":"display",...}` wire frame sent to
// clients.
type displayEnvelope struct {
	Type             string       `json:"type"`
	ID               string       `json:"id"`
	Room             string       `json:"room"`
	UserID           string       `json:"userId"`
	Handle           string       `json:"handle"`
	Text             string       `json:"text"`
	CreatedAt        time.Time    `json:"createdAt"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	Song             *songRef     `json:"song,omitempty"`
	Scores           model.Scores `json:"scores"`
	Reasoning        string       `json:"reasoning"`
	Similarity       float64      `json:"similarity"`
	Durable          bool         `json:"durable"`
}

// busDisplayEnvelope is the internal shape published on the bus: the client
// envelope plus the origin instance ID used to suppress re-broadcasting an
// instance's own messages back to itself.
type busDisplayEnvelope struct {
	displayEnvelope
	OriginInstanceID string `json:"originInstanceId"`
}

type songRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Year   int    `json:"year,omitempty"`
}

// HandleUserMessage runs the six-step Chat Service pipeline for one inbound
// `msg` frame from connID. It never returns an error to the caller: every
// failure path either sends a sender-only error frame or falls through to a
// best-effort, non-durable broadcast, per the non-swallowing guarantee. A
// frame from a connection that is no longer registered is dropped silently.
func (s *Service) HandleUserMessage(ctx context.Context, connID wsconn.ConnID, msg wsconn.IncomingMsg) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	room, userID, ok := s.conns.RoomAndUser(connID)
	if !ok {
		return
	}

	// 1. Validate.
	if err := validate(msg.Text); err != nil {
		s.sendError(connID, err.Error())
		return
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		slog.Error("chat: user lookup failed", "user_id", userID, "error", err)
		s.sendError(connID, "internal error")
		return
	}

	// 2. Rate-limit by IP hash.
	if !s.allow(user.IPHash) {
		s.sendError(connID, "rate limit exceeded")
		return
	}

	// 3. Song Matcher.
	result, err := s.matcher.Match(ctx, msg.Text, matching.Options{
		N:            s.cfg.MatchN,
		EfSearch:     s.cfg.EfSearch,
		IndexVersion: s.cfg.IndexVersion,
	})
	if err != nil {
		// Empty-after-normalization text (already guarded by validate) or a
		// failed catalog read in the matcher's popularity fallback.
		slog.Warn("chat: matcher returned error", "error", err)
		result = model.MatchResult{Scores: model.Scores{Mode: "none"}, Reasoning: "no match attempted"}
	}
	if s.metrics != nil {
		s.metrics.RecordMatchOutcome(ctx, result.Scores.Mode)
	}
	if s.cfg.DebugMatching {
		slog.Info("chat: match result", "fingerprint", result.Fingerprint, "mode", result.Scores.Mode, "user_id", userID)
	}

	var chosenSongID string
	if result.Primary != nil {
		chosenSongID = result.Primary.ID
	}

	// 4. Persist; degrade to non-durable broadcast on failure.
	durable := true
	persistStart := time.Now()
	message, err := s.store.InsertMessage(ctx, room, userID, msg.ClientTempID, msg.Text, chosenSongID, result.Scores, msg.ReplyToMessageID)
	if s.metrics != nil {
		s.metrics.PersistDuration.Record(ctx, time.Since(persistStart).Seconds())
	}
	if err != nil {
		slog.Warn("chat: persistence failed, broadcasting non-durably", "error", err)
		if s.metrics != nil {
			s.metrics.RecordPersistenceError(ctx, "insert_message")
		}
		durable = false
		message = model.Message{
			ID:               transientID(),
			Room:             room,
			UserID:           userID,
			Text:             msg.Text,
			ChosenSongID:     chosenSongID,
			Scores:           result.Scores,
			CreatedAt:        time.Now(),
			ReplyToMessageID: msg.ReplyToMessageID,
		}
	}

	// 5. Construct the outbound envelope.
	envelope := displayEnvelope{
		Type:             "display",
		ID:               message.ID,
		Room:             room,
		UserID:           userID,
		Handle:           user.AnonHandle,
		Text:             message.Text,
		CreatedAt:        message.CreatedAt,
		ReplyToMessageID: message.ReplyToMessageID,
		Scores:           result.Scores,
		Reasoning:        result.Reasoning,
		Similarity:       result.Scores.Similarity,
		Durable:          durable,
	}
	if result.Primary != nil {
		envelope.Song = &songRef{ID: result.Primary.ID, Title: result.Primary.Title, Artist: result.Primary.Artist, Year: result.Primary.Year}
	}

	// 6. Broadcast locally and publish for other instances.
	s.conns.Broadcast(room, envelope, 0)
	s.publish(ctx, busDisplayEnvelope{displayEnvelope: envelope, OriginInstanceID: s.cfg.InstanceID})
}

// Relay subscribes to the cross-instance chat channel and rebroadcasts
// envelopes originated by other instances to local connections. Envelopes
// whose originInstanceId equals this instance are dropped: they were
// already broadcast locally by [Service.HandleUserMessage], and
// rebroadcasting them would duplicate delivery to this instance's own
// connections.
func (s *Service) Relay(ctx context.Context) error {
	messages, err := s.bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			var envelope busDisplayEnvelope
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				slog.Warn("chat: malformed relayed envelope", "error", err)
				continue
			}
			if envelope.OriginInstanceID == s.cfg.InstanceID {
				continue
			}
			s.conns.Broadcast(envelope.Room, envelope.displayEnvelope, 0)
		}
	}()
	return nil
}

// validate enforces the Chat Service's text contract: non-empty, at most
// maxTextRunes code points.
func validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > maxTextRunes {
		return ErrTextTooLong
	}
	return nil
}

// allow checks the token bucket for ipHash, creating one on first use.
func (s *Service) allow(ipHash string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[ipHash]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
		s.limiters[ipHash] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func (s *Service) sendError(connID wsconn.ConnID, message string) {
	_ = s.conns.Send(connID, map[string]string{"type": "error", "message": message})
}

func (s *Service) publish(ctx context.Context, envelope busDisplayEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("chat: encode envelope failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, eventsChannel, payload); err != nil {
		slog.Warn("chat: publish failed", "error", err)
	}
}

// transientID produces a placeholder ID for messages that could not be
// persisted, so the client still has something stable to deduplicate by
// within the lifetime of the connection.
func transientID() string {
	return "transient-" + time.Now().Format("20060102T150405.000000000")
}
