// Package model defines the core data types shared across musicr's
// persistence, matching, presence, and gateway layers.
package model

import "time"

// Song is a catalog entry matched against chat messages.
//
// Embedding is stored twice in the persistence layer: a portable JSON-array
// form for reads that do not touch the vector engine, and a native pgvector
// column for indexed search. Both must agree within float tolerance; see
// [internal/store/postgres].
type Song struct {
	ID          string
	ExternalIDs SongExternalIDs
	Title       string
	Artist      string
	CanonicalID string // canonical primary-artist ID, used for diversity capping
	Album       string
	Year        int
	Tags        []string // lowercase, deduplicated
	Phrases     []string // lowercase, deduplicated
	Popularity  int      // 0-100
	Placeholder bool
	Source      string
	Embedding   []float32 // 384-dim unit vector; nil until backfilled
}

// SongExternalIDs holds optional cross-reference identifiers for a Song.
type SongExternalIDs struct {
	RecordingID string
	ISRC        string
}

// User is an anonymous actor identified by a client-generated UUID.
type User struct {
	ID         string // UUID v4, client-generated
	AnonHandle string // stable, human-readable (e.g. "happy-fox-a3b")
	IPHash     string // salted, used only for rate limiting
	CreatedAt  time.Time
}

// Room is a named chat room, created on first reference.
type Room struct {
	Name      string
	Config    RoomConfig
	CreatedAt time.Time
}

// RoomConfig holds optional per-room tuning. Zero value means "use server
// defaults".
type RoomConfig struct {
	MaxHistory      int
	SlowModeSeconds int
}

// Message is an immutable chat event.
type Message struct {
	ID               string    `json:"id"` // UUID, server-assigned at persistence time
	ClientTempID     string    `json:"clientTempId,omitempty"`
	Room             string    `json:"room"`
	UserID           string    `json:"userId"`
	Text             string    `json:"text"`
	ChosenSongID     string    `json:"chosenSongId,omitempty"` // empty if match failed
	Scores           Scores    `json:"scores"`
	CreatedAt        time.Time `json:"createdAt"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
	Durable          bool      `json:"durable"`
}

// Scores is the Song Matcher's result metadata, persisted alongside a
// Message and echoed in the outbound envelope.
type Scores struct {
	Similarity    float64            `json:"similarity"` // canonical [0,1] score of the chosen song, if any
	Mode          string             `json:"mode"`        // "vector" | "fallback" | "none"
	ModelVersion  string             `json:"modelVersion"`
	IndexVersion  string             `json:"indexVersion"`
	EfSearch      int                `json:"efSearch"`
	VeryWeak      bool               `json:"veryWeak"` // true when every candidate fell below the floor
	Fingerprint   string             `json:"fingerprint"`
	Reasoning     string             `json:"reasoning"`
	CandidateSims map[string]float64 `json:"candidateSims,omitempty"` // songId -> similarity, for the primary and alternates
}

// SongRef is the compact view of a Song returned in a match result and
// echoed to clients: enough to render a result without shipping the full
// catalog row.
type SongRef struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	Year       int
	Similarity float64
}

// MatchResult is the Song Matcher's output for one chat message.
type MatchResult struct {
	Primary     *SongRef
	Alternates  []SongRef
	Scores      Scores
	Reasoning   string
	Fingerprint string
}

// ReactionKey is the natural key of a Reaction: (messageId, userId, emoji).
type ReactionKey struct {
	MessageID string
	UserID    string
	Emoji     string
}

// Reaction is an emoji attached to a message by a user.
type Reaction struct {
	ReactionKey
	CreatedAt time.Time
}

// ReactionGroup is an aggregated view of reactions on one message, grouped
// by emoji.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Handles []string `json:"handles"`
}

// PresenceEntry is a cross-instance roster element for a (room, userId) pair.
type PresenceEntry struct {
	Room       string    `json:"room"`
	UserID     string    `json:"userId"`
	AnonHandle string    `json:"handle"`
	JoinedAt   time.Time `json:"joinedAt"`
	InstanceID string    `json:"-"`
	LastSeen   time.Time `json:"-"`
}

// RosterSnapshot is the authoritative set of presence entries for a room at
// a point in time.
type RosterSnapshot struct {
	Room  string          `json:"room"`
	Users []PresenceEntry `json:"users"`
}
