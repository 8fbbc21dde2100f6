// Package gateway is the HTTP/WS Gateway: the external surface that accepts
// WebSocket upgrades and serves the REST history/roster/health endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cfiorelli/musicr/internal/gateway/wsconn"
	"github.com/cfiorelli/musicr/internal/model"
	"github.com/cfiorelli/musicr/internal/observe"
)

const defaultHistoryLimit = 20

// MessageHistory is the read surface for the REST history endpoint.
type MessageHistory interface {
	ListMessages(ctx context.Context, room, before string, limit int) ([]model.Message, error)
	AggregateReactions(ctx context.Context, messageIDs []string) (map[string][]model.ReactionGroup, error)
}

// Presence is the read surface for the REST roster endpoint.
type Presence interface {
	Roster(room string) model.RosterSnapshot
}

// HealthReporter reports the fields the `/health` endpoint surfaces.
type HealthReporter interface {
	SongCount() int
	DBStatus() string
	BusStatus() string
}

// OnConnect is invoked for every accepted WebSocket upgrade, after the
// connection is registered with the Connection Manager; the callback itself
// is responsible for presence Join and roster/welcome delivery.
type OnConnect func(id wsconn.ConnID, room, userID, anonHandle string)

// Config configures the Gateway's transport-layer policy.
type Config struct {
	InstanceID      string
	FrontendOrigins []string // empty means same-origin / no restriction
	MaintenanceMode bool
}

// Gateway wires chi routing, WebSocket upgrade, and REST handlers together.
type Gateway struct {
	cfg       Config
	conns     *wsconn.Manager
	history   MessageHistory
	presence  Presence
	health    HealthReporter
	metrics   *observe.Metrics
	upgrader  websocket.Upgrader
	onConnect OnConnect
}

// New creates a Gateway. onConnect is called after a successful upgrade and
// registration, typically to join presence and send the initial roster
// snapshot. metrics may
// be nil, in which case the HTTP middleware records no histograms.
func New(cfg Config, conns *wsconn.Manager, history MessageHistory, presence Presence, health HealthReporter, metrics *observe.Metrics, onConnect OnConnect) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		conns:     conns,
		history:   history,
		presence:  presence,
		health:    health,
		metrics:   metrics,
		onConnect: onConnect,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	// Upgrades carrying an Origin header must match FrontendOrigins (any
	// origin passes when that list is empty); non-browser clients that send
	// no Origin are accepted.
	g.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || g.originAllowed(origin)
	}
	return g
}

// Router builds the chi router exposing the Gateway's full HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if g.metrics != nil {
		r.Use(observe.Middleware(g.metrics))
	}
	r.Use(g.corsMiddleware)

	r.Get("/health", g.handleHealth)
	r.Get("/rooms/{room}/users", g.handleRoster)
	r.Get("/rooms/{room}/messages", g.handleHistory)
	r.Get("/ws", g.handleWebSocket)

	return r
}

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && g.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("X-Instance-Id", g.cfg.InstanceID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) originAllowed(origin string) bool {
	if len(g.cfg.FrontendOrigins) == 0 {
		return true
	}
	for _, allowed := range g.cfg.FrontendOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":         true,
		"instanceId": g.cfg.InstanceID,
		"songCount":  g.health.SongCount(),
		"db":         g.health.DBStatus(),
		"bus":        g.health.BusStatus(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRoster(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	snapshot := g.presence.Roster(room)
	writeJSON(w, http.StatusOK, snapshot)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	before := r.URL.Query().Get("before")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := g.history.ListMessages(r.Context(), room, before, limit)
	if err != nil {
		slog.Error("gateway: list messages failed", "room", room, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	reactions, err := g.history.AggregateReactions(r.Context(), ids)
	if err != nil {
		slog.Warn("gateway: aggregate reactions failed", "room", room, "error", err)
		reactions = map[string][]model.ReactionGroup{}
	}

	type historyEntry struct {
		model.Message
		Reactions []model.ReactionGroup `json:"reactions,omitempty"`
	}
	entries := make([]historyEntry, len(messages))
	for i, m := range messages {
		entries[i] = historyEntry{Message: m, Reactions: reactions[m.ID]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "messages": entries})
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.cfg.MaintenanceMode {
		http.Error(w, "maintenance mode", http.StatusServiceUnavailable)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = "default"
	}

	userID := resolveUserID(r)
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: ws upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	anonHandle := r.URL.Query().Get("handle")
	g.conns.Serve(r.Context(), conn, room, userID, func(id wsconn.ConnID) {
		if g.onConnect != nil {
			g.onConnect(id, room, userID, anonHandle)
		}
	})
}

// resolveUserID reads the client-generated UUID from the userId query
// parameter, falling back to an identity header. Upgrade is rejected
// upstream if neither is present.
func resolveUserID(r *http.Request) string {
	if id := r.URL.Query().Get("userId"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	if id := r.Header.Get("X-User-Id"); id != "" {
		return strings.TrimSpace(id)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
