// Package wsconn implements the Connection Manager: it owns every live
// WebSocket in the process, demultiplexes inbound frames to typed handlers,
// and fans outbound envelopes out to local connections in a room.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnID identifies one live connection within this process. It is never
// reused within a process lifetime and never sent to clients.
type ConnID uint64

// frame is the minimal shape every inbound/outbound JSON message shares: a
// type tag plus whatever fields that type defines.
type frame struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	ClientTempID     string `json:"clientTempId,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	Emoji            string `json:"emoji,omitempty"`
}

// IncomingMsg is a parsed `{"type":"msg",...}` frame.
type IncomingMsg struct {
	Text             string
	ReplyToMessageID string
	ClientTempID     string
}

// Handlers dispatches parsed inbound frames. Each field is a typed handler
// function, the dispatch-table idiom in place of a large type switch.
// Nil fields are treated as no-ops.
type Handlers struct {
	OnMessage        func(ctx context.Context, id ConnID, msg IncomingMsg)
	OnReactionAdd    func(ctx context.Context, id ConnID, messageID, emoji string)
	OnReactionRemove func(ctx context.Context, id ConnID, messageID, emoji string)
	OnClose          func(id ConnID, room, userID string)
}

// conn holds per-connection state. writeMu serializes writes since
// gorilla/websocket connections are not safe for concurrent writers.
type conn struct {
	id       ConnID
	ws       *websocket.Conn
	room     string
	userID   string
	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos of the last inbound frame
}

// Manager owns the set of live connections, grouped by room for local
// broadcast fan-out.
//
// Lock order: Manager.mu guards room membership and the connection index; no
// network I/O happens while it is held.
type Manager struct {
	handlers         Handlers
	heartbeatTimeout time.Duration

	mu     sync.Mutex
	conns  map[ConnID]*conn
	byRoom map[string]map[ConnID]struct{}
	nextID atomic.Uint64
}

// New creates a Manager. heartbeatTimeout is how long a connection may go
// without any inbound frame before it is closed with reason "stale".
func New(handlers Handlers, heartbeatTimeout time.Duration) *Manager {
	return &Manager{
		handlers:         handlers,
		heartbeatTimeout: heartbeatTimeout,
		conns:            make(map[ConnID]*conn),
		byRoom:           make(map[string]map[ConnID]struct{}),
	}
}

// SetHandlers replaces the dispatch table. Callers that need the Chat and
// Reaction Services to reference this Manager (for Broadcast/Send) while the
// Manager's own handlers reference those same services must wire the cycle
// by calling SetHandlers once construction completes. Must be called before
// Serve is invoked for the first connection; it is not safe to call
// concurrently with Serve.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers = h
}

// Serve registers ws under (room, userID), then blocks reading and
// dispatching frames until the connection closes or ctx is cancelled. The
// caller (the HTTP upgrade handler) should invoke Serve in the goroutine
// handling that request; it is itself a suspension point and never blocks
// the accept loop for other connections.
//
// onRegistered, if non-nil, is invoked with the connection's ID immediately
// after registration and before the blocking read loop starts — callers that
// need to send a welcome frame (e.g. the initial roster) must use this hook
// rather than acting after Serve returns, since Serve does not return until
// the connection has already closed.
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, room, userID string, onRegistered func(ConnID)) ConnID {
	id := ConnID(m.nextID.Add(1))
	c := &conn{id: id, ws: ws, room: room, userID: userID}
	c.lastSeen.Store(time.Now().UnixNano())

	m.mu.Lock()
	m.conns[id] = c
	if m.byRoom[room] == nil {
		m.byRoom[room] = make(map[ConnID]struct{})
	}
	m.byRoom[room][id] = struct{}{}
	m.mu.Unlock()

	if onRegistered != nil {
		onRegistered(id)
	}

	stop := make(chan struct{})
	go m.watchHeartbeat(c, stop)

	m.readLoop(ctx, c)

	close(stop)
	m.Close(id, "closed")
	return id
}

func (m *Manager) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = m.Send(c.id, map[string]string{"type": "error", "message": "malformed frame"})
			continue
		}

		switch f.Type {
		case "ping":
			_ = m.Send(c.id, map[string]string{"type": "pong"})
		case "msg":
			if m.handlers.OnMessage != nil {
				m.handlers.OnMessage(ctx, c.id, IncomingMsg{
					Text:             f.Text,
					ReplyToMessageID: f.ReplyToMessageID,
					ClientTempID:     f.ClientTempID,
				})
			}
		case "reaction_add":
			if m.handlers.OnReactionAdd != nil {
				m.handlers.OnReactionAdd(ctx, c.id, f.MessageID, f.Emoji)
			}
		case "reaction_remove":
			if m.handlers.OnReactionRemove != nil {
				m.handlers.OnReactionRemove(ctx, c.id, f.MessageID, f.Emoji)
			}
		default:
			_ = m.Send(c.id, map[string]string{"type": "error", "message": "unknown frame type"})
		}
	}
}

// watchHeartbeat closes c with reason "stale" once heartbeatTimeout elapses
// with no inbound frame.
func (m *Manager) watchHeartbeat(c *conn, stop <-chan struct{}) {
	if m.heartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastSeen.Load())
			if time.Since(last) > m.heartbeatTimeout {
				slog.Info("wsconn: heartbeat timeout, closing", "conn_id", c.id, "user_id", c.userID)
				m.Close(c.id, "stale")
				return
			}
		}
	}
}

// Broadcast sends envelope to every local connection in room except
// exclude (pass 0 to exclude none). This is the local fan-out half of cross-
// instance delivery; the bus carries the envelope to other instances.
func (m *Manager) Broadcast(room string, envelope any, exclude ConnID) {
	m.mu.Lock()
	ids := m.byRoom[room]
	targets := make([]ConnID, 0, len(ids))
	for id := range ids {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		if err := m.Send(id, envelope); err != nil {
			slog.Warn("wsconn: broadcast send failed", "conn_id", id, "error", err)
		}
	}
}

// Send delivers envelope to exactly one connection.
func (m *Manager) Send(id ConnID, envelope any) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("wsconn: unknown connection %d", id)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(envelope)
}

// Close removes id from the registry and closes its socket. reason is
// logged, not sent to the client (gorilla's close frame carries no
// application payload by default).
func (m *Manager) Close(id ConnID, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		if room := m.byRoom[c.room]; room != nil {
			delete(room, id)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("wsconn: connection closed", "conn_id", id, "reason", reason)

	_ = c.ws.Close()
	if m.handlers.OnClose != nil {
		m.handlers.OnClose(id, c.room, c.userID)
	}
}

// RoomAndUser returns the room and user ID a connection was accepted under.
func (m *Manager) RoomAndUser(id ConnID) (room, userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return "", "", false
	}
	return c.room, c.userID, true
}

// ErrClosed is returned by callers that attempt to operate on a connection
// that has already been removed from the registry.
var ErrClosed = errors.New("wsconn: connection closed")
