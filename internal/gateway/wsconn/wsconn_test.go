package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestServer upgrades every incoming request and hands the connection to
// Manager.Serve in its own goroutine, mirroring how the Gateway drives the
// Manager in production.
func newTestServer(t *testing.T, m *Manager, room, userID string) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go m.Serve(context.Background(), conn, room, userID, nil)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestManager_PingPong(t *testing.T) {
	m := New(Handlers{}, time.Hour)
	_, url := newTestServer(t, m, "lobby", "user-1")
	client := dial(t, url)

	if err := client.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var resp map[string]string
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp["type"] != "pong" {
		t.Errorf("type = %q, want pong", resp["type"])
	}
}

func TestManager_OnMessageDispatched(t *testing.T) {
	var mu sync.Mutex
	var gotText string
	done := make(chan struct{})

	m := New(Handlers{
		OnMessage: func(ctx context.Context, id ConnID, msg IncomingMsg) {
			mu.Lock()
			gotText = msg.Text
			mu.Unlock()
			close(done)
		},
	}, time.Hour)
	_, url := newTestServer(t, m, "lobby", "user-1")
	client := dial(t, url)

	if err := client.WriteJSON(map[string]string{"type": "msg", "text": "here comes the sun"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotText != "here comes the sun" {
		t.Errorf("text = %q, want %q", gotText, "here comes the sun")
	}
}

func TestManager_UnknownFrameTypeReturnsError(t *testing.T) {
	m := New(Handlers{}, time.Hour)
	_, url := newTestServer(t, m, "lobby", "user-1")
	client := dial(t, url)

	if err := client.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var resp map[string]string
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp["type"] != "error" {
		t.Errorf("type = %q, want error", resp["type"])
	}
}

func TestManager_BroadcastDeliversToRoomMembers(t *testing.T) {
	m := New(Handlers{}, time.Hour)
	_, url := newTestServer(t, m, "lobby", "user-1")

	receiver := dial(t, url)
	sender := dial(t, url)
	_ = sender

	// Give Serve time to register both connections before broadcasting.
	time.Sleep(100 * time.Millisecond)

	m.Broadcast("lobby", map[string]string{"type": "display", "text": "hi"}, 0)

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := receiver.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp["type"] != "display" {
		t.Errorf("type = %q, want display", resp["type"])
	}
}

func TestManager_SetHandlersBeforeServe(t *testing.T) {
	m := New(Handlers{}, time.Hour)
	called := make(chan struct{})
	m.SetHandlers(Handlers{
		OnMessage: func(ctx context.Context, id ConnID, msg IncomingMsg) {
			close(called)
		},
	})

	_, url := newTestServer(t, m, "lobby", "user-1")
	client := dial(t, url)
	if err := client.WriteJSON(map[string]string{"type": "msg", "text": "x"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler installed via SetHandlers before Serve was never invoked")
	}
}

func TestManager_OnRegisteredFiresBeforeConnectionCloses(t *testing.T) {
	m := New(Handlers{}, time.Hour)
	upgrader := websocket.Upgrader{}
	registered := make(chan ConnID, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.Serve(context.Background(), conn, "lobby", "user-1", func(id ConnID) {
			registered <- id
		})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dial(t, wsURL)

	select {
	case id := <-registered:
		// The connection must be sendable to immediately after registration,
		// while the client is still connected.
		if err := m.Send(id, map[string]string{"type": "roster"}); err != nil {
			t.Errorf("Send right after onRegistered failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onRegistered was never invoked")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("client never received the post-registration frame: %v", err)
	}
	if resp["type"] != "roster" {
		t.Errorf("type = %q, want roster", resp["type"])
	}
}
