package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testConfig() Config {
	return Config{PingInterval: time.Hour, PongTimeout: time.Hour, SendQueueDepth: 4}
}

func dialTestConnection(t *testing.T) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial test websocket: %v", err)
	}
	return conn
}

func TestConnection_NewConnectionDefaults(t *testing.T) {
	ws := dialTestConnection(t)
	defer ws.Close()

	c := NewConnection("conn-1", ws, testConfig())
	defer c.Close()

	if c.IsAuthenticated() {
		t.Error("new connection should not be authenticated")
	}
	if c.ID != "conn-1" {
		t.Errorf("expected ID conn-1, got %s", c.ID)
	}
}

func TestConnection_SetCredentials(t *testing.T) {
	ws := dialTestConnection(t)
	defer ws.Close()

	c := NewConnection("conn-1", ws, testConfig())
	defer c.Close()

	c.SetCredentials("teacher-a", "teacher", "session-1", "")
	if !c.IsAuthenticated() {
		t.Error("expected authenticated after SetCredentials")
	}
	if c.UserID() != "teacher-a" || c.Role() != "teacher" || c.SessionID() != "session-1" {
		t.Errorf("unexpected credentials: %s %s %s", c.UserID(), c.Role(), c.SessionID())
	}

	c.SetTargetLanguage("es")
	if c.TargetLanguage() != "es" {
		t.Errorf("expected target language es, got %s", c.TargetLanguage())
	}
}

func TestConnection_SendAndClose(t *testing.T) {
	ws := dialTestConnection(t)
	defer ws.Close()

	c := NewConnection("conn-1", ws, testConfig())

	if err := c.Send("connection", map[string]string{"status": "ok"}); err != nil {
		t.Errorf("Send on open connection should succeed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close should succeed: %v", err)
	}
	// Second close must be a no-op, not a panic or error.
	if err := c.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got: %v", err)
	}

	if err := c.Send("connection", map[string]string{"status": "ok"}); err != ErrConnectionClosed {
		t.Errorf("Send on a closed connection should return ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_SendDropsOldestNonControlUnderBackpressure(t *testing.T) {
	ws := dialTestConnection(t)
	defer ws.Close()

	cfg := testConfig()
	cfg.SendQueueDepth = 1
	c := NewConnection("conn-1", ws, cfg)
	defer c.Close()

	// "translation" is not in the control set, so a full queue should evict
	// the oldest entry rather than block or error.
	if err := c.Send("translation", map[string]string{"seq": "1"}); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	if err := c.Send("translation", map[string]string{"seq": "2"}); err != nil {
		t.Errorf("second send under backpressure should still succeed by dropping the oldest: %v", err)
	}
}

func TestConnection_SendInvalidJSON(t *testing.T) {
	ws := dialTestConnection(t)
	defer ws.Close()

	c := NewConnection("conn-1", ws, testConfig())
	defer c.Close()

	if err := c.Send("translation", make(chan int)); err != ErrInvalidJSON {
		t.Errorf("expected ErrInvalidJSON for an unmarshalable value, got %v", err)
	}
}

// dialWithServerConn is like dialTestConnection but also hands back the
// server-side *Connection, so tests can exercise ReadMessage directly
// against frames the client writes.
func dialWithServerConn(t *testing.T) (*websocket.Conn, *Connection) {
	t.Helper()
	serverConnCh := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConnCh <- NewConnection("server-conn", raw, testConfig())
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial test websocket: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })
	return client, serverConn
}

func TestConnection_ReadMessageRejectsInvalidJSON(t *testing.T) {
	client, serverConn := dialWithServerConn(t)

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	raw, err := serverConn.ReadMessage()
	if err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v (raw=%v)", err, raw)
	}
}

func TestConnection_ReadMessageRejectsOversizedFrame(t *testing.T) {
	client, serverConn := dialWithServerConn(t)

	oversized := make([]byte, types.MaxPayloadBytes+1)
	if err := client.WriteMessage(websocket.TextMessage, oversized); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	raw, err := serverConn.ReadMessage()
	if err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v (raw=%v)", err, raw)
	}
}
