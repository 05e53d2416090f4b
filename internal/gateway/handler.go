package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Production deployments should implement stricter origin checking;
		// the core leaves that to the administrative/auth layer out of scope
		// here (§1 Non-goals).
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Router is implemented by the Message Router and is the Connection
// Gateway's only dependency on routing logic, keeping the gateway free of
// role/session business rules (§4.1's responsibility boundary).
type Router interface {
	Dispatch(conn *Connection, raw map[string]interface{})
	HandleDisconnect(conn *Connection)
}

// Handler accepts upgrades and runs each connection's read pump.
type Handler struct {
	index     *ConnectionIndex
	router    Router
	cfg       Config
	e2eBypass bool
}

func NewHandler(index *ConnectionIndex, router Router, cfg Config, e2eBypass bool) *Handler {
	return &Handler{index: index, router: router, cfg: cfg, e2eBypass: e2eBypass}
}

// HandleWebSocket implements Accept (§4.1): it validates the optional
// pre-handshake query parameters, upgrades, and hands the connection to the
// read pump. Role/session binding itself happens on the first inbound
// register envelope (§4.5), since teacher auth-token validation and
// student classroom-code resolution both require state the router (not the
// gateway) owns.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	lang := r.URL.Query().Get("lang")
	classroomCode := r.URL.Query().Get("classroomCode")
	e2e := r.URL.Query().Get("e2e") == "true"

	if !types.ValidateRole(role) {
		http.Error(w, "invalid or missing role", http.StatusBadRequest)
		return
	}
	if lang != "" && !types.IsValidLanguageTag(lang) {
		http.Error(w, "invalid lang", http.StatusBadRequest)
		return
	}
	if role == types.RoleStudent && classroomCode != "" && !types.IsValidClassroomCode(normalizeCode(classroomCode)) {
		http.Error(w, "invalid classroomCode format", http.StatusBadRequest)
		return
	}
	if e2e && !h.e2eBypass {
		http.Error(w, "e2e bypass not enabled", http.StatusForbidden)
		return
	}
	if h.cfg.MaxConnections > 0 && h.index.Count() >= h.cfg.MaxConnections {
		http.Error(w, "capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(uuid.New().String(), conn, h.cfg)
	wsConn.mu.Lock()
	wsConn.role = role
	wsConn.targetLang = lang
	wsConn.mu.Unlock()

	go h.readPump(wsConn, classroomCode)
}

func normalizeCode(code string) string {
	out := make([]byte, 0, len(code))
	for _, r := range code {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// readPump decodes frames and dispatches them to the router until the
// connection closes, then synchronously notifies the router so the Session
// Registry reflects the departure before ReadMessage's caller returns
// (§4.1: "Close events are surfaced to the Session Registry
// synchronously").
func (h *Handler) readPump(conn *Connection, classroomCode string) {
	defer func() {
		h.index.Unregister(conn)
		h.router.HandleDisconnect(conn)
		_ = conn.Close()
	}()

	if classroomCode != "" {
		conn.mu.Lock()
		conn.userID = ""
		conn.mu.Unlock()
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, ErrPayloadTooLarge):
				_ = conn.Send(types.MessageTypeError, map[string]interface{}{
					"type": types.MessageTypeError,
					"code": "payload_too_large",
				})
				return
			case errors.Is(err, ErrInvalidFrame):
				_ = conn.Send(types.MessageTypeError, map[string]interface{}{
					"type": types.MessageTypeError,
					"code": "invalid_frame",
				})
				return
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("gateway: read error on %s: %v", conn.ID, err)
				}
				return
			}
		}
		if classroomCode != "" {
			raw["classroomCode"] = classroomCode
		}
		h.router.Dispatch(conn, raw)
	}
}
