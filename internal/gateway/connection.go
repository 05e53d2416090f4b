// Package gateway is the Connection Gateway (§4.1): it terminates
// persistent bidirectional client connections, decodes/encodes framed JSON
// envelopes, and writes outbound envelopes through a bounded per-connection
// send queue.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay/pkg/types"
)

// controlTypes are outbound envelope classes that must never be dropped by
// the backpressure policy (§4.1, §6.1's "control" class).
var controlTypes = map[string]struct{}{
	types.MessageTypeConnection:     {},
	types.MessageTypeRegister:       {},
	types.MessageTypeSessionExpired: {},
	types.MessageTypeError:          {},
	types.MessageTypePong:           {},
}

func isControl(envelopeType string) bool {
	_, ok := controlTypes[envelopeType]
	return ok
}

// Connection wraps one upgraded *websocket.Conn. Writes are serialized
// through a single writer goroutine draining a bounded channel; this is
// the only goroutine that ever calls WriteMessage, eliminating the races
// gorilla/websocket does not protect against itself.
type Connection struct {
	ID string

	conn     *websocket.Conn
	writeCh  chan outboundFrame
	sendDepth int

	userID        string
	role          string
	sessionID     string
	targetLang    string
	authenticated bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex
}

type outboundFrame struct {
	envelopeType string
	data         []byte
}

// Config bundles the gateway-level tunables from §6.4.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendQueueDepth int

	// MaxConnections is the process-wide connection ceiling (§5). Zero
	// means no ceiling is enforced.
	MaxConnections int
}

// NewConnection wraps conn and starts its writer goroutine. id should be a
// freshly generated connectionId (§3).
func NewConnection(id string, conn *websocket.Conn, cfg Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        id,
		conn:      conn,
		writeCh:   make(chan outboundFrame, cfg.SendQueueDepth),
		sendDepth: cfg.SendQueueDepth,
		ctx:       ctx,
		cancel:    cancel,
	}

	conn.SetReadLimit(types.MaxPayloadBytes)

	go c.writeLoop()
	go c.heartbeat(cfg.PingInterval, cfg.PongTimeout)

	return c
}

func (c *Connection) writeLoop() {
	defer func() {
		for len(c.writeCh) > 0 {
			<-c.writeCh
		}
		close(c.writeCh)
	}()

	for {
		select {
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// heartbeat sends a ping every interval and closes the connection if no
// pong arrives within timeout (§4.1: "Idle ping every 20s; pong required
// within 10s or the connection is closed with reason idle_timeout").
func (c *Connection) heartbeat(interval, timeout time.Duration) {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(interval + timeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(interval + timeout))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				log.Printf("gateway: ping failed for %s, closing (idle_timeout): %v", c.ID, err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals v and enqueues it as envelopeType. Control envelope types
// are never dropped — Send blocks (bounded by a short timeout) rather than
// discard them. Droppable types use drop-oldest-non-critical: if the queue
// is full, the oldest queued droppable frame is evicted to make room and a
// connection.backpressure event is logged.
func (c *Connection) Send(envelopeType string, v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	frame := outboundFrame{envelopeType: envelopeType, data: data}

	if isControl(envelopeType) {
		select {
		case c.writeCh <- frame:
			return nil
		case <-time.After(5 * time.Second):
			return ErrWriteTimeout
		case <-c.ctx.Done():
			return ErrConnectionClosed
		}
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
		select {
		case <-c.writeCh:
			log.Printf("connection.backpressure: dropped oldest queued frame for %s", c.ID)
		default:
		}
		select {
		case c.writeCh <- frame:
			return nil
		default:
			return ErrWriteTimeout
		}
	}
}

// ReadMessage reads one frame and decodes it into the wire envelope shape.
// Frames over the read-limit configured in NewConnection (types.MaxPayloadBytes)
// are rejected by gorilla itself, which has no exported sentinel for the
// condition — it surfaces as a plain error whose text names the limit — so
// that case is recognized here and normalized to ErrPayloadTooLarge. A frame
// that reads fine but isn't valid JSON is normalized to ErrInvalidFrame.
// Callers use these to send error.payload_too_large/error.invalid_frame
// before closing (§4.1), rather than closing silently on every non-nil
// error as a transport-level close would.
func (c *Connection) ReadMessage() (map[string]interface{}, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if isReadLimitExceeded(err) {
			return nil, ErrPayloadTooLarge
		}
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidFrame
	}
	return raw, nil
}

func isReadLimitExceeded(err error) bool {
	return strings.Contains(err.Error(), "read limit exceeded")
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) SetCredentials(userID, role, sessionID, targetLang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.role = role
	c.sessionID = sessionID
	c.targetLang = targetLang
	c.authenticated = true
}

func (c *Connection) SetTargetLanguage(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetLang = lang
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) TargetLanguage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetLang
}
