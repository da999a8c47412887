package chat

import (
	"encoding/json"
	"sync"
	"time"

	"relaychat/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuf       = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 25 * time.Second
	maxFrameBytes = 64 << 10
)

// Conn is one websocket session. It satisfies bridge.Sink so the
// broadcast layer can hand it events without knowing about sockets.
type Conn struct {
	SessionID string

	ws   *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	userID     string
	activeConv string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, sessionID string) *Conn {
	return &Conn{
		SessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, sendBuf),
		closed:    make(chan struct{}),
	}
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) bindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// ActiveConv is the single conversation room this socket is viewing.
func (c *Conn) ActiveConv() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConv
}

func (c *Conn) setActiveConv(id string) {
	c.mu.Lock()
	c.activeConv = id
	c.mu.Unlock()
}

// Deliver implements bridge.Sink.
func (c *Conn) Deliver(event string, payload json.RawMessage) {
	c.enqueue(EncodeFrame(event, payload))
}

// SendEvent marshals and queues an outbound frame on this socket only.
func (c *Conn) SendEvent(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal outbound event failed",
			zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(EncodeFrame(event, raw))
}

// enqueue drops the frame instead of blocking when the client cannot
// keep up. A stalled reader must not stall the fanout path.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("slow client, dropping frame",
			zap.String("session", c.SessionID), zap.String("user", c.UserID()))
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writeLoop owns all writes to the underlying socket.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
