package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Prompt frames may carry
	// base64 images up to the per-image cap, so this sits well above it.
	maxMessageSize = 64 * 1024 * 1024
)

// client is one WebSocket connection with its outbound pump. Frames pass
// through the send channel so outbound order matches send order.
type client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan *wire.Frame
	log       *logger.Logger

	idle      time.Duration
	idleTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, sessionID, userID string, idle time.Duration, log *logger.Logger) *client {
	c := &client{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		send:      make(chan *wire.Frame, 256),
		log:       log.WithFields(zap.String("session_id", sessionID)),
		idle:      idle,
		done:      make(chan struct{}),
	}
	if idle > 0 {
		c.idleTimer = time.AfterFunc(idle, func() {
			c.log.Info("closing idle connection", zap.Duration("idle", idle))
			c.close(errs.CloseIdle, "idle timeout")
		})
	}
	return c
}

// Send queues one frame for delivery. Drops the frame when the
// connection is going away rather than blocking the caller.
func (c *client) Send(frame *wire.Frame) {
	if frame == nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- frame:
	}
}

// close performs the closing handshake exactly once. Code 0 closes
// without a close frame.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		}
		_ = c.conn.Close()
	})
}

// touch resets the idle clock; called per inbound frame.
func (c *client) touch() {
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.idle)
	}
}

// writePump serializes every outbound frame and keeps the peer alive
// with pings. One per connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.log.Error("frame marshal failed", zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(0, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(0, "")
				return
			}
		}
	}
}

// readFrame blocks for the next inbound frame. A second return of false
// means the connection is gone.
func (c *client) readFrame() (*wire.Frame, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			c.log.Debug("read failed", zap.Error(err))
		}
		return nil, false
	}
	c.touch()

	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.Send(wire.NewError(string(errs.KindValidation), "invalid frame: "+err.Error()))
		return nil, true
	}
	if frame.Type == "" {
		c.Send(wire.NewError(string(errs.KindValidation), "frame type is required"))
		return nil, true
	}
	return &frame, true
}

func (c *client) setupRead() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
