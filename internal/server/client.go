package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Identity is who a connection speaks for, resolved once at upgrade time.
type Identity struct {
	Role      session.Role
	SubjectID string
	IP        string
	UserAgent string
}

// Client represents one websocket connection attached to the hub. The send
// channel is closed exactly once, by shutdown; the write pump then flushes
// what is queued, sends a close frame and drops the connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	identity Identity
	log      *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for conn. conn may be nil, in which case the
// client only queues frames and never starts pumps.
func NewClient(conn *websocket.Conn, hub *Hub, identity Identity) *Client {
	if !identity.Role.Valid() {
		identity.Role = session.RoleGuest
	}
	if identity.SubjectID == "" {
		identity.SubjectID = session.AnonymousSubject
	}

	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		identity: identity,
		log: hub.log.With(
			"connectionId", id,
			"subject", identity.SubjectID,
			"role", string(identity.Role),
			"ip", identity.IP,
		),
		send:           make(chan []byte, sendBufferSize),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// enqueue queues a frame without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown stops accepting frames and lets the write pump close the socket.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("client disconnected", "reason", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("client connection closed", "reason", err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected websocket close", "error", err)
		return true
	}

	c.log.Warn("websocket read error", "error", err)
	return true
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded; discarding frame",
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump processes inbound frames sequentially, so one sender's events are
// handled in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		c.handleInbound(raw)
	}
}

// handleInbound processes one inbound frame. A throttled frame is discarded
// but still counts as activity.
func (c *Client) handleInbound(raw []byte) {
	if !c.checkRateLimit() {
		c.hub.presence.Touch(c.id)
		c.hub.sendError(c, "", CodeRateLimited, "too many messages, slow down")
		return
	}
	c.hub.dispatch(c, raw)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket, ignoring errors from a second close.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", "error", err)
		}
	}
}

// handleFrame writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing frame", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing close message", "error", err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("error writing ping", "error", err)
		return false
	}
	return true
}
