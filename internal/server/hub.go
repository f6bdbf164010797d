package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/session"
	"github.com/Tyrowin/relay/internal/store"
)

const storeTimeout = 5 * time.Second

// ErrHubClosed is returned when a connection arrives after Shutdown.
var ErrHubClosed = errors.New("hub is shut down")

// Presence is the registry of live connections the hub drives.
type Presence interface {
	Register(connectionID, subjectID string, role session.Role, ip, userAgent string) presence.Connection
	Unregister(connectionID string) bool
	Touch(connectionID string)
	Get(connectionID string) (presence.Connection, bool)
	All() []presence.Connection
	Count() int
}

// Hub owns every live connection. Membership changes and the presence
// broadcasts they trigger happen under one lock, so each presenceCount frame
// reflects the registry after the change that caused it.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	presence Presence
	messages store.MessageStore

	mutex   sync.Mutex
	clients map[string]*Client
	closing bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub backed by the given registry and message store.
func NewHub(cfg Config, registry Presence, messages store.MessageStore, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		log:      logger,
		presence: registry,
		messages: messages,
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ClientCount returns the number of attached connections.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Serve runs the connect sequence for c and starts its pumps. On failure the
// connection is terminated and never left half-registered.
func (h *Hub) Serve(c *Client) error {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	if err := h.connect(c); err != nil {
		c.log.Warn("connect sequence failed; terminating connection", "error", err)
		c.shutdown()
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return nil
}

func (h *Hub) connect(c *Client) error {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return ErrHubClosed
	}

	conn := h.presence.Register(c.id, c.identity.SubjectID, c.identity.Role, c.identity.IP, c.identity.UserAgent)
	h.clients[c.id] = c
	count := h.presence.Count()
	h.broadcastLocked(EventPresenceCount, "", count)
	if c.identity.Role.Privileged() {
		h.unicast(c, EventRoster, "", h.presence.All())
	}
	h.mutex.Unlock()

	c.log.Info("client registered", "device", conn.Device, "os", conn.OS, "browser", conn.Browser, "online", count)

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	recent, err := h.messages.Recent(ctx, h.cfg.HistoryLimit)
	if err != nil {
		h.disconnect(c)
		return fmt.Errorf("load history: %w", err)
	}
	slices.Reverse(recent)
	if recent == nil {
		recent = []store.Message{}
	}
	if !h.unicast(c, EventHistory, "", recent) {
		h.disconnect(c)
		return errors.New("deliver history: send buffer unavailable")
	}
	return nil
}

// disconnect removes c and fans out the new presence state. It is safe to
// call more than once.
func (h *Hub) disconnect(c *Client) {
	h.mutex.Lock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.presence.Unregister(c.id)
		count := h.presence.Count()
		h.broadcastLocked(EventPresenceCount, "", count)
		h.pushRosterLocked()
		h.mutex.Unlock()
		c.log.Info("client unregistered", "online", count)
	} else {
		h.mutex.Unlock()
	}
	c.shutdown()
}

// broadcastLocked delivers one frame to every attached client. Clients whose
// buffer is full are shut down rather than allowed to stall the hub.
func (h *Hub) broadcastLocked(frameType, requestID string, payload any) {
	data, err := encodeFrame(frameType, requestID, payload)
	if err != nil {
		h.log.Error("failed to encode broadcast", "type", frameType, "error", err)
		return
	}
	for _, client := range h.clients {
		if !client.enqueue(data) && !client.isClosed() {
			client.log.Warn("dropping client with full send buffer", "type", frameType)
			client.shutdown()
		}
	}
}

// broadcast takes the hub lock and delivers one frame to every client.
func (h *Hub) broadcast(frameType, requestID string, payload any) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.broadcastLocked(frameType, requestID, payload)
}

// pushRosterLocked sends the current roster to every privileged client.
func (h *Hub) pushRosterLocked() {
	var roster []presence.Connection
	for _, client := range h.clients {
		if !client.identity.Role.Privileged() {
			continue
		}
		if roster == nil {
			roster = h.presence.All()
		}
		h.unicast(client, EventRoster, "", roster)
	}
}

func (h *Hub) unicast(c *Client, frameType, requestID string, payload any) bool {
	data, err := encodeFrame(frameType, requestID, payload)
	if err != nil {
		c.log.Error("failed to encode frame", "type", frameType, "error", err)
		return false
	}
	return c.enqueue(data)
}

func (h *Hub) sendError(c *Client, requestID, code, message string) {
	h.unicast(c, EventError, requestID, ErrorPayload{Code: code, Message: message})
}

// dispatch routes one inbound frame. Every inbound event counts as activity.
func (h *Hub) dispatch(c *Client, raw []byte) {
	h.presence.Touch(c.id)

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		c.log.Debug("malformed frame", "error", err)
		h.sendError(c, "", CodeInvalidArgument, "frame must be a JSON object with a type")
		return
	}

	switch frame.Type {
	case EventSendMessage:
		h.handleSend(c, frame)
	case EventHeartbeat, EventPing:
		h.unicast(c, EventPong, frame.RequestID, struct{}{})
	case EventRequestRoster, EventGetOnlineUsers:
		if h.authorize(c, frame) {
			h.unicast(c, EventRoster, frame.RequestID, h.presence.All())
		}
	case EventKick, EventKickUser:
		if h.authorize(c, frame) {
			h.handleKick(c, frame)
		}
	case EventDeleteMessages:
		if h.authorize(c, frame) {
			h.handleDelete(c, frame)
		}
	default:
		h.sendError(c, frame.RequestID, CodeUnsupported, fmt.Sprintf("unsupported event %q", frame.Type))
	}
}

func (h *Hub) authorize(c *Client, frame Frame) bool {
	if c.identity.Role.Privileged() {
		return true
	}
	c.log.Warn("rejected privileged event", "type", frame.Type)
	h.sendError(c, frame.RequestID, CodeUnauthorized, "admin role required")
	return false
}

func (h *Hub) handleSend(c *Client, frame Frame) {
	var draft store.Draft
	if len(frame.Payload) == 0 {
		h.sendError(c, frame.RequestID, CodeInvalidArgument, errEmptyPayload.Error())
		return
	}
	if err := json.Unmarshal(frame.Payload, &draft); err != nil {
		h.sendError(c, frame.RequestID, CodeInvalidArgument, "payload must be a message object")
		return
	}
	if err := draft.Validate(); err != nil {
		h.sendError(c, frame.RequestID, CodeInvalidArgument, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	msg, err := h.messages.Save(ctx, draft, c.identity.IP)
	if err != nil {
		if errors.Is(err, store.ErrInvalidMessage) {
			h.sendError(c, frame.RequestID, CodeInvalidArgument, err.Error())
			return
		}
		c.log.Warn("failed to persist message", "error", err)
		h.sendError(c, frame.RequestID, CodePersistenceFailure, "message could not be saved")
		return
	}

	h.broadcast(EventMessage, frame.RequestID, msg)
}

func (h *Hub) handleKick(c *Client, frame Frame) {
	target, err := decodeKickTarget(frame.Payload)
	if err != nil || target == "" {
		h.sendError(c, frame.RequestID, CodeInvalidArgument, "kick requires a connectionId")
		return
	}
	if h.Kick(target) {
		c.log.Info("kicked connection", "target", target)
	}
}

// Kick sends a notice to the target connection and then forcibly closes it.
// The normal disconnect sequence runs once the connection's read pump exits.
// It reports whether the target was attached.
func (h *Hub) Kick(connectionID string) bool {
	h.mutex.Lock()
	target, ok := h.clients[connectionID]
	h.mutex.Unlock()
	if !ok {
		return false
	}

	h.unicast(target, EventKicked, "", KickedPayload{Message: "you have been disconnected by an administrator"})
	target.shutdown()
	return true
}

func (h *Hub) handleDelete(c *Client, frame Frame) {
	ids, err := decodeDeleteIDs(frame.Payload)
	if err == nil {
		ids = store.NormalizeIDs(ids)
	}
	if err != nil || len(ids) == 0 {
		h.sendError(c, frame.RequestID, CodeInvalidArgument, "deleteMessages requires a list of ids")
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	deleted, err := h.messages.DeleteByIDs(ctx, ids)
	if err != nil {
		c.log.Warn("bulk delete failed", "requested", len(ids), "deleted", len(deleted), "error", err)
		if len(deleted) == 0 {
			h.sendError(c, frame.RequestID, CodePersistenceFailure, "messages could not be deleted")
			return
		}
	}
	if len(deleted) == 0 {
		return
	}

	c.log.Info("deleted messages", "requested", len(ids), "deleted", len(deleted))
	h.broadcast(EventMessagesDeleted, frame.RequestID, deleted)
}

// shutdownClients closes every attached client.
func (h *Hub) shutdownClients() int {
	h.mutex.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.shutdown()
	}
	return len(clients)
}

// Shutdown closes every connection and waits for all pumps to finish, or
// returns context.DeadlineExceeded once timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	closed := h.shutdownClients()
	h.cancel()
	h.log.Info("closed client connections", "count", closed)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
