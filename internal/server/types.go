package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event types.
const (
	EventSendMessage    = "sendMessage"
	EventHeartbeat      = "heartbeat"
	EventPing           = "ping"
	EventRequestRoster  = "requestRoster"
	EventGetOnlineUsers = "getOnlineUsers"
	EventKick           = "kick"
	EventKickUser       = "kickUser"
	EventDeleteMessages = "deleteMessages"
)

// Outbound event types.
const (
	EventHistory         = "history"
	EventMessage         = "message"
	EventPresenceCount   = "presenceCount"
	EventRoster          = "roster"
	EventMessagesDeleted = "messagesDeleted"
	EventKicked          = "kicked"
	EventError           = "error"
	EventPong            = "pong"
)

// Error frame codes.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnsupported        = "UNSUPPORTED"
)

// Frame is the JSON envelope for every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// KickedPayload is the notice delivered to a kicked connection.
type KickedPayload struct {
	Message string `json:"message"`
}

type kickRequest struct {
	ConnectionID string `json:"connectionId"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

var errEmptyPayload = errors.New("payload is required")

// encodeFrame marshals payload into a frame of the given type.
func encodeFrame(frameType, requestID string, payload any) ([]byte, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		frame.Payload = raw
	}
	return json.Marshal(frame)
}

// decodeKickTarget accepts {"connectionId": id} or a bare string id.
func decodeKickTarget(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", errEmptyPayload
	}

	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil {
		return strings.TrimSpace(bare), nil
	}

	var req kickRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("decode kick payload: %w", err)
	}
	return strings.TrimSpace(req.ConnectionID), nil
}

// decodeDeleteIDs accepts {"ids": [...]} or a bare array of ids.
func decodeDeleteIDs(payload json.RawMessage) ([]string, error) {
	if len(payload) == 0 {
		return nil, errEmptyPayload
	}

	var bare []string
	if err := json.Unmarshal(payload, &bare); err == nil {
		return bare, nil
	}

	var req deleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode delete payload: %w", err)
	}
	return req.IDs, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
