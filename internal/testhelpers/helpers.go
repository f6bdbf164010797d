// Package testhelpers provides websocket and HTTP utilities shared by the
// gateway's tests.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the origin allowed by the default configuration.
const DefaultOrigin = "http://localhost:8080"

// Frame mirrors the gateway's JSON envelope.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebSocketURL converts an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with the given origin and, when token is not
// empty, an Authorization bearer header.
func ConnectWebSocket(url, token, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url and fails the test on error. The connection is
// closed when the test ends.
func MustConnect(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, token, DefaultOrigin)
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes a frame with the given type and payload.
func SendFrame(conn *websocket.Conn, frameType string, payload any) error {
	frame := Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = raw
	}
	return conn.WriteJSON(frame)
}

// ReadFrame reads the next frame within timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, err
	}
	var frame Frame
	err := conn.ReadJSON(&frame)
	return frame, err
}

// ExpectFrame reads frames until one of frameType arrives, skipping others,
// and fails the test if none arrives within timeout.
func ExpectFrame(t *testing.T, conn *websocket.Conn, frameType string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
		frame, err := ReadFrame(conn, remaining)
		if err != nil {
			t.Fatalf("waiting for %q frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

// DecodePayload unmarshals a frame payload into dst and fails the test on error.
func DecodePayload(t *testing.T, frame Frame, dst any) {
	t.Helper()
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		t.Fatalf("decode %q payload %s: %v", frame.Type, frame.Payload, err)
	}
}

// DoJSON sends an HTTP request with an optional JSON body and bearer token,
// decodes a JSON response into out when out is not nil, and returns the
// status code.
func DoJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return fmt.Errorf("write close frame: %w", err)
	}
	return conn.Close()
}
