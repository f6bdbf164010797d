package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/Tyrowin/relay/internal/session"
)

const maxRequestBody = 1 << 20

var errUnauthenticated = errors.New("missing or invalid bearer token")

// WebSocketHandler upgrades GET requests to the gateway protocol. A missing or
// invalid token degrades the connection to an anonymous guest unless
// RequireAuth is set, in which case the upgrade is refused.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.resolveIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "ip", identity.IP, "error", err)
		return
	}

	client := NewClient(conn, s.hub, identity)
	if err := s.hub.Serve(client); err != nil {
		client.log.Warn("connection rejected", "error", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

func (s *Server) resolveIdentity(r *http.Request) (Identity, error) {
	identity := Identity{
		Role:      session.RoleGuest,
		SubjectID: session.AnonymousSubject,
		IP:        s.clientIP(r),
		UserAgent: r.UserAgent(),
	}

	token := bearerToken(r)
	if token == "" {
		if s.cfg.RequireAuth {
			return Identity{}, errUnauthenticated
		}
		return identity, nil
	}

	claim, err := s.sessions.Verify(token)
	if err != nil {
		s.log.Warn("invalid session token", "ip", identity.IP, "error", err)
		if s.cfg.RequireAuth {
			return Identity{}, errUnauthenticated
		}
		return identity, nil
	}

	identity.Role = claim.Role
	identity.SubjectID = claim.SubjectID
	return identity, nil
}

// bearerToken reads the Authorization header first, then the token query
// parameter.
func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
