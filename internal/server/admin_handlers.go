package server

import (
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/store"
)

const (
	maxListLimit    = 1000
	defaultPageSize = 50
	maxInviteDays   = 36500
)

type generateInviteRequest struct {
	ExpiresInDays *float64 `json:"expiresInDays"`
}

type generateInviteResponse struct {
	Token     string     `json:"token"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type kickResponse struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connectionId"`
}

type messagesResponse struct {
	Data  []store.Message `json:"data"`
	Total int             `json:"total"`
}

type historyResponse struct {
	Data     []store.Message `json:"data"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

type clearMessagesResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

// requireAdmin rejects requests without a valid admin bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
			return
		}
		claim, err := s.sessions.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
			return
		}
		if !claim.Role.Privileged() {
			s.log.Warn("non-admin request to admin endpoint", "subject", claim.SubjectID, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r)
	}
}

// requireSession rejects requests without any valid bearer token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
			return
		}
		if _, err := s.sessions.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", errUnauthenticated.Error())
			return
		}
		next(w, r)
	}
}

// GenerateInviteHandler issues an invite. A missing or non-positive
// expiresInDays yields a token that never expires; larger values are capped
// at maxInviteDays.
func (s *Server) GenerateInviteHandler(w http.ResponseWriter, r *http.Request) {
	var req generateInviteRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "request body must be JSON")
		return
	}

	var ttl time.Duration
	if req.ExpiresInDays != nil && *req.ExpiresInDays > 0 {
		days := min(*req.ExpiresInDays, maxInviteDays)
		ttl = time.Duration(days * float64(24*time.Hour))
	}

	tok, err := s.invites.Generate(ttl)
	if err != nil {
		s.log.Error("failed to generate invite", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not generate invite")
		return
	}

	s.log.Info("generated invite", "expiresAt", tok.ExpiresAt)
	writeJSON(w, http.StatusOK, generateInviteResponse{
		Token:     tok.Token,
		URL:       s.inviteBaseURL(r) + "?invite=" + tok.Token,
		ExpiresAt: tok.ExpiresAt,
	})
}

func (s *Server) inviteBaseURL(r *http.Request) string {
	if s.cfg.Invite.PublicURL != "" {
		return s.cfg.Invite.PublicURL
	}
	if origin := strings.TrimRight(r.Header.Get("Origin"), "/"); origin != "" {
		return origin
	}
	return "http://" + r.Host
}

// ListInvitesHandler returns every redeemable invite.
func (s *Server) ListInvitesHandler(w http.ResponseWriter, _ *http.Request) {
	tokens := s.invites.List()
	if tokens == nil {
		tokens = []invite.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// RevokeInviteHandler removes an invite.
func (s *Server) RevokeInviteHandler(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.PathValue("token"))
	writeJSON(w, http.StatusOK, successResponse{Success: token != "" && s.invites.Revoke(token)})
}

// OnlineUsersHandler returns the roster.
func (s *Server) OnlineUsersHandler(w http.ResponseWriter, _ *http.Request) {
	roster := s.presence.All()
	if roster == nil {
		roster = []presence.Connection{}
	}
	writeJSON(w, http.StatusOK, roster)
}

// KickUserHandler kicks a connection through the hub.
func (s *Server) KickUserHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("connectionId"))
	kicked := id != "" && s.hub.Kick(id)
	if kicked {
		s.log.Info("kicked connection via admin api", "target", id)
	}
	writeJSON(w, http.StatusOK, kickResponse{Success: kicked, ConnectionID: id})
}

// MessagesHandler lists recent messages, oldest first.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	recent, err := s.messages.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list messages", "error", err)
		writeError(w, http.StatusServiceUnavailable, "persistence_failure", "messages are unavailable")
		return
	}
	slices.Reverse(recent)
	if recent == nil {
		recent = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Data: recent, Total: len(recent)})
}

// HistoryHandler pages through stored messages, newest first. page starts at 1.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	page, ok := positiveQueryInt(r, "page", 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "page must be a positive integer")
		return
	}
	pageSize, ok := positiveQueryInt(r, "pageSize", defaultPageSize)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "pageSize must be a positive integer")
		return
	}
	pageSize = min(pageSize, maxListLimit)

	offset := math.MaxInt
	if page-1 <= math.MaxInt/pageSize {
		offset = (page - 1) * pageSize
	}

	msgs, total, err := s.messages.Page(r.Context(), offset, pageSize)
	if err != nil {
		s.log.Error("failed to page messages", "error", err)
		writeError(w, http.StatusServiceUnavailable, "persistence_failure", "messages are unavailable")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Data: msgs, Total: total, Page: page, PageSize: pageSize})
}

// ClearMessagesHandler deletes every stored message and tells connected
// clients which ids to prune.
func (s *Server) ClearMessagesHandler(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.messages.DeleteAll(r.Context())
	if err != nil {
		s.log.Error("failed to clear messages", "error", err)
		writeError(w, http.StatusServiceUnavailable, "persistence_failure", "messages could not be deleted")
		return
	}

	if len(deleted) > 0 {
		s.hub.broadcast(EventMessagesDeleted, "", deleted)
	}
	s.log.Info("cleared all messages", "deleted", len(deleted))
	writeJSON(w, http.StatusOK, clearMessagesResponse{Success: true, Deleted: len(deleted)})
}

func positiveQueryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
