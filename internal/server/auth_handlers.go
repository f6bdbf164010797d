package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/session"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

type guestLoginRequest struct {
	InviteToken string `json:"inviteToken"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	Type      session.Role `json:"type"`
	ExpiresIn int64        `json:"expiresIn"`
}

type verifyInviteResponse struct {
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
}

// AdminLoginHandler exchanges the admin password for an admin session token.
func (s *Server) AdminLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "request body must be JSON with a password")
		return
	}
	if s.adminHash == nil {
		writeError(w, http.StatusServiceUnavailable, "admin_login_disabled", "admin login is not configured")
		return
	}

	ip := s.clientIP(r)
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(req.Password)); err != nil {
		s.log.Warn("admin login rejected", "ip", ip)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid password")
		return
	}

	s.issue(w, session.RoleAdmin, session.AdminSubject, ip, "")
}

// GuestLoginHandler redeems an invite token and issues a guest session token.
// Only the first redemption of a token succeeds.
func (s *Server) GuestLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req guestLoginRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "request body must be JSON with an inviteToken")
		return
	}
	token := strings.TrimSpace(req.InviteToken)
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "inviteToken is required")
		return
	}

	ip := s.clientIP(r)
	status := s.invites.Redeem(token)
	if status != invite.StatusActive {
		s.log.Info("guest login rejected", "ip", ip, "status", status.String())
		writeError(w, http.StatusUnauthorized, inviteReason(status), status.Err().Error())
		return
	}

	s.issue(w, session.RoleGuest, session.GuestSubject(s.now()), ip, token)
}

// VerifyInviteHandler reports whether an invite is still redeemable without
// consuming it.
func (s *Server) VerifyInviteHandler(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	status := invite.StatusNotFound
	if token != "" {
		status = s.invites.Check(token)
	}
	writeJSON(w, http.StatusOK, verifyInviteResponse{
		Valid:  status == invite.StatusActive,
		Status: status.String(),
	})
}

func (s *Server) issue(w http.ResponseWriter, role session.Role, subjectID, ip, inviteToken string) {
	token, err := s.sessions.Issue(role, subjectID, ip, inviteToken)
	if err != nil {
		s.log.Error("failed to issue session token", "role", string(role), "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue token")
		return
	}

	s.log.Info("issued session token", "role", string(role), "subject", subjectID, "ip", ip)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		Type:      role,
		ExpiresIn: int64(s.sessions.TTL(role).Seconds()),
	})
}

func inviteReason(status invite.Status) string {
	switch status {
	case invite.StatusExpired:
		return "invite_expired"
	case invite.StatusConsumed:
		return "invite_consumed"
	default:
		return "invite_not_found"
	}
}
