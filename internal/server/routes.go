package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)

	mux.HandleFunc("POST /api/auth/admin/login", s.AdminLoginHandler)
	mux.HandleFunc("POST /api/auth/login", s.AdminLoginHandler)
	mux.HandleFunc("POST /api/auth/guest/login", s.GuestLoginHandler)
	mux.HandleFunc("GET /api/auth/verify-invite", s.VerifyInviteHandler)

	mux.HandleFunc("POST /api/admin/invite/generate", s.requireAdmin(s.GenerateInviteHandler))
	mux.HandleFunc("GET /api/admin/invite/list", s.requireAdmin(s.ListInvitesHandler))
	mux.HandleFunc("DELETE /api/admin/invite/{token}", s.requireAdmin(s.RevokeInviteHandler))
	mux.HandleFunc("GET /api/admin/online-users", s.requireAdmin(s.OnlineUsersHandler))
	mux.HandleFunc("DELETE /api/admin/online-users/{connectionId}", s.requireAdmin(s.KickUserHandler))

	messages, history := s.MessagesHandler, s.HistoryHandler
	if s.cfg.RequireAuth {
		messages = s.requireSession(messages)
		history = s.requireSession(history)
	}
	mux.HandleFunc("GET /api/messages", messages)
	mux.HandleFunc("GET /api/messages/history", history)
	mux.HandleFunc("DELETE /api/messages/all", s.requireAdmin(s.ClearMessagesHandler))
	return mux
}
