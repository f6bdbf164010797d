package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/session"
	"github.com/Tyrowin/relay/internal/store"
)

// Sessions issues and verifies bearer tokens.
type Sessions interface {
	Issue(role session.Role, subjectID, originIP, inviteToken string) (string, error)
	Verify(token string) (session.Claim, error)
	TTL(role session.Role) time.Duration
}

// Invites is the single-use invite ledger consulted at guest login.
type Invites interface {
	Generate(ttl time.Duration) (invite.Token, error)
	Redeem(token string) invite.Status
	Check(token string) invite.Status
	List() []invite.Token
	Revoke(token string) bool
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Sessions Sessions
	Invites  Invites
	Presence Presence
	Messages store.MessageStore
	Logger   *slog.Logger
}

// Server is the gateway: the hub plus its HTTP surface.
type Server struct {
	cfg       Config
	log       *slog.Logger
	hub       *Hub
	sessions  Sessions
	invites   Invites
	presence  Presence
	messages  store.MessageStore
	upgrader  websocket.Upgrader
	adminHash []byte
	now       func() time.Time
}

// New validates deps and builds a Server for cfg.
func New(cfg Config, deps Deps) (*Server, error) {
	var errs []error
	if deps.Sessions == nil {
		errs = append(errs, errors.New("session service is required"))
	}
	if deps.Invites == nil {
		errs = append(errs, errors.New("invite ledger is required"))
	}
	if deps.Presence == nil {
		errs = append(errs, errors.New("presence registry is required"))
	}
	if deps.Messages == nil {
		errs = append(errs, errors.New("message store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	for _, origin := range cfg.invalidOrigins {
		logger.Warn("ignoring invalid origin in configuration", "origin", origin)
	}

	adminHash, err := resolveAdminHash(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if adminHash == nil {
		logger.Warn("no admin password configured; admin login is disabled")
	}

	s := &Server{
		cfg:       cfg,
		log:       logger,
		hub:       NewHub(cfg, deps.Presence, deps.Messages, logger),
		sessions:  deps.Sessions,
		invites:   deps.Invites,
		presence:  deps.Presence,
		messages:  deps.Messages,
		adminHash: adminHash,
		now:       time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func resolveAdminHash(cfg AuthConfig) ([]byte, error) {
	if cfg.AdminPasswordHash != "" {
		return []byte(cfg.AdminPasswordHash), nil
	}
	if cfg.AdminPassword == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}
	return hash, nil
}

// Hub returns the gateway hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}
