package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the access level carried by a session claim.
type Role string

const (
	// RoleAdmin is the single privileged role: roster access, kick and bulk delete.
	RoleAdmin Role = "admin"
	// RoleGuest is the standard role granted to invited and anonymous peers.
	RoleGuest Role = "guest"
)

const (
	// AdminSubject is the subject id of the admin singleton.
	AdminSubject = "admin"
	// AnonymousSubject is used for connections without a usable bearer token.
	AnonymousSubject = "anonymous"
)

// ErrInvalidToken reports a malformed, forged or expired bearer token.
var ErrInvalidToken = errors.New("invalid session token")

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleGuest
}

// Privileged reports whether r may perform moderation operations.
func (r Role) Privileged() bool {
	return r == RoleAdmin
}

// Claim is the verified content of a session token.
type Claim struct {
	Role        Role
	SubjectID   string
	OriginIP    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	InviteToken string
}

// Config configures a Service.
type Config struct {
	Secret   []byte
	Issuer   string
	AdminTTL time.Duration
	GuestTTL time.Duration
	Now      func() time.Time
}

// Service signs and verifies session tokens. It holds no state beyond its
// configuration and is safe for concurrent use.
type Service struct {
	secret   []byte
	issuer   string
	adminTTL time.Duration
	guestTTL time.Duration
	now      func() time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Type        Role   `json:"type"`
	UserID      string `json:"userId"`
	IP          string `json:"ip"`
	Timestamp   int64  `json:"timestamp"`
	InviteToken string `json:"inviteToken,omitempty"`
}

// NewService validates cfg and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if cfg.AdminTTL <= 0 || cfg.GuestTTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		secret:   append([]byte(nil), cfg.Secret...),
		issuer:   strings.TrimSpace(cfg.Issuer),
		adminTTL: cfg.AdminTTL,
		guestTTL: cfg.GuestTTL,
		now:      cfg.Now,
	}, nil
}

// TTL returns the token lifetime configured for role.
func (s *Service) TTL(role Role) time.Duration {
	if role == RoleAdmin {
		return s.adminTTL
	}
	return s.guestTTL
}

// Issue signs a token for the given identity. inviteToken records which
// invite a guest session was obtained with and may be empty.
func (s *Service) Issue(role Role, subjectID, originIP, inviteToken string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", errors.New("subject id is required")
	}

	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL(role))),
			ID:        uuid.NewString(),
		},
		Type:        role,
		UserID:      subjectID,
		IP:          originIP,
		Timestamp:   now.UnixMilli(),
		InviteToken: inviteToken,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its claim.
// Every failure wraps ErrInvalidToken.
func (s *Service) Verify(token string) (Claim, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claim{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var parsed tokenClaims
	if _, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...); err != nil {
		return Claim{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !parsed.Type.Valid() {
		return Claim{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, parsed.Type)
	}
	subject := strings.TrimSpace(parsed.UserID)
	if subject == "" {
		subject = strings.TrimSpace(parsed.Subject)
	}
	if subject == "" {
		return Claim{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	claim := Claim{
		Role:        parsed.Type,
		SubjectID:   subject,
		OriginIP:    parsed.IP,
		InviteToken: parsed.InviteToken,
	}
	if parsed.IssuedAt != nil {
		claim.IssuedAt = parsed.IssuedAt.Time
	} else if parsed.Timestamp > 0 {
		claim.IssuedAt = time.UnixMilli(parsed.Timestamp)
	}
	if parsed.ExpiresAt != nil {
		claim.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claim, nil
}

// GuestSubject returns a fresh guest subject id of the form guest_<unixms>_<hex>.
func GuestSubject(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("guest_%d_%s", now.UnixMilli(), suffix)
}

// RandomSecret returns a 32-byte signing secret for processes started without
// a configured one. Tokens signed with it do not survive a restart.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("read random secret: %w", err)
	}
	return secret, nil
}
