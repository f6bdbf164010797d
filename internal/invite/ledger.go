// Package invite implements the single-use, optionally expiring invite tokens
// that gate guest session issuance.
//
// A token is Active until it is redeemed once (Consumed) or its expiry passes
// (Expired). Both are terminal. Expiry is detected lazily on Redeem, Check and
// List; there is no background sweeper. Consumed tokens are remembered for a
// bounded retention window so a repeat redemption reports "already used"
// rather than "not found".
package invite

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of looking up or redeeming a token.
type Status int

const (
	StatusNotFound Status = iota
	StatusActive
	StatusConsumed
	StatusExpired
)

var (
	ErrNotFound = errors.New("invite not found")
	ErrExpired  = errors.New("invite expired")
	ErrConsumed = errors.New("invite already used")
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusConsumed:
		return "consumed"
	case StatusExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// Err maps a non-active status to its sentinel error. StatusActive yields nil.
func (s Status) Err() error {
	switch s {
	case StatusActive:
		return nil
	case StatusConsumed:
		return ErrConsumed
	case StatusExpired:
		return ErrExpired
	default:
		return ErrNotFound
	}
}

// Token is an issued invite. ExpiresAt is nil for tokens that never expire.
type Token struct {
	Token     string     `json:"token"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	UsedCount int        `json:"usedCount"`
}

func (t *Token) expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

const (
	tokenBytes       = 16
	defaultRetention = 24 * time.Hour
)

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRetention sets how long consumed tokens are remembered.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// Ledger owns every invite token. All state sits behind one mutex; Redeem's
// check-and-transition happens entirely inside that critical section.
type Ledger struct {
	mu        sync.Mutex
	active    map[string]*Token
	consumed  map[string]time.Time
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		active:    make(map[string]*Token),
		consumed:  make(map[string]time.Time),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Generate issues a new Active token. A non-positive ttl means the token
// never expires.
func (l *Ledger) Generate(ttl time.Duration) (Token, error) {
	value, err := newTokenValue()
	if err != nil {
		return Token{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	tok := &Token{Token: value, CreatedAt: now}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		tok.ExpiresAt = &expiresAt
	}
	l.active[value] = tok
	return tok.clone(), nil
}

// Redeem atomically consumes an Active token. Exactly one caller observes
// StatusActive for a given token; every later caller within the retention
// window observes StatusConsumed.
func (l *Ledger) Redeem(token string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	tok, ok := l.active[token]
	if !ok {
		if _, used := l.consumed[token]; used {
			return StatusConsumed
		}
		return StatusNotFound
	}
	if tok.expired(now) {
		delete(l.active, token)
		return StatusExpired
	}

	tok.UsedCount++
	delete(l.active, token)
	l.consumed[token] = now
	return StatusActive
}

// Check reports the status of token without consuming it.
func (l *Ledger) Check(token string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tok, ok := l.active[token]
	if !ok {
		if _, used := l.consumed[token]; used {
			return StatusConsumed
		}
		return StatusNotFound
	}
	if tok.expired(now) {
		delete(l.active, token)
		return StatusExpired
	}
	return StatusActive
}

// List returns the Active tokens ordered by creation time. Expired tokens
// found along the way are dropped.
func (l *Ledger) List() []Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	out := make([]Token, 0, len(l.active))
	for key, tok := range l.active {
		if tok.expired(now) {
			delete(l.active, key)
			continue
		}
		out = append(out, tok.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Revoke removes token whatever its state and reports whether it was Active.
func (l *Ledger) Revoke(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.active[token]
	delete(l.active, token)
	delete(l.consumed, token)
	return ok
}

// Sweep forgets consumed tokens older than the retention window.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
}

// sweepLocked prunes at most once per tenth of the retention window so the
// amortised cost of Generate and Redeem stays O(1).
func (l *Ledger) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.retention/10 {
		return
	}
	l.pruneLocked(now)
}

func (l *Ledger) pruneLocked(now time.Time) {
	l.lastSweep = now
	for key, usedAt := range l.consumed {
		if now.Sub(usedAt) >= l.retention {
			delete(l.consumed, key)
		}
	}
}

func (t *Token) clone() Token {
	out := *t
	if t.ExpiresAt != nil {
		expiresAt := *t.ExpiresAt
		out.ExpiresAt = &expiresAt
	}
	return out
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read invite token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
