// Package presence tracks which connections are live right now, together with
// their identity and device hints.
package presence

import (
	"sync"
	"time"

	"github.com/Tyrowin/relay/internal/session"
)

// Connection is one live client session as seen by the roster.
type Connection struct {
	ConnectionID string       `json:"connectionId"`
	SubjectID    string       `json:"subjectId"`
	Role         session.Role `json:"role"`
	IP           string       `json:"ip"`
	UserAgent    string       `json:"userAgent"`
	Device       string       `json:"device"`
	OS           string       `json:"os"`
	Browser      string       `json:"browser"`
	ConnectedAt  time.Time    `json:"connectedAt"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}

// Registry is the single source of truth for presence. One mutex guards the
// map; every operation is O(1) except All.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	parser DeviceParser
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithParser replaces the default User-Agent parser.
func WithParser(p DeviceParser) Option {
	return func(r *Registry) {
		if p != nil {
			r.parser = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		parser: UserAgentParser{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a new live connection. Device hints are parsed outside
// the lock; parse failures fall back to defaults and never fail registration.
// Registering an id that is already present replaces the previous entry.
func (r *Registry) Register(connectionID, subjectID string, role session.Role, ip, userAgent string) Connection {
	info := r.parse(userAgent)
	now := r.now()
	conn := &Connection{
		ConnectionID: connectionID,
		SubjectID:    subjectID,
		Role:         role,
		IP:           ip,
		UserAgent:    userAgent,
		Device:       info.Device,
		OS:           info.OS,
		Browser:      info.Browser,
		ConnectedAt:  now,
		LastActiveAt: now,
	}

	r.mu.Lock()
	r.conns[connectionID] = conn
	r.mu.Unlock()
	return *conn
}

func (r *Registry) parse(userAgent string) (info DeviceInfo) {
	defer func() {
		if rec := recover(); rec != nil {
			info = DeviceInfo{}
		}
		if info.Device == "" {
			info.Device = defaultDevice
		}
		if info.OS == "" {
			info.OS = unknownValue
		}
		if info.Browser == "" {
			info.Browser = unknownValue
		}
	}()
	return r.parser.Parse(userAgent)
}

// Unregister removes a connection and reports whether it was present.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; !ok {
		return false
	}
	delete(r.conns, connectionID)
	return true
}

// Touch refreshes LastActiveAt. Unknown ids are ignored: the connection may
// have raced a disconnect.
func (r *Registry) Touch(connectionID string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		conn.LastActiveAt = now
	}
}

// Get returns a copy of the entry for connectionID.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// All returns a snapshot of every live connection in no particular order.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, *conn)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
