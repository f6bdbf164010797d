package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/server"
	"github.com/Tyrowin/relay/internal/session"
	"github.com/Tyrowin/relay/internal/store"
	"github.com/Tyrowin/relay/internal/testhelpers"
)

const (
	adminPassword = "correct horse battery staple"
	frameTimeout  = 2 * time.Second
)

type gateway struct {
	srv      *server.Server
	http     *httptest.Server
	sessions *session.Service
	invites  *invite.Ledger
	registry *presence.Registry
	messages *store.MemoryStore
}

func newGateway(t *testing.T, mutate func(*server.Config)) *gateway {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Auth.AdminPassword = adminPassword
	if mutate != nil {
		mutate(&cfg)
	}

	sessions, err := session.NewService(session.Config{
		Secret:   []byte("test-secret-test-secret-test-sec"),
		Issuer:   cfg.Auth.Issuer,
		AdminTTL: cfg.Auth.AdminTokenTTL,
		GuestTTL: cfg.Auth.GuestTokenTTL,
	})
	require.NoError(t, err)

	g := &gateway{
		sessions: sessions,
		invites:  invite.NewLedger(),
		registry: presence.NewRegistry(),
		messages: store.NewMemoryStore(nil),
	}
	g.srv, err = server.New(cfg, server.Deps{
		Sessions: g.sessions,
		Invites:  g.invites,
		Presence: g.registry,
		Messages: g.messages,
	})
	require.NoError(t, err)

	g.http = httptest.NewServer(g.srv.Routes())
	t.Cleanup(func() {
		_ = g.srv.Hub().Shutdown(time.Second)
		g.http.Close()
	})
	return g
}

func (g *gateway) wsURL() string {
	return testhelpers.WebSocketURL(g.http.URL, "/ws")
}

func (g *gateway) adminToken(t *testing.T) string {
	t.Helper()
	token, err := g.sessions.Issue(session.RoleAdmin, session.AdminSubject, "127.0.0.1", "")
	require.NoError(t, err)
	return token
}

// join connects and consumes the connect sequence up to the history frame.
func (g *gateway) join(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := testhelpers.MustConnect(t, g.wsURL(), token)
	testhelpers.ExpectFrame(t, conn, server.EventHistory, frameTimeout)
	return conn
}

func waitForCount(t *testing.T, registry *presence.Registry, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return registry.Count() == want }, frameTimeout, 10*time.Millisecond)
}

func TestWebSocketHandlerMethodValidation(t *testing.T) {
	g := newGateway(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/ws", http.NoBody)
			rr := httptest.NewRecorder()

			g.srv.WebSocketHandler(rr, req)

			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
			assert.Contains(t, rr.Body.String(), "WebSocket endpoint only accepts GET requests")
		})
	}
}

func TestAnonymousConnectionDegradesToGuest(t *testing.T) {
	g := newGateway(t, nil)

	for _, token := range []string{"", "not-a-jwt"} {
		conn := testhelpers.MustConnect(t, g.wsURL(), token)

		frame := testhelpers.ExpectFrame(t, conn, server.EventPresenceCount, frameTimeout)
		var count int
		testhelpers.DecodePayload(t, frame, &count)
		assert.GreaterOrEqual(t, count, 1)
		testhelpers.ExpectFrame(t, conn, server.EventHistory, frameTimeout)

		require.NoError(t, testhelpers.SendFrame(conn, server.EventRequestRoster, nil))
		frame = testhelpers.ExpectFrame(t, conn, server.EventError, frameTimeout)
		var payload server.ErrorPayload
		testhelpers.DecodePayload(t, frame, &payload)
		assert.Equal(t, server.CodeUnauthorized, payload.Code)
	}

	for _, conn := range g.registry.All() {
		assert.Equal(t, session.AnonymousSubject, conn.SubjectID)
		assert.Equal(t, session.RoleGuest, conn.Role)
	}
}

func TestRequireAuthRejectsUpgrade(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) { cfg.RequireAuth = true })

	for _, token := range []string{"", "garbage"} {
		_, resp, err := testhelpers.ConnectWebSocket(g.wsURL(), token, testhelpers.DefaultOrigin)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn := g.join(t, g.adminToken(t))
	assert.NotNil(t, conn)
	waitForCount(t, g.registry, 1)
}

func TestTokenFromQueryParameter(t *testing.T) {
	g := newGateway(t, nil)

	conn, _, err := testhelpers.ConnectWebSocket(g.wsURL()+"?token="+g.adminToken(t), "", testhelpers.DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	testhelpers.ExpectFrame(t, conn, server.EventRoster, frameTimeout)
	roster := g.registry.All()
	require.Len(t, roster, 1)
	assert.Equal(t, session.RoleAdmin, roster[0].Role)
}

func TestWebSocketOriginValidation(t *testing.T) {
	g := newGateway(t, nil)

	_, resp, err := testhelpers.ConnectWebSocket(g.wsURL(), "", "http://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, g.registry.Count())
}

func TestMessageBroadcastReachesSender(t *testing.T) {
	g := newGateway(t, nil)
	alice := g.join(t, "")
	bob := g.join(t, "")

	require.NoError(t, testhelpers.SendFrame(alice, server.EventSendMessage, map[string]any{
		"type":    "text",
		"content": "hello there",
	}))

	var ids []string
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := testhelpers.ExpectFrame(t, conn, server.EventMessage, frameTimeout)
		var msg store.Message
		testhelpers.DecodePayload(t, frame, &msg)
		assert.Equal(t, "hello there", msg.Content)
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, ids[0], ids[1])

	late := testhelpers.MustConnect(t, g.wsURL(), "")
	frame := testhelpers.ExpectFrame(t, late, server.EventHistory, frameTimeout)
	var history []store.Message
	testhelpers.DecodePayload(t, frame, &history)
	require.Len(t, history, 1)
	assert.Equal(t, ids[0], history[0].ID)
}

func TestRosterVisibleOnlyToAdmin(t *testing.T) {
	g := newGateway(t, nil)
	guest := g.join(t, "")
	admin := g.join(t, g.adminToken(t))

	require.NoError(t, testhelpers.SendFrame(admin, server.EventRequestRoster, nil))
	frame := testhelpers.ExpectFrame(t, admin, server.EventRoster, frameTimeout)
	var roster []presence.Connection
	testhelpers.DecodePayload(t, frame, &roster)
	require.Len(t, roster, 2)

	roles := []session.Role{roster[0].Role, roster[1].Role}
	assert.ElementsMatch(t, []session.Role{session.RoleGuest, session.RoleAdmin}, roles)

	require.NoError(t, testhelpers.SendFrame(guest, server.EventGetOnlineUsers, nil))
	frame = testhelpers.ExpectFrame(t, guest, server.EventError, frameTimeout)
	var payload server.ErrorPayload
	testhelpers.DecodePayload(t, frame, &payload)
	assert.Equal(t, server.CodeUnauthorized, payload.Code)
}

func TestKickDisconnectsTarget(t *testing.T) {
	g := newGateway(t, nil)
	target := g.join(t, "")
	waitForCount(t, g.registry, 1)
	targetID := g.registry.All()[0].ConnectionID

	admin := g.join(t, g.adminToken(t))
	bystander := g.join(t, "")
	waitForCount(t, g.registry, 3)

	require.NoError(t, testhelpers.SendFrame(admin, server.EventKick, map[string]string{"connectionId": targetID}))

	frame := testhelpers.ExpectFrame(t, target, server.EventKicked, frameTimeout)
	var notice server.KickedPayload
	testhelpers.DecodePayload(t, frame, &notice)
	assert.NotEmpty(t, notice.Message)

	_, err := testhelpers.ReadFrame(target, frameTimeout)
	require.Error(t, err)

	waitForCount(t, g.registry, 2)
	_, stillThere := g.registry.Get(targetID)
	assert.False(t, stillThere)

	for {
		frame := testhelpers.ExpectFrame(t, bystander, server.EventPresenceCount, frameTimeout)
		var count int
		testhelpers.DecodePayload(t, frame, &count)
		if count == 2 {
			break
		}
	}
}

func TestDeleteMessagesBroadcast(t *testing.T) {
	g := newGateway(t, nil)
	m1, err := g.messages.Save(context.Background(), store.Draft{Content: "remove me"}, "")
	require.NoError(t, err)

	guest := g.join(t, "")
	admin := g.join(t, g.adminToken(t))

	require.NoError(t, testhelpers.SendFrame(admin, server.EventDeleteMessages, map[string][]string{"ids": {m1.ID, "m2"}}))

	for _, conn := range []*websocket.Conn{admin, guest} {
		frame := testhelpers.ExpectFrame(t, conn, server.EventMessagesDeleted, frameTimeout)
		var ids []string
		testhelpers.DecodePayload(t, frame, &ids)
		assert.Equal(t, []string{m1.ID}, ids)
	}
}

func TestWebSocketMessageSizeLimit(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) { cfg.MaxMessageSize = 256 })
	conn := g.join(t, "")
	waitForCount(t, g.registry, 1)

	oversized := `{"type":"sendMessage","payload":{"content":"` + strings.Repeat("x", 512) + `"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(oversized)))

	for {
		if _, err := testhelpers.ReadFrame(conn, frameTimeout); err != nil {
			break
		}
	}
	waitForCount(t, g.registry, 0)
}

func TestWebSocketRateLimiting(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	conn := g.join(t, "")

	for i := 0; i < 4; i++ {
		require.NoError(t, testhelpers.SendFrame(conn, server.EventHeartbeat, nil))
	}

	var pongs, limited int
	for pongs+limited < 4 {
		frame, err := testhelpers.ReadFrame(conn, frameTimeout)
		require.NoError(t, err)
		switch frame.Type {
		case server.EventPong:
			pongs++
		case server.EventError:
			var payload server.ErrorPayload
			testhelpers.DecodePayload(t, frame, &payload)
			assert.Equal(t, server.CodeRateLimited, payload.Code)
			limited++
		}
	}
	assert.Equal(t, 2, pongs)
	assert.Equal(t, 2, limited)
}

func TestGracefulShutdownClosesClients(t *testing.T) {
	g := newGateway(t, nil)
	conns := []*websocket.Conn{g.join(t, ""), g.join(t, "")}
	waitForCount(t, g.registry, 2)

	require.NoError(t, g.srv.Hub().Shutdown(2*time.Second))

	for _, conn := range conns {
		for {
			if _, err := testhelpers.ReadFrame(conn, frameTimeout); err != nil {
				break
			}
		}
	}
	assert.Equal(t, 0, g.registry.Count())

	late, _, err := testhelpers.ConnectWebSocket(g.wsURL(), "", testhelpers.DefaultOrigin)
	require.NoError(t, err)
	defer func() { _ = late.Close() }()
	_, err = testhelpers.ReadFrame(late, frameTimeout)
	assert.Error(t, err)
	assert.Equal(t, 0, g.registry.Count())
}
