package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/invite"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/server"
	"github.com/Tyrowin/relay/internal/session"
	"github.com/Tyrowin/relay/internal/store"
	"github.com/Tyrowin/relay/internal/testhelpers"
)

type loginResponse struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	ExpiresIn int64  `json:"expiresIn"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type inviteResponse struct {
	Token     string     `json:"token"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Status string `json:"status"`
}

func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/", http.NoBody)
		rr := httptest.NewRecorder()

		server.HealthHandler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
		assert.Equal(t, "Relay server is running!", rr.Body.String())
	}
}

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	srv := server.CreateServer(":9999", handler, logger)

	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, handler, srv.Handler)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
	require.NotNil(t, srv.ErrorLog)

	srv.ErrorLog.Print("tls handshake error")
	assert.Contains(t, buf.String(), "tls handshake error")
	assert.Contains(t, buf.String(), "level=ERROR")

	require.NoError(t, server.ShutdownServer(srv, time.Second, logger))
	assert.Contains(t, buf.String(), "http server shutdown completed")
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := server.New(server.NewConfig(), server.Deps{})
	require.Error(t, err)
	for _, want := range []string{"session", "invite", "presence", "message"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestAdminLogin(t *testing.T) {
	g := newGateway(t, nil)
	url := g.http.URL + "/api/auth/admin/login"

	var login loginResponse
	status := testhelpers.DoJSON(t, http.MethodPost, url, "", map[string]string{"password": adminPassword}, &login)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", login.Type)
	assert.Equal(t, int64((7 * 24 * time.Hour).Seconds()), login.ExpiresIn)

	claim, err := g.sessions.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, session.RoleAdmin, claim.Role)
	assert.Equal(t, session.AdminSubject, claim.SubjectID)

	var rejected errorResponse
	status = testhelpers.DoJSON(t, http.MethodPost, url, "", map[string]string{"password": "nope"}, &rejected)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", rejected.Reason)

	resp, err := http.Post(url, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacyLoginAliasIssuesAdminToken(t *testing.T) {
	g := newGateway(t, nil)

	var login loginResponse
	status := testhelpers.DoJSON(t, http.MethodPost, g.http.URL+"/api/auth/login", "", map[string]string{"password": adminPassword}, &login)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", login.Type)

	claim, err := g.sessions.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, session.RoleAdmin, claim.Role)
}

func TestAdminLoginDisabledWithoutPassword(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) { cfg.Auth.AdminPassword = "" })

	var rejected errorResponse
	status := testhelpers.DoJSON(t, http.MethodPost, g.http.URL+"/api/auth/admin/login", "",
		map[string]string{"password": ""}, &rejected)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "admin_login_disabled", rejected.Reason)
}

func TestGuestLoginRedeemsInviteOnce(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) { cfg.Invite.PublicURL = "https://chat.example.com/" })
	admin := g.adminToken(t)

	var created inviteResponse
	status := testhelpers.DoJSON(t, http.MethodPost, g.http.URL+"/api/admin/invite/generate", admin,
		map[string]float64{"expiresInDays": 1}, &created)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, created.Token)
	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, "https://chat.example.com?invite="+created.Token, created.URL)

	var verified verifyResponse
	testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/auth/verify-invite?token="+created.Token, "", nil, &verified)
	assert.True(t, verified.Valid)
	assert.Equal(t, "active", verified.Status)

	loginURL := g.http.URL + "/api/auth/guest/login"
	var login loginResponse
	status = testhelpers.DoJSON(t, http.MethodPost, loginURL, "", map[string]string{"inviteToken": created.Token}, &login)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "guest", login.Type)

	claim, err := g.sessions.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, session.RoleGuest, claim.Role)
	assert.True(t, strings.HasPrefix(claim.SubjectID, "guest_"))
	assert.Equal(t, created.Token, claim.InviteToken)

	var rejected errorResponse
	status = testhelpers.DoJSON(t, http.MethodPost, loginURL, "", map[string]string{"inviteToken": created.Token}, &rejected)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invite_consumed", rejected.Reason)

	testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/auth/verify-invite?token="+created.Token, "", nil, &verified)
	assert.False(t, verified.Valid)
	assert.Equal(t, "consumed", verified.Status)

	conn := g.join(t, login.Token)
	assert.NotNil(t, conn)
	waitForCount(t, g.registry, 1)
	assert.Equal(t, claim.SubjectID, g.registry.All()[0].SubjectID)
}

func TestGuestLoginRejections(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	g := newGateway(t, nil)
	clock := now
	expiring := invite.NewLedger(invite.WithClock(func() time.Time { return clock }))
	expired, err := expiring.Generate(time.Hour)
	require.NoError(t, err)
	clock = now.Add(2 * time.Hour)

	srv, err := server.New(server.NewConfig(), server.Deps{
		Sessions: g.sessions,
		Invites:  expiring,
		Presence: presence.NewRegistry(),
		Messages: store.NewMemoryStore(nil),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	tests := []struct {
		name   string
		token  string
		status int
		reason string
	}{
		{name: "unknown", token: "deadbeef", status: http.StatusUnauthorized, reason: "invite_not_found"},
		{name: "expired", token: expired.Token, status: http.StatusUnauthorized, reason: "invite_expired"},
		{name: "expired then pruned", token: expired.Token, status: http.StatusUnauthorized, reason: "invite_not_found"},
		{name: "blank", token: "  ", status: http.StatusBadRequest, reason: "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rejected errorResponse
			status := testhelpers.DoJSON(t, http.MethodPost, ts.URL+"/api/auth/guest/login", "",
				map[string]string{"inviteToken": tt.token}, &rejected)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.reason, rejected.Reason)
		})
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	g := newGateway(t, nil)
	guest, err := g.sessions.Issue(session.RoleGuest, "guest_1", "", "")
	require.NoError(t, err)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/admin/invite/generate"},
		{http.MethodGet, "/api/admin/invite/list"},
		{http.MethodDelete, "/api/admin/invite/abc"},
		{http.MethodGet, "/api/admin/online-users"},
		{http.MethodDelete, "/api/admin/online-users/abc"},
		{http.MethodDelete, "/api/messages/all"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var rejected errorResponse
			assert.Equal(t, http.StatusUnauthorized, testhelpers.DoJSON(t, ep.method, g.http.URL+ep.path, "", nil, &rejected))
			assert.Equal(t, http.StatusUnauthorized, testhelpers.DoJSON(t, ep.method, g.http.URL+ep.path, "bogus", nil, &rejected))
			assert.Equal(t, http.StatusForbidden, testhelpers.DoJSON(t, ep.method, g.http.URL+ep.path, guest, nil, &rejected))
		})
	}
}

func TestInviteListAndRevoke(t *testing.T) {
	g := newGateway(t, nil)
	admin := g.adminToken(t)

	var forever inviteResponse
	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/api/admin/invite/generate", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &forever))
	assert.Nil(t, forever.ExpiresAt)
	assert.Equal(t, "http://localhost:3000?invite="+forever.Token, forever.URL)

	var listed []invite.Token
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/admin/invite/list", admin, nil, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, forever.Token, listed[0].Token)

	var revoked struct {
		Success bool `json:"success"`
	}
	testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/admin/invite/"+forever.Token, admin, nil, &revoked)
	assert.True(t, revoked.Success)
	testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/admin/invite/"+forever.Token, admin, nil, &revoked)
	assert.False(t, revoked.Success)

	testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/admin/invite/list", admin, nil, &listed)
	assert.Empty(t, listed)
}

func TestGenerateInviteCapsLifetime(t *testing.T) {
	g := newGateway(t, nil)
	admin := g.adminToken(t)

	var generated inviteResponse
	status := testhelpers.DoJSON(t, http.MethodPost, g.http.URL+"/api/admin/invite/generate", admin, map[string]float64{"expiresInDays": 1e9}, &generated)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, generated.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(36500*24*time.Hour), *generated.ExpiresAt, time.Hour)

	var verified verifyResponse
	testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/auth/verify-invite?token="+generated.Token, "", nil, &verified)
	assert.True(t, verified.Valid)

	var week inviteResponse
	status = testhelpers.DoJSON(t, http.MethodPost, g.http.URL+"/api/admin/invite/generate", admin, map[string]float64{"expiresInDays": 7}, &week)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, week.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *week.ExpiresAt, time.Minute)
}

func TestOnlineUsersAndKickViaAPI(t *testing.T) {
	g := newGateway(t, nil)
	admin := g.adminToken(t)
	guest := g.join(t, "")
	waitForCount(t, g.registry, 1)

	var roster []presence.Connection
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/admin/online-users", admin, nil, &roster))
	require.Len(t, roster, 1)
	target := roster[0].ConnectionID

	var kicked struct {
		Success      bool   `json:"success"`
		ConnectionID string `json:"connectionId"`
	}
	testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/admin/online-users/"+target, admin, nil, &kicked)
	assert.True(t, kicked.Success)
	assert.Equal(t, target, kicked.ConnectionID)

	testhelpers.ExpectFrame(t, guest, server.EventKicked, frameTimeout)
	waitForCount(t, g.registry, 0)

	testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/admin/online-users/"+target, admin, nil, &kicked)
	assert.False(t, kicked.Success)
}

func TestMessagesEndpoint(t *testing.T) {
	g := newGateway(t, nil)
	for _, content := range []string{"one", "two", "three"} {
		_, err := g.messages.Save(context.Background(), store.Draft{Content: content}, "")
		require.NoError(t, err)
	}

	var listed struct {
		Data  []store.Message `json:"data"`
		Total int             `json:"total"`
	}
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages?limit=2", "", nil, &listed))
	require.Len(t, listed.Data, 2)
	assert.Equal(t, 2, listed.Total)
	assert.Equal(t, "two", listed.Data[0].Content)
	assert.Equal(t, "three", listed.Data[1].Content)

	var rejected errorResponse
	assert.Equal(t, http.StatusBadRequest, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages?limit=zero", "", nil, &rejected))
}

func TestMessageHistoryEndpoint(t *testing.T) {
	g := newGateway(t, nil)
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := g.messages.Save(context.Background(), store.Draft{Content: content}, "")
		require.NoError(t, err)
	}

	type historyPage struct {
		Data     []store.Message `json:"data"`
		Total    int             `json:"total"`
		Page     int             `json:"page"`
		PageSize int             `json:"pageSize"`
	}

	var page historyPage
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages/history?page=2&pageSize=2", "", nil, &page))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.PageSize)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "m3", page.Data[0].Content)
	assert.Equal(t, "m2", page.Data[1].Content)

	var defaults historyPage
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages/history", "", nil, &defaults))
	assert.Equal(t, 1, defaults.Page)
	assert.Equal(t, 50, defaults.PageSize)
	require.Len(t, defaults.Data, 5)
	assert.Equal(t, "m5", defaults.Data[0].Content)

	var beyond historyPage
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages/history?page=9223372036854775807&pageSize=10", "", nil, &beyond))
	assert.Empty(t, beyond.Data)
	assert.Equal(t, 5, beyond.Total)

	for _, query := range []string{"page=0", "page=x", "pageSize=-1"} {
		var rejected errorResponse
		assert.Equal(t, http.StatusBadRequest, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages/history?"+query, "", nil, &rejected), query)
	}
}

func TestClearAllMessagesBroadcastsDeletedIDs(t *testing.T) {
	g := newGateway(t, nil)
	m1, err := g.messages.Save(context.Background(), store.Draft{Content: "first"}, "")
	require.NoError(t, err)
	m2, err := g.messages.Save(context.Background(), store.Draft{Content: "second"}, "")
	require.NoError(t, err)

	guest := g.join(t, "")
	waitForCount(t, g.registry, 1)

	var cleared struct {
		Success bool `json:"success"`
		Deleted int  `json:"deleted"`
	}
	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/messages/all", g.adminToken(t), nil, &cleared))
	assert.True(t, cleared.Success)
	assert.Equal(t, 2, cleared.Deleted)

	frame := testhelpers.ExpectFrame(t, guest, server.EventMessagesDeleted, frameTimeout)
	var ids []string
	testhelpers.DecodePayload(t, frame, &ids)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, ids)

	recent, err := g.messages.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodDelete, g.http.URL+"/api/messages/all", g.adminToken(t), nil, &cleared))
	assert.Zero(t, cleared.Deleted)
}

func TestMessagesEndpointRequiresSessionWhenAuthRequired(t *testing.T) {
	g := newGateway(t, func(cfg *server.Config) { cfg.RequireAuth = true })

	var rejected errorResponse
	assert.Equal(t, http.StatusUnauthorized, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages", "", nil, &rejected))

	var listed struct {
		Data []store.Message `json:"data"`
	}
	assert.Equal(t, http.StatusOK, testhelpers.DoJSON(t, http.MethodGet, g.http.URL+"/api/messages", g.adminToken(t), nil, &listed))
	assert.Empty(t, listed.Data)
}
