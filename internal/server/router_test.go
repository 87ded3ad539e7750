package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/service"
	"parley/internal/store"
	"parley/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-secret"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := config.Config{Env: "dev", JWTSecret: testSecret, AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	st := store.New(gdb, 5*time.Second)
	reg := presence.NewRegistry()
	hub := ws.NewHub()
	d := ws.NewDispatcher(hub, reg)
	verifier := auth.NewVerifier(testSecret)

	notes := service.NewNotificationService(st, d, reg, push.Noop{})
	svc := Services{
		Users:         service.NewUserService(st, cfg, d, reg),
		Contacts:      service.NewContactService(st, d, reg, notes),
		Conversations: service.NewConversationService(st, reg),
		Messages:      service.NewMessageService(st, d, notes, nil),
		Seen:          service.NewSeenService(st, d),
		Groups:        service.NewGroupService(st, d, notes),
		Reactions:     service.NewReactionService(st, d, notes),
		Notifications: notes,
	}
	gw := ws.NewGateway(hub, reg, d, verifier, ws.Services{
		Users:         svc.Users,
		Messages:      svc.Messages,
		Seen:          svc.Seen,
		Reactions:     svc.Reactions,
		Conversations: svc.Conversations,
	}, time.Second)
	return SetupRouter(cfg, st, verifier, NewHandler(svc), gw)
}

func do(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type session struct {
	ID           uint
	AccessToken  string
	RefreshToken string
}

func signup(t *testing.T, r *gin.Engine, name string) session {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "password": "secret1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": name, "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		User         struct {
			ID uint `json:"id"`
		} `json:"user"`
	}
	decode(t, w, &res)
	return session{ID: res.User.ID, AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}
}

func befriend(t *testing.T, r *gin.Engine, a, b session) {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/contact-requests", a.AccessToken, gin.H{"userId": b.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/contact-requests/%d/accept", a.ID), b.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Connections)
}

func TestAuthFlow(t *testing.T) {
	r := newTestRouter(t)
	alice := signup(t, r, "alice")
	require.NotEmpty(t, alice.AccessToken)

	w := do(t, r, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/me", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me service.UserPayload
	decode(t, w, &me)
	assert.Equal(t, "alice", me.Username)
	assert.True(t, me.IsOnline)

	w = do(t, r, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(t, r, http.MethodGet, "/api/v1/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": alice.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair service.TokenPair
	decode(t, w, &pair)
	assert.NotEqual(t, alice.RefreshToken, pair.RefreshToken)

	// the rotated token cannot be reused
	w = do(t, r, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": alice.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/auth/logout", pair.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "ab", "password": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ValidationError", body.Error)
	assert.Contains(t, body.Fields, "username")
	assert.Contains(t, body.Fields, "password")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirectMessaging(t *testing.T) {
	r := newTestRouter(t)
	alice := signup(t, r, "alice")
	bob := signup(t, r, "bob")

	w := do(t, r, http.MethodPost, "/api/v1/messages", alice.AccessToken, gin.H{"recipientId": bob.ID, "content": "hi"})
	require.Equal(t, http.StatusForbidden, w.Code)
	var errBody struct {
		Error string `json:"error"`
	}
	decode(t, w, &errBody)
	assert.Equal(t, "NotAContact", errBody.Error)

	befriend(t, r, alice, bob)

	w = do(t, r, http.MethodPost, "/api/v1/messages", alice.AccessToken, gin.H{"recipientId": bob.ID, "content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent service.SendResult
	decode(t, w, &sent)
	require.NotZero(t, sent.ConversationID)

	w = do(t, r, http.MethodPost, "/api/v1/messages", alice.AccessToken, gin.H{"recipientId": bob.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages?page=1&pageSize=10", sent.ConversationID), bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hist struct {
		Messages []service.MessagePayload `json:"messages"`
	}
	decode(t, w, &hist)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hi", *hist.Messages[0].Content)
	assert.Equal(t, service.StatusCreated, hist.Messages[0].Status)

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages/latest?n=5", sent.ConversationID), alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &hist)
	assert.Len(t, hist.Messages, 1)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%d/seen", sent.ConversationID), bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var seen struct {
		Senders []uint `json:"senders"`
	}
	decode(t, w, &seen)
	assert.Equal(t, []uint{alice.ID}, seen.Senders)

	w = do(t, r, http.MethodGet, "/api/v1/notifications?unread=true", bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var notes struct {
		Notifications []service.NotificationPayload `json:"notifications"`
	}
	decode(t, w, &notes)
	assert.NotEmpty(t, notes.Notifications)

	w = do(t, r, http.MethodPost, "/api/v1/notifications/read-all", bob.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConversationAccess(t *testing.T) {
	r := newTestRouter(t)
	alice := signup(t, r, "alice")
	bob := signup(t, r, "bob")
	eve := signup(t, r, "eve")
	befriend(t, r, alice, bob)

	w := do(t, r, http.MethodPost, "/api/v1/messages", alice.AccessToken, gin.H{"recipientId": bob.ID, "content": "private"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sent service.SendResult
	decode(t, w, &sent)

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages", sent.ConversationID), eve.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/conversations/999/messages", alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/conversations/abc/messages", alice.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGroupLifecycle(t *testing.T) {
	r := newTestRouter(t)
	alice := signup(t, r, "alice")
	bob := signup(t, r, "bob")
	carol := signup(t, r, "carol")

	w := do(t, r, http.MethodPost, "/api/v1/groups", alice.AccessToken, gin.H{"name": "team", "members": []uint{bob.ID}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var g service.GroupView
	decode(t, w, &g)
	require.NotZero(t, g.ID)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/groups/%d/members", g.ID), bob.AccessToken, gin.H{"userIds": []uint{carol.ID}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/groups/%d/members", g.ID), alice.AccessToken, gin.H{"userIds": []uint{carol.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/groups/%d/messages", g.ID), carol.AccessToken, gin.H{"content": "hello team"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent service.SendResult
	decode(t, w, &sent)

	w = do(t, r, http.MethodPut, fmt.Sprintf("/api/v1/messages/%d/reactions", sent.Message.ID), bob.AccessToken, gin.H{"emoji": "👍"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/messages/%d/reactions", sent.Message.ID), alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reacts struct {
		Reactions []service.ReactionPayload `json:"reactions"`
	}
	decode(t, w, &reacts)
	require.Len(t, reacts.Reactions, 1)
	assert.Equal(t, bob.ID, reacts.Reactions[0].UserID)

	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/groups/%d/leave", g.ID), carol.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/groups/%d/messages", g.ID), carol.AccessToken, gin.H{"content": "still here?"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/groups/%d", g.ID), alice.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/groups/%d", g.ID), alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
