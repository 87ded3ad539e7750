package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/service"
	"parley/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-secret"

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ref   string          `json:"ref"`
}

type gatewayEnv struct {
	store    *store.Store
	registry *presence.Registry
	groups   *service.GroupService
	srv      *httptest.Server
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	st := store.New(gdb, 5*time.Second)
	reg := presence.NewRegistry()
	hub := NewHub()
	d := NewDispatcher(hub, reg)
	cfg := config.Config{JWTSecret: testSecret, AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	notes := service.NewNotificationService(st, d, reg, push.Noop{})
	svc := Services{
		Users:         service.NewUserService(st, cfg, d, reg),
		Messages:      service.NewMessageService(st, d, notes, nil),
		Seen:          service.NewSeenService(st, d),
		Reactions:     service.NewReactionService(st, d, notes),
		Conversations: service.NewConversationService(st, reg),
	}
	gw := NewGateway(hub, reg, d, auth.NewVerifier(testSecret), svc, time.Second)

	r := gin.New()
	r.GET("/ws", gw.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &gatewayEnv{store: st, registry: reg, groups: service.NewGroupService(st, d, notes), srv: srv}
}

func (e *gatewayEnv) user(t *testing.T, name string) (models.User, string) {
	t.Helper()
	u := models.User{Username: name, DisplayName: name, PasswordHash: "x", ShowOnline: true}
	require.NoError(t, e.store.CreateUser(context.Background(), &u))
	tok, err := auth.GenerateAccessToken(u.ID, testSecret, 15)
	require.NoError(t, err)
	return u, tok
}

func (e *gatewayEnv) befriend(t *testing.T, a, b models.User) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.CreateContactRequest(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.RespondContact(ctx, a.ID, b.ID, true))
}

func (e *gatewayEnv) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (e *gatewayEnv) connect(t *testing.T, token string, userID uint) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, token)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.registry.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event, ref string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "ref": ref, "data": data}))
}

// readUntil 丢弃其他事件，直到读到 event。
func readUntil(t *testing.T, conn *websocket.Conn, events ...string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		for _, ev := range events {
			if f.Event == ev {
				return f
			}
		}
	}
}

func TestGateway_RejectsBadTokens(t *testing.T) {
	e := newGatewayEnv(t)
	u, _ := e.user(t, "alice")

	for _, tok := range []string{"", "garbage"} {
		_, resp, err := e.dial(t, tok)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	require.NoError(t, e.store.SetOnline(context.Background(), u.ID, true))
	expired, err := auth.GenerateAccessToken(u.ID, testSecret, -1)
	require.NoError(t, err)
	_, resp, err := e.dial(t, expired)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	got, err := e.store.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
}

func TestGateway_SendMessage(t *testing.T) {
	e := newGatewayEnv(t)
	a, aTok := e.user(t, "alice")
	b, bTok := e.user(t, "bob")
	e.befriend(t, a, b)

	ac := e.connect(t, aTok, a.ID)
	bc := e.connect(t, bTok, b.ID)

	send(t, ac, InSendMessage, "r1", map[string]any{"recipientId": b.ID, "content": "hi"})

	f := readUntil(t, ac, service.EventMessageReceived)
	var msg service.MessagePayload
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "hi", *msg.Content)
	assert.Equal(t, []uint{}, msg.SeenBy)

	ack := readUntil(t, ac, OutAck)
	assert.Equal(t, "r1", ack.Ref)

	readUntil(t, bc, service.EventMessageReceived)
	note := readUntil(t, bc, service.EventNotification)
	var n service.NotificationPayload
	require.NoError(t, json.Unmarshal(note.Data, &n))
	assert.Equal(t, "alice sent you a message", n.Content)

	send(t, bc, InMarkSeen, "", map[string]any{"conversationId": msg.ConversationID})
	seen := readUntil(t, ac, service.EventMessagesSeen)
	var sp service.SeenPayload
	require.NoError(t, json.Unmarshal(seen.Data, &sp))
	assert.Equal(t, service.SeenPayload{ConversationID: msg.ConversationID, SeenBy: b.ID}, sp)
}

func TestGateway_TypingRequiresJoin(t *testing.T) {
	e := newGatewayEnv(t)
	a, aTok := e.user(t, "alice")
	b, bTok := e.user(t, "bob")
	e.befriend(t, a, b)

	conv, _, err := e.store.FindOrCreateDirectConversation(context.Background(), a.ID, b.ID)
	require.NoError(t, err)

	ac := e.connect(t, aTok, a.ID)
	bc := e.connect(t, bTok, b.ID)

	send(t, ac, InJoinConversation, "j1", map[string]any{"conversationId": conv.ID})
	readUntil(t, ac, OutAck)

	send(t, bc, InTyping, "", map[string]any{"conversationId": conv.ID})
	send(t, bc, InJoinConversation, "j2", map[string]any{"conversationId": conv.ID})
	readUntil(t, bc, OutAck)
	send(t, bc, InStopTyping, "", map[string]any{"conversationId": conv.ID})

	f := readUntil(t, ac, InTyping, InStopTyping)
	assert.Equal(t, InStopTyping, f.Event)
	var tp service.TypingPayload
	require.NoError(t, json.Unmarshal(f.Data, &tp))
	assert.Equal(t, b.ID, tp.UserID)
}

func TestGateway_ErrorFrames(t *testing.T) {
	e := newGatewayEnv(t)
	a, aTok := e.user(t, "alice")
	b, _ := e.user(t, "bob")

	ac := e.connect(t, aTok, a.ID)

	tests := []struct {
		event string
		data  any
		code  string
	}{
		{"bogus", nil, "ValidationError"},
		{InSendMessage, map[string]any{"recipientId": b.ID, "content": "hi"}, "NotAContact"},
		{InSendMessage, map[string]any{"recipientId": 9999, "content": "hi"}, "RecipientNotFound"},
		{InJoinConversation, map[string]any{"conversationId": 4242}, "ConversationNotFound"},
		{InMarkSeen, map[string]any{}, "ValidationError"},
	}
	for i, tt := range tests {
		ref := string(rune('a' + i))
		send(t, ac, tt.event, ref, tt.data)
		f := readUntil(t, ac, OutError)
		assert.Equal(t, ref, f.Ref, tt.event)
		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &body))
		assert.Equal(t, tt.code, body.Error, tt.event)
	}
}

func TestGateway_PresenceToContacts(t *testing.T) {
	e := newGatewayEnv(t)
	a, aTok := e.user(t, "alice")
	b, bTok := e.user(t, "bob")
	e.befriend(t, a, b)

	ac := e.connect(t, aTok, a.ID)
	bc := e.connect(t, bTok, b.ID)

	f := readUntil(t, ac, service.EventPresence)
	var p service.PresencePayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, service.PresencePayload{UserID: b.ID, Online: true}, p)

	require.NoError(t, bc.Close())
	f = readUntil(t, ac, service.EventPresence)
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, service.PresencePayload{UserID: b.ID, Online: false}, p)
	assert.False(t, e.registry.IsOnline(b.ID))
}

func TestGateway_RemovedMemberStopsReceivingTyping(t *testing.T) {
	e := newGatewayEnv(t)
	ctx := context.Background()
	a, aTok := e.user(t, "alice")
	b, bTok := e.user(t, "bob")
	c, cTok := e.user(t, "carol")

	group, err := e.store.CreateGroup(ctx, a.ID, "team", []uint{b.ID, c.ID})
	require.NoError(t, err)

	ac := e.connect(t, aTok, a.ID)
	bc := e.connect(t, bTok, b.ID)
	cc := e.connect(t, cTok, c.ID)
	for i, conn := range []*websocket.Conn{ac, bc, cc} {
		ref := string(rune('j' + i))
		send(t, conn, InJoinConversation, ref, map[string]any{"conversationId": group.ID})
		require.Equal(t, ref, readUntil(t, conn, OutAck).Ref)
	}

	send(t, bc, InTyping, "", map[string]any{"conversationId": group.ID})
	readUntil(t, ac, InTyping)

	// bob is removed while his connection is still joined to the room
	require.NoError(t, e.groups.RemoveMember(ctx, a.ID, group.ID, b.ID))
	readUntil(t, bc, service.EventRemovedFromGroup)
	assert.False(t, e.registry.InRoom(onlyConn(t, e, b.ID), presence.ConversationRoom(group.ID)))

	// typing from the stale connection is dropped; the error reply proves it was processed
	send(t, bc, InTyping, "", map[string]any{"conversationId": group.ID})
	send(t, bc, InJoinConversation, "rejoin", map[string]any{"conversationId": group.ID})
	f := readUntil(t, bc, OutError)
	assert.Equal(t, "rejoin", f.Ref)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Equal(t, "NotParticipant", body.Error)

	send(t, cc, InTyping, "", map[string]any{"conversationId": group.ID})
	f = readUntil(t, ac, InTyping)
	var tp service.TypingPayload
	require.NoError(t, json.Unmarshal(f.Data, &tp))
	assert.Equal(t, c.ID, tp.UserID, "removed member's typing must not reach the room")

	// carol's typing reached alice, so bob would have it queued by now
	send(t, bc, InLeaveConversation, "after", map[string]any{"conversationId": group.ID})
	f = readUntil(t, bc, InTyping, OutAck)
	assert.Equal(t, OutAck, f.Event)
}

func onlyConn(t *testing.T, e *gatewayEnv, userID uint) string {
	t.Helper()
	conns := e.registry.Connections(userID)
	require.Len(t, conns, 1)
	return conns[0]
}
