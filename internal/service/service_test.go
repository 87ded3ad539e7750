package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/models"
	"parley/internal/push"
	"parley/internal/store"

	"github.com/stretchr/testify/require"
)

type emitted struct {
	Target  uint
	Room    bool
	Event   string
	Payload any
}

type fakeEmitter struct {
	mu      sync.Mutex
	events  []emitted
	joined  map[uint][]uint
	removed map[uint][]uint
	dropped []uint
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{joined: map[uint][]uint{}, removed: map[uint][]uint{}}
}

func (f *fakeEmitter) EmitToUser(userID uint, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Target: userID, Event: event, Payload: payload})
}

func (f *fakeEmitter) EmitToConversation(conversationID uint, event string, payload any, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Target: conversationID, Room: true, Event: event, Payload: payload})
}

func (f *fakeEmitter) JoinUserToConversation(userID, conversationID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[conversationID] = append(f.joined[conversationID], userID)
}

func (f *fakeEmitter) RemoveUserFromConversation(userID, conversationID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[conversationID] = append(f.removed[conversationID], userID)
}

func (f *fakeEmitter) DropConversation(conversationID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, conversationID)
}

// find 返回发给 target 的某类事件。
func (f *fakeEmitter) find(event string, target uint, room bool) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event && e.Target == target && e.Room == room {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEmitter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[uint]bool
}

func (p *fakePresence) IsOnline(userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) set(userID uint, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	calls int
}

func (s *fakeSender) Send(_ context.Context, token, _, body string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if token == "" {
		return push.ErrNoTokenRegistered
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, body)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(uint) bool { return false }

type env struct {
	store     *store.Store
	em        *fakeEmitter
	presence  *fakePresence
	sender    *fakeSender
	notes     *NotificationService
	users     *UserService
	contacts  *ContactService
	messages  *MessageService
	seen      *SeenService
	groups    *GroupService
	reactions *ReactionService
	convs     *ConversationService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	e := &env{
		store:    store.New(gdb, 5*time.Second),
		em:       newFakeEmitter(),
		presence: &fakePresence{online: map[uint]bool{}},
		sender:   &fakeSender{},
	}
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	e.notes = NewNotificationService(e.store, e.em, e.presence, e.sender)
	e.notes.syncPush = true
	e.users = NewUserService(e.store, cfg, e.em, e.presence)
	e.contacts = NewContactService(e.store, e.em, e.presence, e.notes)
	e.messages = NewMessageService(e.store, e.em, e.notes, nil)
	e.seen = NewSeenService(e.store, e.em)
	e.groups = NewGroupService(e.store, e.em, e.notes)
	e.reactions = NewReactionService(e.store, e.em, e.notes)
	e.convs = NewConversationService(e.store, e.presence)
	return e
}

func (e *env) user(t *testing.T, name string) models.User {
	t.Helper()
	u := models.User{Username: name, DisplayName: name, PasswordHash: "x", ShowOnline: true}
	require.NoError(t, e.store.CreateUser(context.Background(), &u))
	return u
}

func (e *env) befriend(t *testing.T, a, b models.User) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.CreateContactRequest(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.RespondContact(ctx, a.ID, b.ID, true))
}

func (e *env) notifications(t *testing.T, userID uint) []models.Notification {
	t.Helper()
	rows, err := e.store.ListNotifications(context.Background(), userID, 100, false)
	require.NoError(t, err)
	return rows
}

func text(s string) *string { return &s }
