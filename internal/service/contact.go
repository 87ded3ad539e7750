package service

import (
	"context"
	"fmt"
	"strings"

	"parley/internal/models"
	"parley/internal/store"

	"github.com/rs/zerolog/log"
)

// ContactService 处理联系人请求与联系人列表。
type ContactService struct {
	store         *store.Store
	emitter       Emitter
	presence      Presence
	notifications *NotificationService
}

func NewContactService(st *store.Store, em Emitter, pr Presence, ns *NotificationService) *ContactService {
	return &ContactService{store: st, emitter: em, presence: pr, notifications: ns}
}

// ContactRequestCommand 通过用户 ID 或用户名指定对方。
type ContactRequestCommand struct {
	UserID   uint   `json:"userId" validate:"required_without=Username"`
	Username string `json:"username" validate:"max=64"`
}

type ContactEntry struct {
	UserID      uint   `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

func newContactPayload(u models.User) ContactPayload {
	return ContactPayload{UserID: u.ID, Username: u.Username, DisplayName: u.Name()}
}

// Request 向对方发送联系人请求，并通知对方。
func (s *ContactService) Request(ctx context.Context, from uint, cmd ContactRequestCommand) (*ContactPayload, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	targetID := cmd.UserID
	if targetID == 0 {
		u, err := s.store.UserByUsername(ctx, strings.TrimSpace(cmd.Username))
		if err != nil {
			return nil, err
		}
		targetID = u.ID
	}
	if _, err := s.store.CreateContactRequest(ctx, from, targetID); err != nil {
		return nil, err
	}
	users, err := s.store.UsersByIDs(ctx, []uint{from, targetID})
	if err != nil {
		return nil, err
	}
	requester := users[from]
	s.emitter.EmitToUser(targetID, EventContactRequest, newContactPayload(requester))
	if _, err := s.notifications.Notify(ctx, targetID, fmt.Sprintf("%s sent you a contact request", requester.Name()), nil); err != nil {
		log.Warn().Err(err).Uint("user_id", targetID).Msg("notify contact request")
	}
	out := newContactPayload(users[targetID])
	return &out, nil
}

// Respond 处理 requester 发来的请求。接受后双方互为联系人，并通知请求方。
func (s *ContactService) Respond(ctx context.Context, responder, requester uint, accept bool) error {
	if err := s.store.RespondContact(ctx, requester, responder, accept); err != nil {
		return err
	}
	if !accept {
		return nil
	}
	users, err := s.store.UsersByIDs(ctx, []uint{requester, responder})
	if err != nil {
		log.Warn().Err(err).Uint("user_id", requester).Msg("load contact users")
		return nil
	}
	s.emitter.EmitToUser(requester, EventContactAccepted, newContactPayload(users[responder]))
	s.emitter.EmitToUser(responder, EventContactAccepted, newContactPayload(users[requester]))
	if _, err := s.notifications.Notify(ctx, requester, fmt.Sprintf("%s accepted your contact request", users[responder].Name()), nil); err != nil {
		log.Warn().Err(err).Uint("user_id", requester).Msg("notify contact accepted")
	}
	return nil
}

// Remove 解除双方的联系人关系，已有会话与消息保留。
func (s *ContactService) Remove(ctx context.Context, userID, contactID uint) error {
	return s.store.DeleteContact(ctx, userID, contactID)
}

// List 返回已接受的联系人。对方隐藏在线状态时 online 恒为 false。
func (s *ContactService) List(ctx context.Context, userID uint) ([]ContactEntry, error) {
	ids, err := s.store.AcceptedContactIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ContactEntry, 0, len(ids))
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			continue
		}
		out = append(out, ContactEntry{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.Name(),
			Online:      u.ShowOnline && (u.IsOnline || s.presence.IsOnline(u.ID)),
		})
	}
	return out, nil
}

// Pending 返回发给 userID 的待处理请求。
func (s *ContactService) Pending(ctx context.Context, userID uint) ([]ContactPayload, error) {
	rows, err := s.store.PendingRequests(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	users, err := s.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ContactPayload, 0, len(rows))
	for _, r := range rows {
		if u, ok := users[r.UserID]; ok {
			out = append(out, newContactPayload(u))
		}
	}
	return out, nil
}
