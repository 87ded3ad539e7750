package service

import (
	"context"
	"time"

	"parley/internal/apperr"
	"parley/internal/models"
	"parley/internal/store"
)

// ConversationService 提供会话列表、打开与隐藏。
type ConversationService struct {
	store    *store.Store
	presence Presence
}

func NewConversationService(st *store.Store, pr Presence) *ConversationService {
	return &ConversationService{store: st, presence: pr}
}

type PeerView struct {
	UserID      uint   `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

type ConversationView struct {
	ID            uint            `json:"id"`
	Kind          string          `json:"kind"`
	Name          *string         `json:"name"`
	Participants  []PeerView      `json:"participants"`
	LastMessage   *MessagePayload `json:"lastMessage"`
	LastMessageAt *time.Time      `json:"lastMessageAt"`
}

// List 返回用户未隐藏的会话，附带最后一条消息，按最近活动倒序。
func (s *ConversationService) List(ctx context.Context, userID uint) ([]ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	convIDs := make([]uint, 0, len(convs))
	var userIDs []uint
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		userIDs = append(userIDs, participantIDs(c.Participants)...)
	}
	last, err := s.store.LastMessages(ctx, convIDs)
	if err != nil {
		return nil, err
	}
	users, err := s.store.UsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v := ConversationView{ID: c.ID, Kind: c.Kind, Name: c.Name, LastMessageAt: c.LastMessageAt}
		for _, p := range c.Participants {
			u := users[p.UserID]
			v.Participants = append(v.Participants, PeerView{
				UserID:      p.UserID,
				Username:    u.Username,
				DisplayName: u.Name(),
				Online:      u.ShowOnline && (u.IsOnline || s.presence.IsOnline(p.UserID)),
			})
		}
		if m, ok := last[c.ID]; ok {
			p := newMessagePayload(m, users[m.SenderID].Name(), nil)
			v.LastMessage = &p
		}
		out = append(out, v)
	}
	return out, nil
}

// Open 校验成员身份并清除调用方的隐藏状态，供加入会话房间前使用。
func (s *ConversationService) Open(ctx context.Context, userID, conversationID uint) (*models.Conversation, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Participant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := s.store.ResetSoftDelete(ctx, conversationID, []uint{userID}); err != nil {
		return nil, err
	}
	return conv, nil
}

// Delete 只在调用方的视图中隐藏会话，新消息会让它重新出现。
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID uint) error {
	if _, err := s.store.Conversation(ctx, conversationID); err != nil {
		return err
	}
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotParticipant
	}
	return s.store.SoftDelete(ctx, conversationID, userID)
}
