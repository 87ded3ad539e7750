package service

import (
	"context"
	"fmt"
	"strings"

	"parley/internal/models"
	"parley/internal/store"

	"github.com/rs/zerolog/log"
)

type ReactionService struct {
	store         *store.Store
	emitter       Emitter
	notifications *NotificationService
}

func NewReactionService(st *store.Store, em Emitter, ns *NotificationService) *ReactionService {
	return &ReactionService{store: st, emitter: em, notifications: ns}
}

type ReactCommand struct {
	MessageID uint   `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// React 保存回应并广播给会话成员，同时通知消息发送者。
func (s *ReactionService) React(ctx context.Context, userID uint, cmd ReactCommand) (*ReactionPayload, error) {
	cmd.Emoji = strings.TrimSpace(cmd.Emoji)
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	msg, conv, err := s.load(ctx, userID, cmd.MessageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpsertReaction(ctx, msg.ID, userID, cmd.Emoji); err != nil {
		return nil, err
	}
	payload := ReactionPayload{MessageID: msg.ID, ConversationID: conv.ID, UserID: userID, Emoji: cmd.Emoji}
	s.broadcast(ctx, conv, payload)

	if msg.SenderID != userID {
		u, err := s.store.UserByID(ctx, userID)
		if err == nil {
			_, err = s.notifications.Notify(ctx, msg.SenderID, fmt.Sprintf("%s reacted %s to your message", u.Name(), cmd.Emoji), conversationData(conv.ID))
		}
		if err != nil {
			log.Warn().Err(err).Uint("user_id", msg.SenderID).Uint("message_id", msg.ID).Msg("notify reaction")
		}
	}
	return &payload, nil
}

// Unreact 撤销回应，广播的 emoji 为空串。
func (s *ReactionService) Unreact(ctx context.Context, userID, messageID uint) error {
	msg, conv, err := s.load(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveReaction(ctx, msg.ID, userID); err != nil {
		return err
	}
	s.broadcast(ctx, conv, ReactionPayload{MessageID: msg.ID, ConversationID: conv.ID, UserID: userID})
	return nil
}

func (s *ReactionService) List(ctx context.Context, userID, messageID uint) ([]ReactionPayload, error) {
	msg, _, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Reactions(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ReactionPayload, 0, len(rows))
	for _, r := range rows {
		out = append(out, ReactionPayload{MessageID: r.MessageID, ConversationID: msg.ConversationID, UserID: r.UserID, Emoji: r.Emoji})
	}
	return out, nil
}

func (s *ReactionService) load(ctx context.Context, userID, messageID uint) (*models.Message, *models.Conversation, error) {
	msg, err := s.store.Message(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.store.Participant(ctx, msg.ConversationID, userID); err != nil {
		return nil, nil, err
	}
	conv, err := s.store.Conversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// broadcast 群聊发到会话房间，私聊发到双方的个人房间。
func (s *ReactionService) broadcast(ctx context.Context, conv *models.Conversation, payload ReactionPayload) {
	if conv.IsGroup() {
		s.emitter.EmitToConversation(conv.ID, EventMessageReaction, payload, "")
		return
	}
	parts, err := s.store.Participants(ctx, conv.ID)
	if err != nil {
		log.Warn().Err(err).Uint("conversation_id", conv.ID).Msg("load participants for reaction")
		return
	}
	for _, p := range parts {
		s.emitter.EmitToUser(p.UserID, EventMessageReaction, payload)
	}
}
