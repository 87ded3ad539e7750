package service

import (
	"context"
	"fmt"
	"strings"

	"parley/internal/apperr"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DirectMessageCommand 是发送私聊消息的参数，SenderID 由认证层填写。
type DirectMessageCommand struct {
	SenderID    uint    `json:"-"`
	RecipientID uint    `json:"recipientId" validate:"required"`
	Content     *string `json:"content" validate:"omitempty,max=4000"`
	MediaRef    *string `json:"mediaRef" validate:"omitempty,max=1024"`
}

// GroupMessageCommand 是发送群消息的参数。
type GroupMessageCommand struct {
	SenderID uint    `json:"-"`
	GroupID  uint    `json:"groupId" validate:"required"`
	Content  *string `json:"content" validate:"omitempty,max=4000"`
	MediaRef *string `json:"mediaRef" validate:"omitempty,max=1024"`
	ReplyTo  *uint   `json:"replyTo"`
}

type SendResult struct {
	ConversationID uint           `json:"conversationId"`
	Message        MessagePayload `json:"message"`
}

// MessageService 负责消息的校验、持久化、通知与实时分发。
type MessageService struct {
	store         *store.Store
	emitter       Emitter
	notifications *NotificationService
	limiter       Limiter
}

func NewMessageService(st *store.Store, em Emitter, ns *NotificationService, lim Limiter) *MessageService {
	return &MessageService{store: st, emitter: em, notifications: ns, limiter: lim}
}

func (s *MessageService) allow(userID uint) error {
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return apperr.ErrRateLimited
	}
	return nil
}

// SendDirect 发送私聊消息。会话不存在时创建，双方的隐藏状态都会被清除。
func (s *MessageService) SendDirect(ctx context.Context, cmd DirectMessageCommand) (*SendResult, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	if !hasBody(cmd.Content, cmd.MediaRef) {
		return nil, apperr.ErrEmptyMessage
	}
	if err := s.allow(cmd.SenderID); err != nil {
		return nil, err
	}
	recipient, err := s.store.UserByID(ctx, cmd.RecipientID)
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return nil, apperr.ErrRecipientNotFound
		}
		return nil, err
	}
	ok, err := s.store.IsAcceptedContact(ctx, cmd.SenderID, recipient.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrNotAContact
	}
	sender, err := s.store.UserByID(ctx, cmd.SenderID)
	if err != nil {
		return nil, err
	}

	conv, created, err := s.store.FindOrCreateDirectConversation(ctx, sender.ID, recipient.ID)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := s.store.ResetSoftDelete(ctx, conv.ID, []uint{sender.ID, recipient.ID}); err != nil {
			return nil, err
		}
	}
	msg, err := s.store.AppendMessage(ctx, store.NewMessage{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        cmd.Content,
		MediaRef:       cmd.MediaRef,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(models.KindDirect).Inc()

	payload := newMessagePayload(*msg, sender.Name(), nil)
	s.emitter.EmitToUser(sender.ID, EventMessageReceived, payload)
	s.emitter.EmitToUser(recipient.ID, EventMessageReceived, payload)

	if _, err := s.notifications.Notify(ctx, recipient.ID, directNotice(sender.Name(), msg), conversationData(conv.ID)); err != nil {
		// 消息已提交，通知失败不回滚
		log.Warn().Err(err).Uint("user_id", recipient.ID).Uint("message_id", msg.ID).Msg("notify recipient")
	}
	return &SendResult{ConversationID: conv.ID, Message: payload}, nil
}

// SendGroup 发送群消息，广播到会话房间并通知其他成员。
func (s *MessageService) SendGroup(ctx context.Context, cmd GroupMessageCommand) (*SendResult, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	if !hasBody(cmd.Content, cmd.MediaRef) {
		return nil, apperr.ErrEmptyMessage
	}
	if err := s.allow(cmd.SenderID); err != nil {
		return nil, err
	}
	group, err := s.store.Group(ctx, cmd.GroupID)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.Participants(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	if !hasParticipant(parts, cmd.SenderID) {
		return nil, apperr.ErrNotParticipant
	}
	sender, err := s.store.UserByID(ctx, cmd.SenderID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(ctx, store.NewMessage{
		ConversationID: group.ID,
		SenderID:       sender.ID,
		Content:        cmd.Content,
		MediaRef:       cmd.MediaRef,
		ReplyToID:      cmd.ReplyTo,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(models.KindGroup).Inc()

	ids := participantIDs(parts)
	if err := s.store.ResetSoftDelete(ctx, group.ID, ids); err != nil {
		log.Warn().Err(err).Uint("conversation_id", group.ID).Msg("reset soft delete")
	}
	payload := newMessagePayload(*msg, sender.Name(), nil)
	s.emitter.EmitToConversation(group.ID, EventNewMessage, payload, "")

	notice := groupNotice(sender.Name(), groupName(group), msg)
	for _, id := range ids {
		if id == sender.ID {
			continue
		}
		if _, err := s.notifications.Notify(ctx, id, notice, conversationData(group.ID)); err != nil {
			log.Warn().Err(err).Uint("user_id", id).Uint("message_id", msg.ID).Msg("notify participant")
		}
	}
	return &SendResult{ConversationID: group.ID, Message: payload}, nil
}

// History 按页返回会话消息，页内按时间升序，并清除调用方的隐藏状态。
func (s *MessageService) History(ctx context.Context, userID, conversationID uint, page, pageSize int) ([]MessagePayload, error) {
	parts, err := s.member(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResetSoftDelete(ctx, conversationID, []uint{userID}); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, page, pageSize)
	if err != nil {
		return nil, err
	}
	store.Reverse(msgs)
	return s.payloads(ctx, msgs, len(parts))
}

// Latest 返回最近 n 条消息，升序。
func (s *MessageService) Latest(ctx context.Context, userID, conversationID uint, n int) ([]MessagePayload, error) {
	parts, err := s.member(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListLatest(ctx, conversationID, n)
	if err != nil {
		return nil, err
	}
	return s.payloads(ctx, msgs, len(parts))
}

func (s *MessageService) member(ctx context.Context, userID, conversationID uint) ([]models.Participant, error) {
	if _, err := s.store.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	parts, err := s.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !hasParticipant(parts, userID) {
		return nil, apperr.ErrNotParticipant
	}
	return parts, nil
}

func (s *MessageService) payloads(ctx context.Context, msgs []models.Message, participantCount int) ([]MessagePayload, error) {
	ids := make([]uint, 0, len(msgs))
	senders := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		senders = append(senders, m.SenderID)
	}
	seen, err := s.store.SeenBy(ctx, ids)
	if err != nil {
		return nil, err
	}
	users, err := s.store.UsersByIDs(ctx, senders)
	if err != nil {
		return nil, err
	}
	out := make([]MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		p := newMessagePayload(m, users[m.SenderID].Name(), seen[m.ID])
		p.Status = DeriveStatus(len(p.SeenBy), participantCount)
		out = append(out, p)
	}
	return out, nil
}

func hasParticipant(parts []models.Participant, userID uint) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func participantIDs(parts []models.Participant) []uint {
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	return ids
}

func groupName(c *models.Conversation) string {
	if c.Name != nil {
		return *c.Name
	}
	return ""
}

func hasBody(content, media *string) bool {
	return (content != nil && strings.TrimSpace(*content) != "") || (media != nil && strings.TrimSpace(*media) != "")
}

func isPhoto(m *models.Message) bool {
	return m.Content == nil && m.MediaRef != nil
}

func directNotice(sender string, m *models.Message) string {
	if isPhoto(m) {
		return fmt.Sprintf("%s sent you a photo", sender)
	}
	return fmt.Sprintf("%s sent you a message", sender)
}

func groupNotice(sender, group string, m *models.Message) string {
	what := "a message"
	if isPhoto(m) {
		what = "a photo"
	}
	return fmt.Sprintf("%s sent %s in %s", sender, what, group)
}
