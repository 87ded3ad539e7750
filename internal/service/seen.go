package service

import (
	"context"

	"parley/internal/store"
)

// SeenService 记录已读状态并把变化通知给相关用户。
type SeenService struct {
	store   *store.Store
	emitter Emitter
}

func NewSeenService(st *store.Store, em Emitter) *SeenService {
	return &SeenService{store: st, emitter: em}
}

// MarkSeen 把会话中别人发来的消息全部标记为 userID 已读，
// 提交后向每个受影响的发送者推送 messages-seen。返回受影响的发送者。
func (s *SeenService) MarkSeen(ctx context.Context, conversationID, userID uint) ([]uint, error) {
	if _, err := s.store.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.store.Participant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	senders, err := s.store.MarkSeen(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	payload := SeenPayload{ConversationID: conversationID, SeenBy: userID}
	for _, id := range senders {
		s.emitter.EmitToUser(id, EventMessagesSeen, payload)
	}
	if senders == nil {
		senders = []uint{}
	}
	return senders, nil
}

// MarkOneSeen 标记单条消息已读，并向会话房间广播更新后的消息。
// 已读集合没有变化时不广播。
func (s *SeenService) MarkOneSeen(ctx context.Context, conversationID, messageID, userID uint) (*MessagePayload, error) {
	if _, err := s.store.Participant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, changed, err := s.store.MarkOneSeen(ctx, conversationID, messageID, userID)
	if err != nil {
		return nil, err
	}
	seen, err := s.store.SeenBy(ctx, []uint{msg.ID})
	if err != nil {
		return nil, err
	}
	sender, err := s.store.UserByID(ctx, msg.SenderID)
	if err != nil {
		return nil, err
	}
	payload := newMessagePayload(*msg, sender.Name(), seen[msg.ID])
	if changed {
		s.emitter.EmitToConversation(conversationID, EventMessageSeen, payload, "")
	}
	return &payload, nil
}
