package service

import (
	"time"

	"parley/internal/models"
)

// 推送给客户端的事件名。
const (
	EventMessageReceived  = "message-received"
	EventNewMessage       = "new-message"
	EventNotification     = "notification"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventMessagesSeen     = "messages-seen"
	EventMessageSeen      = "message-seen"
	EventMessageReaction  = "message-reaction"
	EventPresence         = "presence"
	EventAddedToGroup     = "added-to-group"
	EventRemovedFromGroup = "removed-from-group"
	EventGroupUpdated     = "group-updated"
	EventGroupDeleted     = "group-deleted"
	EventContactRequest   = "contact-request"
	EventContactAccepted  = "contact-accepted"
)

// Emitter 把事件投递到在线连接，由 ws.Dispatcher 实现。
// 投递是尽力而为的，失败只记录日志，不返回给调用方。
type Emitter interface {
	EmitToUser(userID uint, event string, payload any)
	EmitToConversation(conversationID uint, event string, payload any, excludeConnID string)
	JoinUserToConversation(userID, conversationID uint)
	RemoveUserFromConversation(userID, conversationID uint)
	DropConversation(conversationID uint)
}

// Presence 判断用户当前是否有在线连接。
type Presence interface {
	IsOnline(userID uint) bool
}

// Limiter 控制单个用户的发送速率。
type Limiter interface {
	Allow(userID uint) bool
}

type MessagePayload struct {
	ID             uint      `json:"id"`
	ConversationID uint      `json:"conversationId"`
	SenderID       uint      `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        *string   `json:"content"`
	MediaRef       *string   `json:"mediaRef"`
	ReplyTo        *uint     `json:"replyTo"`
	CreatedAt      time.Time `json:"createdAt"`
	SeenBy         []uint    `json:"seenBy"`
	Status         string    `json:"status,omitempty"`
}

// 消息状态由 seenBy 与成员数推导，不单独存储。
const (
	StatusCreated       = "created"
	StatusPartiallySeen = "partially-seen"
	StatusFullySeen     = "fully-seen"
)

// DeriveStatus 根据已读人数与会话成员数给出消息状态。
func DeriveStatus(seenCount, participantCount int) string {
	others := participantCount - 1
	switch {
	case seenCount == 0:
		return StatusCreated
	case others > 0 && seenCount >= others:
		return StatusFullySeen
	default:
		return StatusPartiallySeen
	}
}

func newMessagePayload(m models.Message, senderName string, seenBy []uint) MessagePayload {
	if seenBy == nil {
		seenBy = []uint{}
	}
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Content:        m.Content,
		MediaRef:       m.MediaRef,
		ReplyTo:        m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		SeenBy:         seenBy,
	}
}

type NotificationPayload struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"userId"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

func newNotificationPayload(n models.Notification) NotificationPayload {
	return NotificationPayload{ID: n.ID, UserID: n.UserID, Content: n.Content, IsRead: n.IsRead, CreatedAt: n.CreatedAt}
}

type TypingPayload struct {
	ConversationID uint `json:"conversationId"`
	UserID         uint `json:"userId"`
}

type SeenPayload struct {
	ConversationID uint `json:"conversationId"`
	SeenBy         uint `json:"seenBy"`
}

type ReactionPayload struct {
	MessageID      uint   `json:"messageId"`
	ConversationID uint   `json:"conversationId"`
	UserID         uint   `json:"userId"`
	Emoji          string `json:"emoji"`
}

type PresencePayload struct {
	UserID uint `json:"userId"`
	Online bool `json:"online"`
}

type GroupPayload struct {
	ConversationID uint   `json:"conversationId"`
	Name           string `json:"name"`
	UserID         uint   `json:"userId,omitempty"`
}

type ContactPayload struct {
	UserID      uint   `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}
