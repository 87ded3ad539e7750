package store

import (
	"context"
	"strings"
	"time"

	"parley/internal/apperr"
	"parley/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewMessage 是追加消息所需的参数，Content 与 MediaRef 至少一个非空。
type NewMessage struct {
	ConversationID uint
	SenderID       uint
	Content        *string
	MediaRef       *string
	ReplyToID      *uint
}

func normalize(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

// AppendMessage 持久化一条消息并更新会话的最近活动时间。
// 发送者不是会话成员时返回 ErrNotParticipant。
func (s *Store) AppendMessage(ctx context.Context, in NewMessage) (*models.Message, error) {
	in.Content = normalize(in.Content)
	in.MediaRef = normalize(in.MediaRef)
	if in.Content == nil && in.MediaRef == nil {
		return nil, apperr.ErrEmptyMessage
	}

	db, cancel := s.begin(ctx)
	defer cancel()
	msg := models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MediaRef:       in.MediaRef,
		ReplyToID:      in.ReplyToID,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, in.ConversationID).Error; err != nil {
			return notFound("append message", err, apperr.ErrConversationNotFound)
		}
		var count int64
		if err := tx.Model(&models.Participant{}).
			Where("conversation_id = ? AND user_id = ?", in.ConversationID, in.SenderID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return apperr.ErrNotParticipant
		}
		if in.ReplyToID != nil {
			var n int64
			if err := tx.Model(&models.Message{}).
				Where("id = ? AND conversation_id = ?", *in.ReplyToID, in.ConversationID).
				Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return apperr.Validation(map[string]string{"replyTo": "message not found in this conversation"})
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", in.ConversationID).Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, apperr.Storage("append message", err)
	}
	return &msg, nil
}

func (s *Store) Message(ctx context.Context, id uint) (*models.Message, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var msg models.Message
	if err := db.First(&msg, id).Error; err != nil {
		return nil, notFound("message", err, apperr.ErrMessageNotFound)
	}
	return &msg, nil
}

// ListMessages 按创建顺序倒序分页，page 从 1 开始。
func (s *Store) ListMessages(ctx context.Context, conversationID uint, page, pageSize int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	var msgs []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("id desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	return msgs, nil
}

// ListLatest 返回最近 n 条消息，按时间升序（最旧的在前）。
func (s *Store) ListLatest(ctx context.Context, conversationID uint, n int) ([]models.Message, error) {
	msgs, err := s.ListMessages(ctx, conversationID, 1, n)
	if err != nil {
		return nil, err
	}
	Reverse(msgs)
	return msgs, nil
}

// LastMessages 返回每个会话的最后一条消息。
func (s *Store) LastMessages(ctx context.Context, conversationIDs []uint) (map[uint]models.Message, error) {
	out := make(map[uint]models.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	var msgs []models.Message
	latest := db.Model(&models.Message{}).Select("MAX(id)").Where("conversation_id IN ?", conversationIDs).Group("conversation_id")
	if err := db.Where("id IN (?)", latest).Find(&msgs).Error; err != nil {
		return nil, apperr.Storage("last messages", err)
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

// Reverse 原地反转消息切片，用于把倒序分页转为升序展示。
func Reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// SeenBy 批量返回消息的已读用户集合，按已读时间排序。
func (s *Store) SeenBy(ctx context.Context, messageIDs []uint) (map[uint][]uint, error) {
	out := make(map[uint][]uint, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	var rows []models.MessageSeen
	if err := db.Where("message_id IN ?", messageIDs).Order("seen_at, user_id").Find(&rows).Error; err != nil {
		return nil, apperr.Storage("seen by", err)
	}
	for _, r := range rows {
		out[r.MessageID] = append(out[r.MessageID], r.UserID)
	}
	return out, nil
}

// MarkSeen 把会话中所有非 userID 发送且未被其读过的消息标记为已读，
// 返回受影响消息的发送者（去重，按首次出现排序）。重复调用返回空集合。
func (s *Store) MarkSeen(ctx context.Context, conversationID, userID uint) ([]uint, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var senders []uint
	err := db.Transaction(func(tx *gorm.DB) error {
		var pending []struct {
			ID       uint
			SenderID uint
		}
		err := tx.Model(&models.Message{}).
			Select("id", "sender_id").
			Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
			Where("NOT EXISTS (SELECT 1 FROM message_seen ms WHERE ms.message_id = messages.id AND ms.user_id = ?)", userID).
			Order("id").
			Scan(&pending).Error
		if err != nil || len(pending) == 0 {
			return err
		}
		now := time.Now()
		rows := make([]models.MessageSeen, 0, len(pending))
		seen := make(map[uint]struct{})
		for _, p := range pending {
			rows = append(rows, models.MessageSeen{MessageID: p.ID, UserID: userID, SeenAt: now})
			if _, ok := seen[p.SenderID]; !ok {
				seen[p.SenderID] = struct{}{}
				senders = append(senders, p.SenderID)
			}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return nil, apperr.Storage("mark seen", err)
	}
	return senders, nil
}

// MarkOneSeen 把单条消息标记为 userID 已读。发送者本人调用时不做修改。
// changed 表示本次调用是否新增了已读记录。
func (s *Store) MarkOneSeen(ctx context.Context, conversationID, messageID, userID uint) (msg *models.Message, changed bool, err error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var m models.Message
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&m).Error; err != nil {
			return notFound("mark one seen", err, apperr.ErrMessageNotFound)
		}
		if m.SenderID == userID {
			return nil
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.MessageSeen{MessageID: messageID, UserID: userID, SeenAt: time.Now()})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, false, apperr.Storage("mark one seen", err)
	}
	return &m, changed, nil
}
