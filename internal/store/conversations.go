package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"parley/internal/apperr"
	"parley/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PairKey 归一化两个用户 ID，作为私聊会话的唯一键。
func PairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// FindOrCreateDirectConversation 查找或创建 a 与 b 的私聊会话。
// 唯一键 pair_key 保证并发的 (a,b) 与 (b,a) 调用收敛到同一会话。
func (s *Store) FindOrCreateDirectConversation(ctx context.Context, a, b uint) (*models.Conversation, bool, error) {
	if a == 0 || b == 0 || a == b {
		return nil, false, apperr.Validation(map[string]string{"recipientId": "must be another user"})
	}
	db, cancel := s.begin(ctx)
	defer cancel()

	key := PairKey(a, b)
	var conv models.Conversation
	created := false
	err := db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pair_key = ?", key).First(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		conv = models.Conversation{Kind: models.KindDirect, PairKey: &key, CreatedBy: a}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 另一个事务先提交了同一 pair_key
			conv = models.Conversation{}
			return tx.Where("pair_key = ?", key).First(&conv).Error
		}
		created = true
		parts := []models.Participant{
			{ConversationID: conv.ID, UserID: a},
			{ConversationID: conv.ID, UserID: b},
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return nil, false, apperr.Storage("find or create direct conversation", err)
	}
	return &conv, created, nil
}

// CreateGroup 创建群聊，创建者为管理员，members 中的重复项与创建者本身会被忽略。
func (s *Store) CreateGroup(ctx context.Context, creatorID uint, name string, members []uint) (*models.Conversation, error) {
	db, cancel := s.begin(ctx)
	defer cancel()

	conv := models.Conversation{Kind: models.KindGroup, Name: &name, CreatedBy: creatorID}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := []models.Participant{{ConversationID: conv.ID, UserID: creatorID, IsAdmin: true}}
		seen := map[uint]struct{}{creatorID: {}}
		for _, id := range members {
			if _, ok := seen[id]; ok || id == 0 {
				continue
			}
			seen[id] = struct{}{}
			parts = append(parts, models.Participant{ConversationID: conv.ID, UserID: id})
		}
		if err := tx.Create(&parts).Error; err != nil {
			return err
		}
		conv.Participants = parts
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("create group", err)
	}
	return &conv, nil
}

func (s *Store) Conversation(ctx context.Context, id uint) (*models.Conversation, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var conv models.Conversation
	if err := db.First(&conv, id).Error; err != nil {
		return nil, notFound("conversation", err, apperr.ErrConversationNotFound)
	}
	return &conv, nil
}

// Group 加载群聊，会话不存在或不是群聊时返回 ErrGroupNotFound。
func (s *Store) Group(ctx context.Context, id uint) (*models.Conversation, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var conv models.Conversation
	if err := db.Where("id = ? AND kind = ?", id, models.KindGroup).First(&conv).Error; err != nil {
		return nil, notFound("group", err, apperr.ErrGroupNotFound)
	}
	return &conv, nil
}

// Participant 返回成员记录，不是成员时返回 ErrNotParticipant。
func (s *Store) Participant(ctx context.Context, conversationID, userID uint) (*models.Participant, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var p models.Participant
	err := db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&p).Error
	if err != nil {
		return nil, notFound("participant", err, apperr.ErrNotParticipant)
	}
	return &p, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	_, err := s.Participant(ctx, conversationID, userID)
	if errors.Is(err, apperr.ErrNotParticipant) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Participants(ctx context.Context, conversationID uint) ([]models.Participant, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var parts []models.Participant
	if err := db.Where("conversation_id = ?", conversationID).Order("created_at, user_id").Find(&parts).Error; err != nil {
		return nil, apperr.Storage("participants", err)
	}
	return parts, nil
}

// ResetSoftDelete 清除指定成员的软删除标记，使会话重新出现在其列表中。
func (s *Store) ResetSoftDelete(ctx context.Context, conversationID uint, userIDs []uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id IN ? AND deleted_at IS NOT NULL", conversationID, userIDs).
		Update("deleted_at", nil).Error
	return apperr.Storage("reset soft delete", err)
}

// SoftDelete 只在 userID 自己的视图中隐藏会话，不影响其他成员与数据。
func (s *Store) SoftDelete(ctx context.Context, conversationID, userID uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("deleted_at", time.Now())
	if res.Error != nil {
		return apperr.Storage("soft delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotParticipant
	}
	return nil
}

// AddParticipants 加入新成员，返回实际新增的用户 ID。
func (s *Store) AddParticipants(ctx context.Context, conversationID uint, userIDs []uint) ([]uint, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var added []uint
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing []uint
		if err := tx.Model(&models.Participant{}).Where("conversation_id = ?", conversationID).Pluck("user_id", &existing).Error; err != nil {
			return err
		}
		have := make(map[uint]struct{}, len(existing))
		for _, id := range existing {
			have[id] = struct{}{}
		}
		var parts []models.Participant
		for _, id := range userIDs {
			if _, ok := have[id]; ok || id == 0 {
				continue
			}
			have[id] = struct{}{}
			parts = append(parts, models.Participant{ConversationID: conversationID, UserID: id})
			added = append(added, id)
		}
		if len(parts) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&parts).Error
	})
	if err != nil {
		return nil, apperr.Storage("add participants", err)
	}
	return added, nil
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Delete(&models.Participant{})
	if res.Error != nil {
		return apperr.Storage("remove participant", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotParticipant
	}
	return nil
}

func (s *Store) SetAdmin(ctx context.Context, conversationID, userID uint, admin bool) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("is_admin", admin)
	if res.Error != nil {
		return apperr.Storage("set admin", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotParticipant
	}
	return nil
}

func (s *Store) RenameGroup(ctx context.Context, conversationID uint, name string) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Model(&models.Conversation{}).Where("id = ? AND kind = ?", conversationID, models.KindGroup).Update("name", name).Error
	return apperr.Storage("rename group", err)
}

// DeleteConversation 级联删除会话下的成员、消息、已读与回应记录。
func (s *Store) DeleteConversation(ctx context.Context, conversationID uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		msgIDs := tx.Model(&models.Message{}).Select("id").Where("conversation_id = ?", conversationID)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.MessageSeen{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Participant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, conversationID).Error
	})
	return apperr.Storage("delete conversation", err)
}

// ListConversations 返回用户未隐藏的会话，按最近活动倒序，预加载成员。
func (s *Store) ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var convs []models.Conversation
	err := db.Preload("Participants").
		Where("id IN (?)", db.Model(&models.Participant{}).Select("conversation_id").Where("user_id = ? AND deleted_at IS NULL", userID)).
		Find(&convs).Error
	if err != nil {
		return nil, apperr.Storage("list conversations", err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return activity(convs[i]).After(activity(convs[j]))
	})
	return convs, nil
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
