package store

import (
	"context"

	"parley/internal/apperr"
	"parley/internal/models"

	"gorm.io/gorm/clause"
)

// UpsertReaction 保存用户对消息的回应，同一用户对同一消息只保留最后一次。
func (s *Store) UpsertReaction(ctx context.Context, messageID, userID uint, emoji string) (*models.Reaction, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	r := models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"emoji", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		return nil, apperr.Storage("upsert reaction", err)
	}
	return &r, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Where("message_id = ? AND user_id = ?", messageID, userID).Delete(&models.Reaction{}).Error
	return apperr.Storage("remove reaction", err)
}

func (s *Store) Reactions(ctx context.Context, messageID uint) ([]models.Reaction, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var rows []models.Reaction
	if err := db.Where("message_id = ?", messageID).Order("created_at, user_id").Find(&rows).Error; err != nil {
		return nil, apperr.Storage("reactions", err)
	}
	return rows, nil
}
