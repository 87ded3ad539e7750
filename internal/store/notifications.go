package store

import (
	"context"

	"parley/internal/apperr"
	"parley/internal/models"
)

func (s *Store) CreateNotification(ctx context.Context, userID uint, content string) (*models.Notification, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	n := models.Notification{UserID: userID, Content: content}
	if err := db.Create(&n).Error; err != nil {
		return nil, apperr.Storage("create notification", err)
	}
	return &n, nil
}

// ListNotifications 返回最近的通知，unreadOnly 时只返回未读。
func (s *Store) ListNotifications(ctx context.Context, userID uint, limit int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	q := db.Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var rows []models.Notification
	if err := q.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperr.Storage("list notifications", err)
	}
	return rows, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("is_read", true)
	if res.Error != nil {
		return apperr.Storage("mark notification read", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotificationNotFound
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID uint) (int64, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, apperr.Storage("mark all notifications read", res.Error)
	}
	return res.RowsAffected, nil
}
