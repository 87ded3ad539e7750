package store

import (
	"context"

	"parley/internal/apperr"
	"parley/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IsAcceptedContact 按存储方向检查 from -> to 是否为已接受的联系人。
func (s *Store) IsAcceptedContact(ctx context.Context, from, to uint) (bool, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var count int64
	err := db.Model(&models.Contact{}).
		Where("user_id = ? AND contact_id = ? AND status = ?", from, to, models.ContactAccepted).
		Count(&count).Error
	if err != nil {
		return false, apperr.Storage("is accepted contact", err)
	}
	return count > 0, nil
}

// CreateContactRequest 写入一条 from -> to 的待处理请求。
// 任一方向已存在关系时返回 ErrDuplicate。
func (s *Store) CreateContactRequest(ctx context.Context, from, to uint) (*models.Contact, error) {
	if from == to {
		return nil, apperr.ErrSelfContact
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	row := models.Contact{UserID: from, ContactID: to, Status: models.ContactPending, RequestedBy: from}
	err := db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", to).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return apperr.ErrUserNotFound
		}
		if err := tx.Model(&models.Contact{}).
			Where("(user_id = ? AND contact_id = ?) OR (user_id = ? AND contact_id = ?)", from, to, to, from).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.ErrDuplicate
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, apperr.Storage("create contact request", err)
	}
	return &row, nil
}

// RespondContact 处理 requester 发给 responder 的请求。接受时写入双向的
// accepted 记录，拒绝时删除请求。
func (s *Store) RespondContact(ctx context.Context, requester, responder uint, accept bool) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		var row models.Contact
		err := tx.Where("user_id = ? AND contact_id = ?", requester, responder).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if row.Status != models.ContactPending {
			return apperr.ErrAlreadyAnswered
		}
		if !accept {
			return tx.Delete(&row).Error
		}
		if err := tx.Model(&row).Update("status", models.ContactAccepted).Error; err != nil {
			return err
		}
		back := models.Contact{UserID: responder, ContactID: requester, Status: models.ContactAccepted, RequestedBy: requester}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "contact_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).Create(&back).Error
	})
	return apperr.Storage("respond contact", err)
}

// DeleteContact 删除两个方向的联系人关系。已有会话与消息保留。
func (s *Store) DeleteContact(ctx context.Context, a, b uint) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Where("(user_id = ? AND contact_id = ?) OR (user_id = ? AND contact_id = ?)", a, b, b, a).Delete(&models.Contact{})
	if res.Error != nil {
		return apperr.Storage("delete contact", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrContactNotFound
	}
	return nil
}

// AcceptedContactIDs 返回 userID 的已接受联系人。
func (s *Store) AcceptedContactIDs(ctx context.Context, userID uint) ([]uint, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var ids []uint
	err := db.Model(&models.Contact{}).
		Where("user_id = ? AND status = ?", userID, models.ContactAccepted).
		Order("contact_id").
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, apperr.Storage("accepted contacts", err)
	}
	return ids, nil
}

// PendingRequests 返回发给 userID 且尚未处理的请求。
func (s *Store) PendingRequests(ctx context.Context, userID uint) ([]models.Contact, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var rows []models.Contact
	err := db.Where("contact_id = ? AND status = ?", userID, models.ContactPending).Order("created_at desc").Find(&rows).Error
	if err != nil {
		return nil, apperr.Storage("pending requests", err)
	}
	return rows, nil
}
