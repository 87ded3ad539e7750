// Package store 是基于 gorm 的持久化层，负责用户、联系人、会话、消息、
// 已读状态、表情回应与通知。
//
// 每个操作都带有调用方 context 与统一的超时，超时归类为 StorageTimeout，
// 其余驱动错误归类为 StorageError。业务校验失败返回 apperr 中的业务错误。
package store

import (
	"context"
	"time"

	"parley/internal/apperr"
	"parley/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

func New(db *gorm.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// DB 暴露底层连接。账号逻辑应使用 Tx 以获得超时控制。
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) begin(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.timeout <= 0 {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// Tx 在带超时的事务中执行 fn，错误按 apperr.Storage 归类。
func (s *Store) Tx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	return apperr.Storage(op, db.Transaction(fn))
}

// notFound 将 gorm.ErrRecordNotFound 转为指定业务错误，其余交给 apperr.Storage。
func notFound(op string, err error, nf *apperr.Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nf
	}
	return apperr.Storage(op, err)
}

// CreateUser 创建用户，用户名重复返回 ErrUsernameTaken。
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("username = ?", u.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.ErrUsernameTaken
		}
		return tx.Create(u).Error
	})
	return apperr.Storage("create user", err)
}

func (s *Store) UserByID(ctx context.Context, id uint) (*models.User, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var u models.User
	if err := db.First(&u, id).Error; err != nil {
		return nil, notFound("user by id", err, apperr.ErrUserNotFound)
	}
	return &u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	db, cancel := s.begin(ctx)
	defer cancel()
	var u models.User
	if err := db.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound("user by username", err, apperr.ErrUserNotFound)
	}
	return &u, nil
}

// UsersByIDs 批量加载用户，按 ID 建索引。
func (s *Store) UsersByIDs(ctx context.Context, ids []uint) (map[uint]models.User, error) {
	out := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	db, cancel := s.begin(ctx)
	defer cancel()
	var users []models.User
	if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, apperr.Storage("users by ids", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *Store) SetOnline(ctx context.Context, userID uint, online bool) error {
	return s.updateUser(ctx, "set online", userID, "is_online", online)
}

func (s *Store) SetShowOnline(ctx context.Context, userID uint, show bool) error {
	return s.updateUser(ctx, "set show online", userID, "show_online", show)
}

// SetPushToken 覆盖已保存的推送 token。
func (s *Store) SetPushToken(ctx context.Context, userID uint, token string) error {
	return s.updateUser(ctx, "set push token", userID, "push_token", token)
}

// ClearPushToken 仅在保存的 token 仍为 token 时清空，避免覆盖期间新注册的值。
func (s *Store) ClearPushToken(ctx context.Context, userID uint, token string) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	err := db.Model(&models.User{}).
		Where("id = ? AND push_token = ?", userID, token).
		Update("push_token", nil).Error
	return apperr.Storage("clear push token", err)
}

// UnsetPushToken 无条件清空推送 token，用户主动注销推送时使用。
func (s *Store) UnsetPushToken(ctx context.Context, userID uint) error {
	return s.updateUser(ctx, "unset push token", userID, "push_token", nil)
}

// PushToken 返回用户的推送 token，未注册时返回空串。
func (s *Store) PushToken(ctx context.Context, userID uint) (string, error) {
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.PushToken == nil {
		return "", nil
	}
	return *u.PushToken, nil
}

func (s *Store) updateUser(ctx context.Context, op string, userID uint, column string, value any) error {
	db, cancel := s.begin(ctx)
	defer cancel()
	res := db.Model(&models.User{}).Where("id = ?", userID).Update(column, value)
	if res.Error != nil {
		return apperr.Storage(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}
