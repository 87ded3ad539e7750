package service

import (
	"context"
	"strings"
	"time"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/models"
	"parley/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UserService 封装账号、可见性与推送 token 相关的业务逻辑。
type UserService struct {
	store    *store.Store
	cfg      config.Config
	emitter  Emitter
	presence Presence
}

func NewUserService(st *store.Store, cfg config.Config, em Emitter, pr Presence) *UserService {
	return &UserService{store: st, cfg: cfg, emitter: em, presence: pr}
}

type RegisterCommand struct {
	Username    string `json:"username" validate:"required,min=3,max=64"`
	DisplayName string `json:"displayName" validate:"max=128"`
	Password    string `json:"password" validate:"required,min=6,max=128"`
}

type LoginCommand struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UserPayload 是对外输出的用户数据。
type UserPayload struct {
	ID          uint      `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	IsOnline    bool      `json:"isOnline"`
	ShowOnline  bool      `json:"showOnline"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newUserPayload(u models.User) UserPayload {
	return UserPayload{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.Name(),
		IsOnline:    u.IsOnline,
		ShowOnline:  u.ShowOnline,
		CreatedAt:   u.CreatedAt,
	}
}

// Register 注册新用户。
func (s *UserService) Register(ctx context.Context, cmd RegisterCommand) (*UserPayload, error) {
	cmd.Username = strings.TrimSpace(cmd.Username)
	cmd.DisplayName = strings.TrimSpace(cmd.DisplayName)
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(cmd.Password)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "internal", "hash password").Wrap(err)
	}
	user := models.User{Username: cmd.Username, DisplayName: cmd.DisplayName, PasswordHash: hash, ShowOnline: true}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return nil, err
	}
	out := newUserPayload(user)
	return &out, nil
}

// TokenPair 是签发给客户端的 token 对。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	TokenPair
	User UserPayload `json:"user"`
}

// Login 校验用户名密码并签发 token 对，同时把用户标记为在线。
func (s *UserService) Login(ctx context.Context, cmd LoginCommand) (*LoginResult, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	user, err := s.store.UserByUsername(ctx, strings.TrimSpace(cmd.Username))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, cmd.Password) {
		return nil, apperr.ErrInvalidCredentials
	}
	var pair *TokenPair
	err = s.store.Tx(ctx, "login", func(tx *gorm.DB) error {
		p, ierr := s.issue(tx, user.ID)
		pair = p
		return ierr
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetOnline(ctx, user.ID, true); err != nil {
		return nil, err
	}
	user.IsOnline = true
	return &LoginResult{TokenPair: *pair, User: newUserPayload(*user)}, nil
}

func (s *UserService) issue(tx *gorm.DB, userID uint) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, userID, rt, exp); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*TokenPair, error) {
	if oldRT == "" {
		return nil, apperr.Validation(map[string]string{"refreshToken": "is required"})
	}
	var pair *TokenPair
	err := s.store.Tx(ctx, "refresh tokens", func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrAuthentication
			}
			return err
		}
		// 并发旋转时只有一个请求能作废成功
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			if errors.Is(err, auth.ErrTokenRevoked) {
				return apperr.ErrAuthentication
			}
			return err
		}
		pair, err = s.issue(tx, rec.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout 作废所有 refresh token 并把存储的在线标记置为 false。
func (s *UserService) Logout(ctx context.Context, userID uint) error {
	err := s.store.Tx(ctx, "logout", func(tx *gorm.DB) error {
		return auth.RevokeUserTokens(tx, userID)
	})
	if err != nil {
		return err
	}
	return s.store.SetOnline(ctx, userID, false)
}

func (s *UserService) Me(ctx context.Context, userID uint) (*UserPayload, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := newUserPayload(*u)
	out.IsOnline = u.IsOnline || s.presence.IsOnline(u.ID)
	return &out, nil
}

// MarkOffline 在 token 过期时调用，只更新存储的在线标记。
func (s *UserService) MarkOffline(ctx context.Context, userID uint) error {
	return s.store.SetOnline(ctx, userID, false)
}

// SetVisibility 修改在线状态可见性，并通知联系人。
func (s *UserService) SetVisibility(ctx context.Context, userID uint, show bool) error {
	if err := s.store.SetShowOnline(ctx, userID, show); err != nil {
		return err
	}
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	online := show && (u.IsOnline || s.presence.IsOnline(userID))
	s.emitPresence(ctx, userID, online)
	return nil
}

// BroadcastPresence 把上下线变化发给已接受的联系人，用户隐藏在线状态时不发送。
func (s *UserService) BroadcastPresence(ctx context.Context, userID uint, online bool) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("broadcast presence")
		return
	}
	if !u.ShowOnline {
		return
	}
	s.emitPresence(ctx, userID, online)
}

func (s *UserService) emitPresence(ctx context.Context, userID uint, online bool) {
	contacts, err := s.store.AcceptedContactIDs(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("load contacts for presence")
		return
	}
	payload := PresencePayload{UserID: userID, Online: online}
	for _, id := range contacts {
		s.emitter.EmitToUser(id, EventPresence, payload)
	}
}

type PushTokenCommand struct {
	Token string `json:"token" validate:"required,max=4096"`
}

// RegisterPushToken 覆盖保存的推送 token。
func (s *UserService) RegisterPushToken(ctx context.Context, userID uint, cmd PushTokenCommand) error {
	if err := Validate(cmd); err != nil {
		return err
	}
	return s.store.SetPushToken(ctx, userID, cmd.Token)
}

func (s *UserService) ClearPushToken(ctx context.Context, userID uint) error {
	return s.store.UnsetPushToken(ctx, userID)
}
