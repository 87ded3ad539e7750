package service

import (
	"context"
	"strconv"
	"time"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/push"
	"parley/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const pushTimeout = 10 * time.Second

// NotificationService 写入站内通知，实时推给在线连接，离线时走推送。
type NotificationService struct {
	store    *store.Store
	emitter  Emitter
	presence Presence
	sender   push.Sender
	// syncPush 让测试可以等待推送完成
	syncPush bool
}

func NewNotificationService(st *store.Store, em Emitter, pr Presence, sender push.Sender) *NotificationService {
	if sender == nil {
		sender = push.Noop{}
	}
	return &NotificationService{store: st, emitter: em, presence: pr, sender: sender}
}

// Notify 创建通知并投递。持久化失败返回错误，投递失败只记录日志。
func (s *NotificationService) Notify(ctx context.Context, userID uint, content string, data map[string]string) (*models.Notification, error) {
	n, err := s.store.CreateNotification(ctx, userID, content)
	if err != nil {
		return nil, err
	}
	metrics.NotificationsTotal.Inc()
	s.emitter.EmitToUser(userID, EventNotification, newNotificationPayload(*n))
	if !s.presence.IsOnline(userID) {
		if s.syncPush {
			s.push(userID, content, data)
		} else {
			go s.push(userID, content, data)
		}
	}
	return n, nil
}

func (s *NotificationService) push(userID uint, body string, data map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	token, err := s.store.PushToken(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("load push token")
		metrics.PushTotal.WithLabelValues("error").Inc()
		return
	}
	err = s.sender.Send(ctx, token, "parley", body, data)
	switch {
	case err == nil:
		metrics.PushTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, push.ErrNoTokenRegistered):
		metrics.PushTotal.WithLabelValues("no_token").Inc()
	case push.IsUnregistered(err):
		metrics.PushTotal.WithLabelValues("unregistered").Inc()
		if cerr := s.store.ClearPushToken(ctx, userID, token); cerr != nil {
			log.Warn().Err(cerr).Uint("user_id", userID).Msg("clear push token")
		}
	default:
		metrics.PushTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Uint("user_id", userID).Msg("send push")
	}
}

func (s *NotificationService) List(ctx context.Context, userID uint, limit int, unreadOnly bool) ([]NotificationPayload, error) {
	rows, err := s.store.ListNotifications(ctx, userID, limit, unreadOnly)
	if err != nil {
		return nil, err
	}
	out := make([]NotificationPayload, 0, len(rows))
	for _, n := range rows {
		out = append(out, newNotificationPayload(n))
	}
	return out, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID uint) error {
	return s.store.MarkNotificationRead(ctx, userID, notificationID)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

func conversationData(conversationID uint) map[string]string {
	return map[string]string{"conversationId": strconv.FormatUint(uint64(conversationID), 10)}
}
