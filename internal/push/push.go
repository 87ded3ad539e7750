// Package push 向离线用户投递推送通知。
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxBodyLen = 100

var ErrNoTokenRegistered = errors.New("no push token registered")

// DeliveryError 表示推送网关拒绝了请求。
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push delivery failed: status %d: %s", e.StatusCode, e.Body)
}

// Unregistered 为 true 时订阅已失效，调用方应清除保存的 token。
func (e *DeliveryError) Unregistered() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

// IsUnregistered 判断 err 是否表示 token 已失效。
func IsUnregistered(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Unregistered()
}

// Sender 推送一条通知。token 为空时返回 ErrNoTokenRegistered。
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// Payload 是 service worker 收到的 JSON 结构。
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Time  int64             `json:"timestamp"`
}

// Body 把超长正文截断为推送展示长度。
func Body(s string) string {
	return truncate.Truncate(s, maxBodyLen, "...", truncate.PositionEnd)
}

// WebPush 基于 VAPID 的 Web Push 发送器，token 为 JSON 编码的浏览器订阅。
type WebPush struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	client     *http.Client
}

func NewWebPush(publicKey, privateKey, subscriber string) *WebPush {
	return &WebPush{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        30,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// ParseSubscription 校验并解析注册时提交的订阅 JSON。
func ParseSubscription(token string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, errors.Wrap(err, "decode push subscription")
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, errors.New("push subscription needs endpoint and keys")
	}
	return &sub, nil
}

func (w *WebPush) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return ErrNoTokenRegistered
	}
	sub, err := ParseSubscription(token)
	if err != nil {
		// 无法解析的订阅不会再变得可用，按失效处理
		return &DeliveryError{StatusCode: http.StatusGone, Body: err.Error()}
	}
	payload, err := json.Marshal(Payload{Title: title, Body: Body(body), Data: data, Time: time.Now().Unix()})
	if err != nil {
		return errors.Wrap(err, "encode push payload")
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		TTL:             w.ttl,
	})
	if err != nil {
		return errors.Wrap(err, "send web push")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// Noop 在未配置 VAPID 密钥时使用，只记录日志。
type Noop struct{}

func (Noop) Send(_ context.Context, token, title, _ string, _ map[string]string) error {
	if token == "" {
		return ErrNoTokenRegistered
	}
	log.Debug().Str("title", title).Msg("push disabled, skipping")
	return nil
}
