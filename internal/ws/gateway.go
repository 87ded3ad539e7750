package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/metrics"
	"parley/internal/presence"
	"parley/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// 客户端发来的事件名。
const (
	InJoinConversation  = "join-conversation"
	InLeaveConversation = "leave-conversation"
	InTyping            = service.EventTyping
	InStopTyping        = service.EventStopTyping
	InMarkSeen          = "mark-seen"
	InRegisterPushToken = "register-push-token"
	InSendMessage       = "send-message"
	InSendGroupMessage  = "send-group-message"
	InReact             = "react"

	OutAck   = "ack"
	OutError = "error"
)

// Services 是网关调用的业务服务。
type Services struct {
	Users         *service.UserService
	Messages      *service.MessageService
	Seen          *service.SeenService
	Reactions     *service.ReactionService
	Conversations *service.ConversationService
}

// Gateway 负责 WebSocket 握手鉴权、连接生命周期与入站事件路由。
type Gateway struct {
	hub        *Hub
	registry   *presence.Registry
	dispatcher *Dispatcher
	verifier   *auth.Verifier
	svc        Services
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
}

func NewGateway(hub *Hub, registry *presence.Registry, dispatcher *Dispatcher, verifier *auth.Verifier, svc Services, heartbeat time.Duration) *Gateway {
	return &Gateway{
		hub:        hub,
		registry:   registry,
		dispatcher: dispatcher,
		verifier:   verifier,
		svc:        svc,
		heartbeat:  heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ref   string          `json:"ref"`
}

type conversationFrame struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

type markSeenFrame struct {
	ConversationID uint  `json:"conversationId" validate:"required"`
	MessageID      *uint `json:"messageId"`
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Response{Error: apperr.ErrAuthentication.Code, Message: msg})
}

// Connections 返回当前打开的 WebSocket 连接数。
func (g *Gateway) Connections() int { return g.hub.Online() }

// Serve 完成握手并在当前 goroutine 中运行读循环，直到连接关闭。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		uid, err := g.verifier.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				if sub, ok := g.verifier.ExpiredSubject(token); ok {
					if err := g.svc.Users.MarkOffline(c.Request.Context(), sub); err != nil {
						log.Warn().Err(err).Uint("user_id", sub).Msg("mark offline on expired token")
					}
				}
			}
			unauthorized(c, err.Error())
			return
		}
		if _, err := g.svc.Users.Me(c.Request.Context(), uid); err != nil {
			unauthorized(c, "user not found")
			return
		}

		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Uint("user_id", uid).Msg("ws upgrade")
			return
		}
		client := newClient(uuid.NewString(), uid, conn, g.heartbeat)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		g.connect(ctx, client)
		go client.writePump()
		client.readPump(func(data []byte) { g.handle(ctx, client, data) })
		g.disconnect(ctx, client)
	}
}

func (g *Gateway) connect(ctx context.Context, c *Client) {
	g.hub.Register(c)
	if g.registry.Join(c.userID, c.id) {
		metrics.OnlineUsers.Inc()
		g.svc.Users.BroadcastPresence(ctx, c.userID, true)
	}
	log.Info().Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws connected")
}

func (g *Gateway) disconnect(ctx context.Context, c *Client) {
	g.hub.Unregister(c.id)
	uid, offline := g.registry.Leave(c.id)
	if offline {
		metrics.OnlineUsers.Dec()
		g.svc.Users.BroadcastPresence(ctx, uid, false)
	}
	log.Info().Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws disconnected")
}

func (g *Gateway) handle(ctx context.Context, c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
		g.reply(c, "", nil, apperr.Validation(map[string]string{"event": "malformed frame"}))
		return
	}
	result, err := g.route(ctx, c, in)
	g.reply(c, in.Ref, result, err)
}

func (g *Gateway) reply(c *Client, ref string, result any, err error) {
	if err != nil {
		_, body := apperr.ToResponse(err)
		if apperr.KindOf(err) == apperr.KindInternal {
			log.Error().Err(err).Uint("user_id", c.userID).Msg("ws event")
		}
		g.dispatcher.SendTo(c.id, Envelope{Event: OutError, Data: body, Ref: ref})
		return
	}
	if ref != "" {
		g.dispatcher.SendTo(c.id, Envelope{Event: OutAck, Data: result, Ref: ref})
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return service.ValidationError(err)
	}
	return nil
}

func decodeFrame(raw json.RawMessage, v any) error {
	if err := decode(raw, v); err != nil {
		return err
	}
	return service.Validate(v)
}

func (g *Gateway) route(ctx context.Context, c *Client, in inbound) (any, error) {
	switch in.Event {
	case InJoinConversation:
		var f conversationFrame
		if err := decodeFrame(in.Data, &f); err != nil {
			return nil, err
		}
		if _, err := g.svc.Conversations.Open(ctx, c.userID, f.ConversationID); err != nil {
			return nil, err
		}
		g.registry.JoinRoom(c.id, presence.ConversationRoom(f.ConversationID))
		return f, nil

	case InLeaveConversation:
		var f conversationFrame
		if err := decodeFrame(in.Data, &f); err != nil {
			return nil, err
		}
		g.registry.LeaveRoom(c.id, presence.ConversationRoom(f.ConversationID))
		return f, nil

	case InTyping, InStopTyping:
		var f conversationFrame
		if err := decodeFrame(in.Data, &f); err != nil {
			return nil, err
		}
		// 未加入房间的连接发来的输入状态直接忽略
		if !g.registry.InRoom(c.id, presence.ConversationRoom(f.ConversationID)) {
			return nil, nil
		}
		g.dispatcher.EmitToConversation(f.ConversationID, in.Event, service.TypingPayload{ConversationID: f.ConversationID, UserID: c.userID}, c.id)
		return nil, nil

	case InMarkSeen:
		var f markSeenFrame
		if err := decodeFrame(in.Data, &f); err != nil {
			return nil, err
		}
		if f.MessageID != nil {
			return g.svc.Seen.MarkOneSeen(ctx, f.ConversationID, *f.MessageID, c.userID)
		}
		senders, err := g.svc.Seen.MarkSeen(ctx, f.ConversationID, c.userID)
		if err != nil {
			return nil, err
		}
		return gin.H{"conversationId": f.ConversationID, "senders": senders}, nil

	case InRegisterPushToken:
		var cmd service.PushTokenCommand
		if err := decode(in.Data, &cmd); err != nil {
			return nil, err
		}
		return nil, g.svc.Users.RegisterPushToken(ctx, c.userID, cmd)

	case InSendMessage:
		var cmd service.DirectMessageCommand
		if err := decode(in.Data, &cmd); err != nil {
			return nil, err
		}
		cmd.SenderID = c.userID
		return g.svc.Messages.SendDirect(ctx, cmd)

	case InSendGroupMessage:
		var cmd service.GroupMessageCommand
		if err := decode(in.Data, &cmd); err != nil {
			return nil, err
		}
		cmd.SenderID = c.userID
		return g.svc.Messages.SendGroup(ctx, cmd)

	case InReact:
		var cmd service.ReactCommand
		if err := decode(in.Data, &cmd); err != nil {
			return nil, err
		}
		return g.svc.Reactions.React(ctx, c.userID, cmd)

	default:
		return nil, apperr.Validation(map[string]string{"event": "unknown event " + in.Event})
	}
}
