package ws

import (
	"encoding/json"

	"parley/internal/metrics"
	"parley/internal/presence"

	"github.com/rs/zerolog/log"
)

// Envelope 是服务端与客户端之间的帧格式。
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ref   string `json:"ref,omitempty"`
}

// Dispatcher 按房间把事件投递到在线连接，实现 service.Emitter。
// 投递是尽力而为的，不重试也不缓存离线消息。
type Dispatcher struct {
	hub      *Hub
	registry *presence.Registry
}

func NewDispatcher(hub *Hub, registry *presence.Registry) *Dispatcher {
	return &Dispatcher{hub: hub, registry: registry}
}

func (d *Dispatcher) EmitToUser(userID uint, event string, payload any) {
	d.emit(presence.UserRoom(userID), event, payload, "")
}

func (d *Dispatcher) EmitToConversation(conversationID uint, event string, payload any, excludeConnID string) {
	d.emit(presence.ConversationRoom(conversationID), event, payload, excludeConnID)
}

func (d *Dispatcher) JoinUserToConversation(userID, conversationID uint) {
	d.registry.JoinUserToRoom(userID, presence.ConversationRoom(conversationID))
}

func (d *Dispatcher) RemoveUserFromConversation(userID, conversationID uint) {
	d.registry.RemoveUserFromRoom(userID, presence.ConversationRoom(conversationID))
}

func (d *Dispatcher) DropConversation(conversationID uint) {
	d.registry.DropRoom(presence.ConversationRoom(conversationID))
}

// SendTo 直接向单个连接写一帧，用于 ack 与 error 回复。
func (d *Dispatcher) SendTo(connID string, env Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("encode frame")
		return false
	}
	return d.hub.Send(connID, b)
}

func (d *Dispatcher) emit(room, event string, payload any, exclude string) {
	members := d.registry.Members(room)
	if len(members) == 0 {
		return
	}
	b, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	for _, connID := range members {
		if connID == exclude {
			continue
		}
		if !d.hub.Send(connID, b) {
			metrics.EventsDropped.Inc()
			log.Warn().Str("conn_id", connID).Str("event", event).Str("room", room).Msg("drop event")
			continue
		}
		metrics.EventsEmitted.WithLabelValues(event).Inc()
	}
}
