package server

import (
	"net/http"
	"strconv"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	users         *service.UserService
	contacts      *service.ContactService
	conversations *service.ConversationService
	messages      *service.MessageService
	seen          *service.SeenService
	groups        *service.GroupService
	reactions     *service.ReactionService
	notifications *service.NotificationService
}

// Services 是构造 Handler 所需的全部业务服务。
type Services struct {
	Users         *service.UserService
	Contacts      *service.ContactService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Seen          *service.SeenService
	Groups        *service.GroupService
	Reactions     *service.ReactionService
	Notifications *service.NotificationService
}

func NewHandler(s Services) *Handler {
	return &Handler{
		users:         s.Users,
		contacts:      s.Contacts,
		conversations: s.Conversations,
		messages:      s.Messages,
		seen:          s.Seen,
		groups:        s.Groups,
		reactions:     s.Reactions,
		notifications: s.Notifications,
	}
}

// respondError 按错误分类写出状态码与统一的错误体，内部错误只记录日志。
func respondError(c *gin.Context, err error) {
	status, body := apperr.ToResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, service.ValidationError(err))
		return false
	}
	return true
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperr.Validation(map[string]string{name: "invalid id"}))
		return 0, false
	}
	return uint(id), true
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// ---- 账号 ----

func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterCommand
	if !bind(c, &req) {
		return
	}
	u, err := h.users.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) Login(c *gin.Context) {
	var req service.LoginCommand
	if !bind(c, &req) {
		return
	}
	res, err := h.users.Login(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	pair, err := h.users.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.users.Logout(c.Request.Context(), auth.GetUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Me(c *gin.Context) {
	u, err := h.users.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) SetVisibility(c *gin.Context) {
	var req struct {
		ShowOnline *bool `json:"showOnline" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.users.SetVisibility(c.Request.Context(), auth.GetUserID(c), *req.ShowOnline); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"showOnline": *req.ShowOnline})
}

func (h *Handler) RegisterPushToken(c *gin.Context) {
	var req service.PushTokenCommand
	if !bind(c, &req) {
		return
	}
	if err := h.users.RegisterPushToken(c.Request.Context(), auth.GetUserID(c), req); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ClearPushToken(c *gin.Context) {
	if err := h.users.ClearPushToken(c.Request.Context(), auth.GetUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- 联系人 ----

func (h *Handler) ListContacts(c *gin.Context) {
	list, err := h.contacts.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

func (h *Handler) PendingContacts(c *gin.Context) {
	list, err := h.contacts.Pending(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list})
}

func (h *Handler) RequestContact(c *gin.Context) {
	var req service.ContactRequestCommand
	if !bind(c, &req) {
		return
	}
	target, err := h.contacts.Request(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, target)
}

func (h *Handler) respondContact(c *gin.Context, accept bool) {
	requester, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.contacts.Respond(c.Request.Context(), auth.GetUserID(c), requester, accept); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AcceptContact(c *gin.Context) { h.respondContact(c, true) }

func (h *Handler) RejectContact(c *gin.Context) { h.respondContact(c, false) }

func (h *Handler) RemoveContact(c *gin.Context) {
	other, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.contacts.Remove(c.Request.Context(), auth.GetUserID(c), other); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- 会话与消息 ----

func (h *Handler) ListConversations(c *gin.Context) {
	list, err := h.conversations.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) History(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	msgs, err := h.messages.History(c.Request.Context(), auth.GetUserID(c), id, intQuery(c, "page", 1), intQuery(c, "pageSize", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) Latest(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	msgs, err := h.messages.Latest(c.Request.Context(), auth.GetUserID(c), id, intQuery(c, "n", 20))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) MarkSeen(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	senders, err := h.seen.MarkSeen(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "senders": senders})
}

func (h *Handler) MarkOneSeen(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	mid, ok := idParam(c, "messageId")
	if !ok {
		return
	}
	msg, err := h.seen.MarkOneSeen(c.Request.Context(), id, mid, auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) SendDirect(c *gin.Context) {
	var req service.DirectMessageCommand
	if !bind(c, &req) {
		return
	}
	req.SenderID = auth.GetUserID(c)
	res, err := h.messages.SendDirect(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ---- 群聊 ----

func (h *Handler) CreateGroup(c *gin.Context) {
	var req service.CreateGroupCommand
	if !bind(c, &req) {
		return
	}
	g, err := h.groups.Create(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) GetGroup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	g, err := h.groups.Get(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) RenameGroup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required,max=128"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.groups.Rename(c.Request.Context(), auth.GetUserID(c), id, req.Name); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.groups.Delete(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AddMembers(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserIDs []uint `json:"userIds" binding:"required,min=1,dive,required"`
	}
	if !bind(c, &req) {
		return
	}
	added, err := h.groups.AddMembers(c.Request.Context(), auth.GetUserID(c), id, req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	uid, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.groups.RemoveMember(c.Request.Context(), auth.GetUserID(c), id, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.groups.Leave(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PromoteAdmin(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	uid, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := h.groups.Promote(c.Request.Context(), auth.GetUserID(c), id, uid); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SendGroup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content  *string `json:"content"`
		MediaRef *string `json:"mediaRef"`
		ReplyTo  *uint   `json:"replyTo"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.messages.SendGroup(c.Request.Context(), service.GroupMessageCommand{
		SenderID: auth.GetUserID(c),
		GroupID:  id,
		Content:  req.Content,
		MediaRef: req.MediaRef,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ---- 回应 ----

func (h *Handler) React(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	r, err := h.reactions.React(c.Request.Context(), auth.GetUserID(c), service.ReactCommand{MessageID: id, Emoji: req.Emoji})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) Unreact(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.reactions.Unreact(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListReactions(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	list, err := h.reactions.List(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": list})
}

// ---- 通知 ----

func (h *Handler) ListNotifications(c *gin.Context) {
	list, err := h.notifications.List(c.Request.Context(), auth.GetUserID(c), intQuery(c, "limit", 50), c.Query("unread") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	n, err := h.notifications.MarkAllRead(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
