package server

import (
	"net/http"
	"sync"
	"time"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/metrics"
	"parley/internal/mw"
	"parley/internal/service"
	"parley/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var registerNames sync.Once

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, users auth.UserLookup, verifier *auth.Verifier, h *Handler, gw *ws.Gateway) *gin.Engine {
	registerNames.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			service.RegisterJSONNames(v)
		}
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": gw.Connections()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gw.Serve())

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.Refresh)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(verifier, users))

	authed.POST("/auth/logout", h.Logout)
	authed.GET("/me", h.Me)
	authed.PUT("/me/visibility", h.SetVisibility)
	authed.PUT("/me/push-token", h.RegisterPushToken)
	authed.DELETE("/me/push-token", h.ClearPushToken)

	authed.GET("/contacts", h.ListContacts)
	authed.DELETE("/contacts/:userId", h.RemoveContact)
	authed.GET("/contact-requests", h.PendingContacts)
	authed.POST("/contact-requests", h.RequestContact)
	authed.POST("/contact-requests/:userId/accept", h.AcceptContact)
	authed.POST("/contact-requests/:userId/reject", h.RejectContact)

	authed.GET("/conversations", h.ListConversations)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/conversations/:id/messages", h.History)
	authed.GET("/conversations/:id/messages/latest", h.Latest)
	authed.POST("/conversations/:id/seen", h.MarkSeen)
	authed.POST("/conversations/:id/messages/:messageId/seen", h.MarkOneSeen)

	authed.POST("/messages", h.SendDirect)
	authed.GET("/messages/:id/reactions", h.ListReactions)
	authed.PUT("/messages/:id/reactions", h.React)
	authed.DELETE("/messages/:id/reactions", h.Unreact)

	authed.POST("/groups", h.CreateGroup)
	authed.GET("/groups/:id", h.GetGroup)
	authed.PATCH("/groups/:id", h.RenameGroup)
	authed.DELETE("/groups/:id", h.DeleteGroup)
	authed.POST("/groups/:id/members", h.AddMembers)
	authed.DELETE("/groups/:id/members/:userId", h.RemoveMember)
	authed.POST("/groups/:id/leave", h.LeaveGroup)
	authed.POST("/groups/:id/admins/:userId", h.PromoteAdmin)
	authed.POST("/groups/:id/messages", h.SendGroup)

	authed.GET("/notifications", h.ListNotifications)
	authed.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	authed.POST("/notifications/:id/read", h.MarkNotificationRead)

	return r
}
