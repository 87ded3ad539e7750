package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_ws_connections",
		Help: "Current number of active websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Users with at least one live connection",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of persisted chat messages",
	}, []string{"kind"})
	EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_emitted_total",
		Help: "Realtime events queued to connections",
	}, []string{"event"})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_events_dropped_total",
		Help: "Realtime events dropped because a connection buffer was full",
	})
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_notifications_total",
		Help: "Notifications created",
	})
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_push_total",
		Help: "Push notification attempts by result",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, OnlineUsers, MessagesTotal, EventsEmitted, EventsDropped,
		NotificationsTotal, PushTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
