package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Client 是一条 WebSocket 连接。send 只由 Hub 关闭。
type Client struct {
	id        string
	userID    uint
	conn      *websocket.Conn
	send      chan []byte
	heartbeat time.Duration
}

func newClient(id string, userID uint, conn *websocket.Conn, heartbeat time.Duration) *Client {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Client{id: id, userID: userID, conn: conn, send: make(chan []byte, sendBuffer), heartbeat: heartbeat}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() uint { return c.userID }

func (c *Client) pongWait() time.Duration { return 2 * c.heartbeat }

// readPump 读取客户端帧并交给 handle，两个心跳周期内没有任何数据则断开。
func (c *Client) readPump(handle func([]byte)) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
