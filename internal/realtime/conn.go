package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 心跳參數：54 秒送 ping，60 秒內沒有任何訊息（含 pong）視為斷線
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

type channelKind int

const (
	channelRoom channelKind = iota
	channelQueue
)

// conn 單一 WebSocket 連線
//
// send 為有界緩衝；滿了就丟掉最舊的一則，推送端永遠不會被慢連線卡住。
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	kind   channelKind
	roomID string // 只有房間頻道有值
	userID string
	name   string
	level  int

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(hub *Hub, ws *websocket.Conn, kind channelKind, userID string) *conn {
	return &conn{
		hub:    hub,
		ws:     ws,
		kind:   kind,
		userID: userID,
		send:   make(chan []byte, hub.bufferSize),
	}
}

// enqueue 放入一則訊息，緩衝已滿時丟棄最舊的訊息；返回是否有訊息被丟棄
func (c *conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	dropped := false
	for {
		select {
		case c.send <- msg:
			return dropped
		default:
		}

		select {
		case <-c.send:
			dropped = true
			c.hub.metrics.EventDropped()
		default:
		}
	}
}

// close 關閉送出佇列，writePump 送出 close frame 後結束
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump 讀取客戶端訊息，結束時取消訂閱
func (c *conn) readPump(handle func(c *conn, message []byte)) {
	defer func() {
		c.hub.unsubscribe(c)
		c.close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed",
					"error", err,
					"room_id", c.roomID,
					"user_id", c.userID)
			}
			return
		}

		// 任何訊息都代表連線仍活著
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		if messageType == websocket.TextMessage {
			handle(c, message)
		}
	}
}

// writePump 送出佇列中的訊息並定期 ping
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
