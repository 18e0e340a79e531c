// Package realtime 事件頻道：房間訂閱與使用者（配對）訂閱
//
// Hub 只負責投遞。房間狀態的權威在 game.Session，
// 房間事件在房間鎖內呼叫 BroadcastRoom，因此訂閱者依接受順序收到每一步。
// Hub 持有自己的鎖時絕不呼叫 Registry。
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/metrics"
)

// HubOptions Hub 參數
type HubOptions struct {
	SendBuffer int // 每條連線的緩衝訊息數

	// 測試可縮短心跳
	PingPeriod time.Duration
	PongWait   time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Hub 連線中心
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{} // roomID -> 連線
	users map[string]map[*conn]struct{} // userID -> 配對頻道連線

	bufferSize int
	pingPeriod time.Duration
	pongWait   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// onLeave 房間訂閱連線關閉時呼叫（不持有 Hub 鎖）
	onLeave func(roomID, userID string)
}

// NewHub 建立連線中心
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = pingPeriod
	}
	if opts.PongWait <= 0 {
		opts.PongWait = pongWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Hub{
		rooms:      make(map[string]map[*conn]struct{}),
		users:      make(map[string]map[*conn]struct{}),
		bufferSize: opts.SendBuffer,
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PongWait,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// BroadcastRoom 推送事件給房間的所有訂閱者
func (h *Hub) BroadcastRoom(roomID string, event game.Event) {
	msg, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[roomID] {
		if c.enqueue(msg) {
			h.logger.Debug("slow subscriber dropped oldest event", "room_id", roomID, "user_id", c.userID)
		}
	}
}

// CloseRoom 房間被回收，關閉所有訂閱連線
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	conns := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for c := range conns {
		c.close()
		h.metrics.ConnectionClosed()
	}
}

// NotifyUser 推送事件給使用者的配對頻道
func (h *Hub) NotifyUser(userID string, event game.Event) {
	msg, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.users[userID] {
		c.enqueue(msg)
	}
}

// Connections 目前的連線數
func (h *Hub) Connections() (rooms, queue int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.rooms {
		rooms += len(conns)
	}
	for _, conns := range h.users {
		queue += len(conns)
	}
	return rooms, queue
}

// Close 關閉所有連線，用於服務關閉
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*conn
	for _, conns := range h.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	for _, conns := range h.users {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*conn]struct{})
	h.users = make(map[string]map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
		h.metrics.ConnectionClosed()
	}
	h.logger.Info("realtime hub closed", "connections", len(all))
}

// subscribeRoom 在房間鎖內被呼叫（Registry.Connect 的 attach）
func (h *Hub) subscribeRoom(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.roomID] == nil {
		h.rooms[c.roomID] = make(map[*conn]struct{})
	}
	h.rooms[c.roomID][c] = struct{}{}
	h.metrics.ConnectionOpened()
}

func (h *Hub) subscribeUser(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*conn]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.metrics.ConnectionOpened()
}

// unsubscribe 移除連線；房間頻道的連線在釋放鎖後通知 onLeave
func (h *Hub) unsubscribe(c *conn) {
	h.mu.Lock()
	index := h.users
	key := c.userID
	if c.kind == channelRoom {
		index = h.rooms
		key = c.roomID
	}
	_, removed := index[key][c]
	if removed {
		delete(index[key], c)
		if len(index[key]) == 0 {
			delete(index, key)
		}
	}
	notify := h.onLeave
	h.mu.Unlock()

	if !removed {
		return
	}
	h.metrics.ConnectionClosed()
	if c.kind == channelRoom && notify != nil {
		notify(c.roomID, c.userID)
	}
}

func (h *Hub) encode(event game.Event) ([]byte, bool) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode event failed", "event", event.Type, "error", err)
		return nil, false
	}
	return msg, true
}
