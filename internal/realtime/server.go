package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/auth"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/matchmaking"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
)

const (
	maxChatLength  = 500
	messageTimeout = 5 * time.Second
)

// Games 房間頻道需要的 Registry 操作
type Games interface {
	State(roomID string) (game.State, error)
	Connect(roomID, userID string, attach func(game.State)) error
	Disconnect(roomID, userID string)
	Move(ctx context.Context, roomID string, in game.MoveInput) (game.MoveResult, error)
	Forfeit(ctx context.Context, roomID, userID string) (game.State, error)
	Rematch(ctx context.Context, roomID, userID string) (game.State, error)
}

// Queue 配對頻道需要的佇列操作
type Queue interface {
	Position(userID string) (matchmaking.Status, error)
}

// TokenValidator 驗證連線帶來的 token
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// ChatMessage chat_message 事件內容
type ChatMessage struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// clientMessage 客戶端送來的訊息
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Row  int    `json:"row"`
	Col  int    `json:"col"`
	Turn *int   `json:"turn,omitempty"`
}

// ServerOptions WebSocket 端點的依賴
type ServerOptions struct {
	Hub     *Hub
	Games   Games
	Queue   Queue
	Tokens  TokenValidator
	Limiter game.RateLimiter
	Clock   clockwork.Clock
	Logger  *slog.Logger

	// CheckOrigin 為 nil 時接受所有來源
	CheckOrigin func(r *http.Request) bool
}

// Server WebSocket 端點
type Server struct {
	hub      *Hub
	games    Games
	queue    Queue
	tokens   TokenValidator
	limiter  game.RateLimiter
	clock    clockwork.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer 建立端點並把房間連線的關閉接到 Registry
func NewServer(opts ServerOptions) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	opts.Hub.mu.Lock()
	opts.Hub.onLeave = opts.Games.Disconnect
	opts.Hub.mu.Unlock()

	return &Server{
		hub:     opts.Hub,
		games:   opts.Games,
		queue:   opts.Queue,
		tokens:  opts.Tokens,
		limiter: opts.Limiter,
		clock:   opts.Clock,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeGame GET /ws/games/{room_id}?token=
//
// 只有在座的玩家可以訂閱。訂閱時立即收到完整狀態，
// 之後依序收到房間的每個事件。
func (s *Server) ServeGame(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	roomID := r.PathValue("room_id")
	st, err := s.games.State(roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !st.Seated(id.UserID) {
		writeError(w, http.StatusForbidden, apperrors.ErrNotSeated)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "room_id", roomID)
		return
	}

	c := newConn(s.hub, ws, channelRoom, id.UserID)
	c.roomID = roomID
	c.name = id.DisplayName
	c.level = id.Level
	go c.writePump()

	err = s.games.Connect(roomID, id.UserID, func(st game.State) {
		s.hub.subscribeRoom(c)
		s.send(c, game.Event{Type: game.EventGameState, Data: st})
	})
	if err != nil {
		// 升級後房間剛好被回收或座位已變
		s.send(c, game.NewErrorEvent(err))
		c.close()
		return
	}

	s.logger.Info("room subscriber connected", "room_id", roomID, "user_id", id.UserID)
	go c.readPump(s.handleGameMessage)
}

// ServeQueue GET /ws/queue?token=
//
// 接收 match_found、queue_update 與 error。排隊中的使用者連上時立即收到目前位置。
func (s *Server) ServeQueue(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "user_id", id.UserID)
		return
	}

	c := newConn(s.hub, ws, channelQueue, id.UserID)
	c.name = id.DisplayName
	c.level = id.Level
	s.hub.subscribeUser(c)
	go c.writePump()

	if s.queue != nil {
		if status, err := s.queue.Position(id.UserID); err == nil {
			s.send(c, game.Event{Type: game.EventQueueUpdate, Data: status})
		}
	}

	go c.readPump(s.handleQueueMessage)
}

func (s *Server) identify(r *http.Request) (auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var ok bool
		if token, ok = auth.BearerToken(r.Header.Get("Authorization")); !ok {
			return auth.Identity{}, apperrors.ErrUnauthorized
		}
	}
	return s.tokens.ValidateToken(token)
}

func (s *Server) handleGameMessage(c *conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(c, game.NewErrorEvent(apperrors.New(apperrors.ErrCodeInvalidInput, "malformed message")))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	ctx = logger.WithRoomID(logger.WithUserID(ctx, c.userID), c.roomID)

	var err error
	switch msg.Type {
	case "ping":
		s.send(c, game.Event{Type: game.EventPong})
	case "chat":
		err = s.chat(ctx, c, msg.Text)
	case "move":
		var res game.MoveResult
		res, err = s.games.Move(ctx, c.roomID, game.MoveInput{
			UserID: c.userID,
			Level:  c.level,
			Row:    msg.Row,
			Col:    msg.Col,
			Turn:   msg.Turn,
		})
		if err == nil && res.Duplicate {
			// 重送的落子不會再廣播，只讓這條連線對齊狀態
			s.send(c, game.Event{Type: game.EventGameState, Data: res.State})
		}
	case "forfeit":
		_, err = s.games.Forfeit(ctx, c.roomID, c.userID)
	case "rematch":
		_, err = s.games.Rematch(ctx, c.roomID, c.userID)
	default:
		err = apperrors.New(apperrors.ErrCodeInvalidInput, "unknown message type")
	}

	if err != nil {
		s.send(c, game.NewErrorEvent(err))
	}
}

func (s *Server) handleQueueMessage(c *conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "ping" {
		s.send(c, game.NewErrorEvent(apperrors.New(apperrors.ErrCodeInvalidInput, "unknown message type")))
		return
	}
	s.send(c, game.Event{Type: game.EventPong})
}

// chat 受 chat 類別限流，廣播給房間
func (s *Server) chat(ctx context.Context, c *conn, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > maxChatLength {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "chat message must be 1 to 500 characters")
	}
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, c.userID, ratelimit.CategoryChat, c.level); err != nil {
			return err
		}
	}

	s.hub.BroadcastRoom(c.roomID, game.Event{
		Type: game.EventChat,
		Data: ChatMessage{
			UserID:      c.userID,
			DisplayName: c.name,
			Text:        text,
			SentAt:      s.clock.Now(),
		},
	})
	return nil
}

func (s *Server) send(c *conn, event game.Event) {
	if msg, ok := s.hub.encode(event); ok {
		c.enqueue(msg)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    apperrors.CodeOf(err),
			"message": err.Error(),
		},
	})
}
