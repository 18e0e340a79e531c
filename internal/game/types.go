// Package game 對局狀態機與房間註冊表
//
// 每個 Session 以自己的 mutex 串行化所有變更（加入、落子、認輸、再戰、
// 計時器到期、回收），不同房間之間沒有共享的可變狀態。
// 廣播在持有房間鎖時發出，訂閱者收到的落子順序與接受順序一致。
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/board"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// Status 房間狀態
//
//	waiting → active → completed
//	             ↘ abandoned
//
// completed 與 abandoned 為終態，沒有任何轉換離開終態。
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal 是否為終態
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Mode 對局模式
type Mode string

const (
	ModeCasual Mode = "casual"
	ModeRanked Mode = "ranked"
)

// Source 房間的建立來源
type Source string

const (
	SourceLobby       Source = "lobby"
	SourceMatchmaking Source = "matchmaking"
	SourceRematch     Source = "rematch"
)

// Reason 終局原因
type Reason string

const (
	ReasonWin         Reason = "win"
	ReasonDraw        Reason = "draw"
	ReasonForfeit     Reason = "forfeit"
	ReasonDisconnect  Reason = "disconnect"
	ReasonMoveTimeout Reason = "move_timeout"
	ReasonTimeLimit   Reason = "time_limit"
	ReasonCancelled   Reason = "cancelled"
)

// TimeLimitKind 計時方式
type TimeLimitKind string

const (
	TimeLimitNone    TimeLimitKind = "none"
	TimeLimitPerMove TimeLimitKind = "per_move"
	TimeLimitPerGame TimeLimitKind = "per_game"
)

// TimeLimit 計時設定
type TimeLimit struct {
	Kind    TimeLimitKind `json:"kind"`
	Seconds int           `json:"seconds,omitempty"`
}

// Duration 計時長度
func (t TimeLimit) Duration() time.Duration {
	return time.Duration(t.Seconds) * time.Second
}

// Config 房間設定，建立後不可變
type Config struct {
	Mode      Mode      `json:"mode"`
	Private   bool      `json:"private"`
	Password  string    `json:"-"`
	TimeLimit TimeLimit `json:"time_limit"`
}

const maxTimeLimitSeconds = 3600

// Normalize 補上預設值並驗證
func (c Config) Normalize() (Config, error) {
	if c.Mode == "" {
		c.Mode = ModeCasual
	}
	if c.Mode != ModeCasual && c.Mode != ModeRanked {
		return c, apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("unknown mode %q", c.Mode))
	}

	switch c.TimeLimit.Kind {
	case "", TimeLimitNone:
		c.TimeLimit = TimeLimit{Kind: TimeLimitNone}
	case TimeLimitPerMove, TimeLimitPerGame:
		if c.TimeLimit.Seconds <= 0 || c.TimeLimit.Seconds > maxTimeLimitSeconds {
			return c, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("time limit must be between 1 and %d seconds", maxTimeLimitSeconds))
		}
	default:
		return c, apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("unknown time limit %q", c.TimeLimit.Kind))
	}

	return c, nil
}

// Player 入座玩家的身分
type Player struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
}

// Seat 座位在邊界上的表示：空位或已入座
type Seat struct {
	Occupied    bool       `json:"occupied"`
	UserID      string     `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Symbol      board.Cell `json:"symbol,omitempty"`
	Connected   bool       `json:"connected,omitempty"`
}

// Move 一次已接受的落子
type Move struct {
	Seq      int        `json:"seq"`
	Symbol   board.Cell `json:"symbol"`
	Row      int        `json:"row"`
	Col      int        `json:"col"`
	UserID   string     `json:"user_id"`
	PlayedAt time.Time  `json:"played_at"`
}

// State 房間的完整快照
//
// Turn 等於 len(Moves)，客戶端送出落子時帶回此值作為去重依據。
type State struct {
	RoomID          string           `json:"room_id"`
	Status          Status           `json:"status"`
	Config          Config           `json:"config"`
	HasPassword     bool             `json:"has_password"`
	Source          Source           `json:"source"`
	Seats           [2]Seat          `json:"seats"`
	Board           board.Board      `json:"board"`
	CurrentTurn     board.Cell       `json:"current_turn"`
	Turn            int              `json:"turn"`
	Moves           []Move           `json:"moves"`
	Winner          *string          `json:"winner"`
	Reason          Reason           `json:"reason,omitempty"`
	WinLine         []board.Position `json:"win_line,omitempty"`
	TurnDeadline    *time.Time       `json:"turn_deadline,omitempty"`
	GameDeadline    *time.Time       `json:"game_deadline,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	RematchOf       string           `json:"rematch_of,omitempty"`
	RematchRoomID   string           `json:"rematch_room_id,omitempty"`
	RematchRequests []string         `json:"rematch_requests,omitempty"`
}

// Seated 使用者是否在座
func (s State) Seated(userID string) bool {
	return s.SymbolOf(userID) != board.Empty
}

// SymbolOf 使用者的符號；不在座返回 Empty
func (s State) SymbolOf(userID string) board.Cell {
	for _, seat := range s.Seats {
		if seat.Occupied && seat.UserID == userID {
			return seat.Symbol
		}
	}
	return board.Empty
}

// Opponent 對手的 user id
func (s State) Opponent(userID string) string {
	for _, seat := range s.Seats {
		if seat.Occupied && seat.UserID != userID {
			return seat.UserID
		}
	}
	return ""
}

// Summary 大廳列表用的房間摘要
type Summary struct {
	RoomID      string    `json:"room_id"`
	Host        string    `json:"host"`
	Mode        Mode      `json:"mode"`
	HasPassword bool      `json:"has_password"`
	TimeLimit   TimeLimit `json:"time_limit"`
	CreatedAt   time.Time `json:"created_at"`
}

// MoveInput 落子請求
//
// Turn 為客戶端送出時看到的回合數（State.Turn）；nil 表示不做去重。
type MoveInput struct {
	UserID string
	Level  int
	Row    int
	Col    int
	Turn   *int
}

// MoveResult 落子結果；Duplicate 表示為重送，狀態沒有改變
type MoveResult struct {
	State     State `json:"state"`
	Duplicate bool  `json:"duplicate"`
}

// EventType 事件類型
type EventType string

const (
	EventGameState        EventType = "game_state_update"
	EventPlayerJoined     EventType = "player_joined"
	EventPlayerLeft       EventType = "player_left"
	EventGameOver         EventType = "game_over"
	EventMatchFound       EventType = "match_found"
	EventQueueUpdate      EventType = "queue_update"
	EventError            EventType = "error"
	EventChat             EventType = "chat_message"
	EventRematchRequested EventType = "rematch_requested"
	EventRematchReady     EventType = "rematch_ready"
	EventPong             EventType = "pong"
)

// Event 推送給訂閱者的事件
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

// GameOver game_over 事件內容
type GameOver struct {
	State  State   `json:"state"`
	Winner *string `json:"winner"`
	Reason Reason  `json:"reason"`
}

// ErrorEvent error 事件內容
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewErrorEvent 由錯誤建立 error 事件
func NewErrorEvent(err error) Event {
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	return Event{Type: EventError, Data: ErrorEvent{Message: message, Code: apperrors.CodeOf(err)}}
}

// Broadcaster 房間事件的推送端
//
// 實作必須不阻塞，且不得在推送時回呼 Registry。
type Broadcaster interface {
	BroadcastRoom(roomID string, event Event)
	CloseRoom(roomID string)
}

// ResultRecorder 終局結果的外部接收者（封存、統計）
type ResultRecorder interface {
	RecordResult(ctx context.Context, result State) error
}

// RateLimiter 落子前的限流檢查
type RateLimiter interface {
	Check(ctx context.Context, userID string, category ratelimit.Category, level int) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastRoom(string, Event) {}
func (nopBroadcaster) CloseRoom(string)            {}
