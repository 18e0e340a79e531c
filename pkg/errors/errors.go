// Package errors 提供應用程式錯誤處理
//
// 錯誤分類：
//   - 驗證錯誤（輪次不對、格子已占用）：同步回報，不改變狀態
//   - 容量/競爭錯誤（房間已滿、限流）：同步回報，限流附帶 retry-after
//   - 一致性錯誤（重送的落子）：由 Session 去重，不視為失敗
//   - 致命錯誤（房間不存在）：一律回報 NOT_FOUND
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnauthorized 未通過身份驗證
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"

	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeWrongPassword 房間密碼錯誤
	ErrCodeWrongPassword = "WRONG_PASSWORD"
	// ErrCodeNotWaiting 房間已不接受加入
	ErrCodeNotWaiting = "NOT_WAITING"
	// ErrCodeNotActive 對局未進行中
	ErrCodeNotActive = "NOT_ACTIVE"
	// ErrCodeNotSeated 使用者不在座位上
	ErrCodeNotSeated = "NOT_SEATED"
	// ErrCodeNotYourTurn 不是該玩家的回合
	ErrCodeNotYourTurn = "NOT_YOUR_TURN"
	// ErrCodeCellOccupied 格子已被占用
	ErrCodeCellOccupied = "CELL_OCCUPIED"
	// ErrCodeOutOfBounds 座標超出棋盤
	ErrCodeOutOfBounds = "OUT_OF_BOUNDS"
	// ErrCodeInvalidTurn 回合快照無效
	ErrCodeInvalidTurn = "INVALID_TURN"
	// ErrCodeRematchUnavailable 無法再戰
	ErrCodeRematchUnavailable = "REMATCH_UNAVAILABLE"

	// ErrCodeRateLimited 超過動作配額
	ErrCodeRateLimited = "RATE_LIMITED"

	// ErrCodeAlreadyQueued 已在配對佇列中
	ErrCodeAlreadyQueued = "ALREADY_QUEUED"
	// ErrCodeNotQueued 不在配對佇列中
	ErrCodeNotQueued = "NOT_QUEUED"
	// ErrCodeAlreadyInGame 已有進行中的對局
	ErrCodeAlreadyInGame = "ALREADY_IN_GAME"
	// ErrCodeQueueTimeout 排隊逾時
	ErrCodeQueueTimeout = "QUEUE_TIMEOUT"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本
//
// 預定義錯誤是共用的指標，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrRoomNotFound       = New(ErrCodeNotFound, "room not found")
	ErrRoomFull           = New(ErrCodeRoomFull, "room is full")
	ErrWrongPassword      = New(ErrCodeWrongPassword, "wrong room password")
	ErrNotWaiting         = New(ErrCodeNotWaiting, "room is no longer accepting players")
	ErrNotActive          = New(ErrCodeNotActive, "game is not active")
	ErrNotSeated          = New(ErrCodeNotSeated, "user is not seated in this room")
	ErrNotYourTurn        = New(ErrCodeNotYourTurn, "not your turn")
	ErrCellOccupied       = New(ErrCodeCellOccupied, "cell is already occupied")
	ErrOutOfBounds        = New(ErrCodeOutOfBounds, "cell is out of bounds")
	ErrInvalidTurn        = New(ErrCodeInvalidTurn, "turn snapshot is ahead of the game")
	ErrRematchUnavailable = New(ErrCodeRematchUnavailable, "rematch is not available")

	ErrRateLimited = New(ErrCodeRateLimited, "action budget exhausted")

	ErrAlreadyQueued = New(ErrCodeAlreadyQueued, "user is already in the matchmaking queue")
	ErrNotQueued     = New(ErrCodeNotQueued, "user is not in the matchmaking queue")
	ErrAlreadyInGame = New(ErrCodeAlreadyInGame, "user already has an active game")
	ErrQueueTimeout  = New(ErrCodeQueueTimeout, "no opponent found in time")

	ErrUnauthorized = New(ErrCodeUnauthorized, "missing or invalid credentials")
)

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrCodeRateLimited
}

// IsValidation 檢查是否為落子驗證錯誤
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNotYourTurn, ErrCodeCellOccupied, ErrCodeOutOfBounds, ErrCodeInvalidTurn, ErrCodeInvalidInput:
		return true
	}
	return false
}
