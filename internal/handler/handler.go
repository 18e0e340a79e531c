// Package handler HTTP JSON API
//
// 路由使用 Go 1.22 ServeMux 的方法與路徑參數。
// 除了健康檢查與指標，所有 /api/v1 路由都需要 Bearer token。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/koopa0/system-design/tictactoe/internal/auth"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/matchmaking"
	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	"github.com/koopa0/system-design/tictactoe/internal/realtime"
	"github.com/koopa0/system-design/tictactoe/internal/store"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Archive 封存對局的查詢
type Archive interface {
	GetGame(ctx context.Context, roomID string) (store.Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]store.Record, error)
}

// TokenValidator 驗證 Bearer token
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Check readiness 檢查項
type Check func(ctx context.Context) error

// Options Handler 的依賴；Archive、Realtime、Hub、Gatherer 可為 nil
type Options struct {
	Games    *game.Registry
	Queue    *matchmaking.Queue
	Limiter  *ratelimit.Limiter
	Tokens   TokenValidator
	Archive  Archive
	Realtime *realtime.Server
	Hub      *realtime.Hub
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
	Logger   *slog.Logger
}

// Handler HTTP 請求處理器
type Handler struct {
	games    *game.Registry
	queue    *matchmaking.Queue
	limiter  *ratelimit.Limiter
	tokens   TokenValidator
	archive  Archive
	realtime *realtime.Server
	hub      *realtime.Hub
	gatherer prometheus.Gatherer
	checks   map[string]Check
	logger   *slog.Logger
}

// New 建立 HTTP 處理器
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		games:    opts.Games,
		queue:    opts.Queue,
		limiter:  opts.Limiter,
		tokens:   opts.Tokens,
		archive:  opts.Archive,
		realtime: opts.Realtime,
		hub:      opts.Hub,
		gatherer: opts.Gatherer,
		checks:   opts.Checks,
		logger:   opts.Logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}
	authed := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(handler))
	}

	// 對局
	mux.HandleFunc("POST /api/v1/games", authed(h.createGame))
	mux.HandleFunc("GET /api/v1/games/active", authed(h.activeGames))
	mux.HandleFunc("GET /api/v1/games/open", authed(h.openGames))
	mux.HandleFunc("GET /api/v1/games/{room_id}", authed(h.getGame))
	mux.HandleFunc("POST /api/v1/games/{room_id}/join", authed(h.joinGame))
	mux.HandleFunc("POST /api/v1/games/{room_id}/moves", authed(h.makeMove))
	mux.HandleFunc("POST /api/v1/games/{room_id}/forfeit", authed(h.forfeit))
	mux.HandleFunc("POST /api/v1/games/{room_id}/leave", authed(h.leaveGame))
	mux.HandleFunc("POST /api/v1/games/{room_id}/rematch", authed(h.rematch))
	mux.HandleFunc("GET /api/v1/games/{room_id}/record", authed(h.gameRecord))
	mux.HandleFunc("GET /api/v1/history", authed(h.history))

	// 配對
	mux.HandleFunc("POST /api/v1/matchmaking/join", authed(h.joinQueue))
	mux.HandleFunc("POST /api/v1/matchmaking/leave", authed(h.leaveQueue))
	mux.HandleFunc("GET /api/v1/matchmaking/status", authed(h.queueStatus))
	mux.HandleFunc("GET /api/v1/matchmaking/stats", authed(h.queueStats))

	// 動作預算
	mux.HandleFunc("GET /api/v1/limits", authed(h.listLimits))
	mux.HandleFunc("POST /api/v1/limits/{category}", authed(h.consumeLimit))

	// 事件頻道（token 由 realtime 自行驗證）
	if h.realtime != nil {
		mux.HandleFunc("GET /ws/games/{room_id}", wrap(h.realtime.ServeGame))
		mux.HandleFunc("GET /ws/queue", wrap(h.realtime.ServeQueue))
	}

	// 維運
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(h.gatherer))
	}

	return mux
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json response failed", "error", err)
	}
}

// errorResponse 依錯誤碼決定狀態碼並返回 {"error": {code, message}}
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)

	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", retryAfterSeconds(limitErr.RetryAfter.Seconds()))
	}

	code := apperrors.CodeOf(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		message = "internal server error"
	}

	h.jsonResponse(w, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}, status)
}

// StatusOf 錯誤碼對應的 HTTP 狀態碼
func StatusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeNotQueued:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeOutOfBounds, apperrors.ErrCodeInvalidTurn:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeWrongPassword, apperrors.ErrCodeNotSeated:
		return http.StatusForbidden
	case apperrors.ErrCodeRoomFull, apperrors.ErrCodeNotWaiting, apperrors.ErrCodeNotActive,
		apperrors.ErrCodeNotYourTurn, apperrors.ErrCodeCellOccupied, apperrors.ErrCodeRematchUnavailable,
		apperrors.ErrCodeAlreadyQueued, apperrors.ErrCodeAlreadyInGame, apperrors.ErrCodeQueueTimeout:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds Retry-After 以整數秒表示，至少 1
func retryAfterSeconds(seconds float64) string {
	return strconv.Itoa(max(1, int(math.Ceil(seconds))))
}

// decodeJSON 解析請求內容；空內容視為零值
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// identity 認證中介層放入 context 的身分
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func player(id auth.Identity) game.Player {
	return game.Player{UserID: id.UserID, DisplayName: id.DisplayName, Level: id.Level}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
