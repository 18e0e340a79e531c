package handler

import (
	"net/http"

	"github.com/koopa0/system-design/tictactoe/internal/game"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// 請求結構
type createGameRequest struct {
	Mode      game.Mode      `json:"mode"`
	Private   bool           `json:"private"`
	Password  string         `json:"password,omitempty"`
	TimeLimit game.TimeLimit `json:"time_limit"`
}

type joinGameRequest struct {
	Password string `json:"password,omitempty"`
}

type moveRequest struct {
	Row  *int `json:"row"`
	Col  *int `json:"col"`
	Turn *int `json:"turn,omitempty"`
}

var errMissingCell = apperrors.New(apperrors.ErrCodeInvalidInput, "row and col are required")

// createGame 建立等待中的房間，建立者坐 X
func (h *Handler) createGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	st, err := h.games.Create(r.Context(), game.Config{
		Mode:      req.Mode,
		Private:   req.Private,
		Password:  req.Password,
		TimeLimit: req.TimeLimit,
	}, player(identity(r)))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id": st.RoomID,
		"state":   st,
	}, http.StatusCreated)
}

// joinGame 加入等待中的房間
func (h *Handler) joinGame(w http.ResponseWriter, r *http.Request) {
	var req joinGameRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	st, err := h.games.Join(r.Context(), r.PathValue("room_id"), player(identity(r)), req.Password)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"state": st}, http.StatusOK)
}

// makeMove 落子；帶 turn 的重送會被去重，回傳 duplicate: true
func (h *Handler) makeMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if req.Row == nil || req.Col == nil {
		h.errorResponse(w, r, errMissingCell)
		return
	}

	id := identity(r)
	res, err := h.games.Move(r.Context(), r.PathValue("room_id"), game.MoveInput{
		UserID: id.UserID,
		Level:  id.Level,
		Row:    *req.Row,
		Col:    *req.Col,
		Turn:   req.Turn,
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, res, http.StatusOK)
}

// forfeit 認輸
func (h *Handler) forfeit(w http.ResponseWriter, r *http.Request) {
	st, err := h.games.Forfeit(r.Context(), r.PathValue("room_id"), identity(r).UserID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"state": st}, http.StatusOK)
}

// leaveGame 離開等待中的房間
func (h *Handler) leaveGame(w http.ResponseWriter, r *http.Request) {
	st, err := h.games.Leave(r.Context(), r.PathValue("room_id"), identity(r).UserID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"state": st}, http.StatusOK)
}

// rematch 請求再戰；雙方都請求後回傳新房間
func (h *Handler) rematch(w http.ResponseWriter, r *http.Request) {
	st, err := h.games.Rematch(r.Context(), r.PathValue("room_id"), identity(r).UserID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"state": st}, http.StatusOK)
}

// getGame 房間目前的完整狀態
func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	st, err := h.games.State(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"state": st}, http.StatusOK)
}

// activeGames 使用者尚未結束的房間，客戶端遺失房間時以此恢復
func (h *Handler) activeGames(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"games": h.games.ActiveGames(identity(r).UserID),
	}, http.StatusOK)
}

// openGames 大廳的公開等待房間
func (h *Handler) openGames(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)

	games, total := h.games.OpenGames(page, limit)
	h.jsonResponse(w, map[string]any{
		"games": games,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// gameRecord 封存的對局
func (h *Handler) gameRecord(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeUnavailable, "game archive is disabled"))
		return
	}

	rec, err := h.archive.GetGame(r.Context(), r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, rec, http.StatusOK)
}

// history 使用者最近的封存對局
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeUnavailable, "game archive is disabled"))
		return
	}

	records, err := h.archive.ListByUser(r.Context(), identity(r).UserID, queryInt(r, "limit", 20))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"games": records}, http.StatusOK)
}
