package handler

import (
	"net/http"

	"github.com/koopa0/system-design/tictactoe/internal/matchmaking"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// joinQueue 加入配對佇列，先消耗 queue_join 額度
func (h *Handler) joinQueue(w http.ResponseWriter, r *http.Request) {
	var prefs matchmaking.Preferences
	if err := decodeJSON(r, &prefs); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	id := identity(r)
	if h.limiter != nil {
		if err := h.limiter.Check(r.Context(), id.UserID, ratelimit.CategoryQueueJoin, id.Level); err != nil {
			h.errorResponse(w, r, err)
			return
		}
	}

	entry, err := h.queue.Enqueue(r.Context(), matchmaking.Ticket{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Level:       id.Level,
		WinRate:     id.WinRate,
		GamesPlayed: id.GamesPlayed,
		Preferences: prefs,
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"entry": entry}, http.StatusOK)
}

// leaveQueue 取消排隊；已被配對時返回 NOT_QUEUED
func (h *Handler) leaveQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Dequeue(identity(r).UserID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// queueStatus 目前位置；不在佇列時返回 null
func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Position(identity(r).UserID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotQueued {
			h.jsonResponse(w, nil, http.StatusOK)
			return
		}
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, status, http.StatusOK)
}

// queueStats 佇列統計
func (h *Handler) queueStats(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, h.queue.Stats(), http.StatusOK)
}
