package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

const readyTimeout = 2 * time.Second

// listLimits 使用者在各類別的預算與剩餘額度
func (h *Handler) listLimits(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	budgets, err := h.limiter.Budgets(r.Context(), id.UserID, id.Level)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"level":   id.Level,
		"budgets": budgets,
	}, http.StatusOK)
}

// consumeLimit 外部服務（好友、個人資料）在執行動作前消耗一次額度
func (h *Handler) consumeLimit(w http.ResponseWriter, r *http.Request) {
	category, err := ratelimit.ParseCategory(r.PathValue("category"))
	if err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "unknown action category"))
		return
	}

	id := identity(r)
	res, err := h.limiter.Allow(r.Context(), id.UserID, category, id.Level)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		h.errorResponse(w, r, &ratelimit.LimitError{Category: category, RetryAfter: res.RetryAfter})
		return
	}

	h.jsonResponse(w, map[string]any{
		"allowed":   true,
		"limit":     res.Limit,
		"remaining": res.Remaining,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// ready 依序檢查外部依賴，任一失敗返回 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	result := "ready"
	if status != http.StatusOK {
		result = "not_ready"
	}
	h.jsonResponse(w, map[string]any{
		"status": result,
		"checks": checks,
	}, status)
}

// stats 房間、佇列與連線統計
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"games": h.games.Stats(),
		"queue": h.queue.Stats(),
	}
	if h.hub != nil {
		rooms, queue := h.hub.Connections()
		resp["connections"] = map[string]int{
			"rooms": rooms,
			"queue": queue,
		}
	}
	h.jsonResponse(w, resp, http.StatusOK)
}
