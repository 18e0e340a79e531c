package handler

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/tictactoe/internal/auth"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// loggerMiddleware 日誌中間件，並為每個請求產生 request id
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r.WithContext(ctx))

		h.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	}
}

// authenticate 驗證 Bearer token，把身分放入 context
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			h.errorResponse(w, r, apperrors.ErrUnauthorized)
			return
		}

		id, err := h.tokens.ValidateToken(token)
		if err != nil {
			h.errorResponse(w, r, err)
			return
		}

		ctx := auth.WithIdentity(r.Context(), id)
		ctx = logger.WithUserID(ctx, id.UserID)
		next(w, r.WithContext(ctx))
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要底層連線
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
