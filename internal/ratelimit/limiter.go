package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// Result 一次檢查的結果
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Store 滑動視窗計數後端
type Store interface {
	// Allow 在視窗內尚有額度時記錄一次動作
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	// Peek 查詢剩餘額度，不消耗
	Peek(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// LimitError 限流拒絕，帶 retry-after 提示
type LimitError struct {
	Category   Category
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Category, e.RetryAfter)
}

// Unwrap 讓 errors.Is(err, apperrors.ErrRateLimited) 成立
func (e *LimitError) Unwrap() error {
	return apperrors.ErrRateLimited
}

// Limiter 限流器
type Limiter struct {
	policy  Policy
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New 建立限流器
func New(policy Policy, store Store, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	return &Limiter{
		policy:  policy,
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

// Key 限流 key，類別在前保證各類別互不影響
func Key(category Category, userID string) string {
	return fmt.Sprintf("rl:%s:%s", category, userID)
}

// Allow 檢查並消耗一次額度
//
// 後端錯誤時放行（可用性優先），只記錄日誌。
func (l *Limiter) Allow(ctx context.Context, userID string, category Category, level int) (Result, error) {
	budget, err := l.policy.BudgetFor(category, level)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "unknown action category")
	}

	res, err := l.store.Allow(ctx, Key(category, userID), budget.Limit, budget.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit store failed, allowing request",
			"category", category,
			"user_id", userID,
			"error", err)
		return Result{Allowed: true, Limit: budget.Limit, Remaining: budget.Limit}, nil
	}

	if !res.Allowed {
		l.metrics.RateLimited(string(category))
		l.logger.DebugContext(ctx, "rate limited",
			"category", category,
			"user_id", userID,
			"level", level,
			"limit", budget.Limit,
			"retry_after", res.RetryAfter)
	}

	return res, nil
}

// Check 與 Allow 相同，但被拒絕時返回 *LimitError
func (l *Limiter) Check(ctx context.Context, userID string, category Category, level int) error {
	res, err := l.Allow(ctx, userID, category, level)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &LimitError{Category: category, RetryAfter: res.RetryAfter}
	}
	return nil
}

// CategoryStatus 單一類別的預算與剩餘額度
type CategoryStatus struct {
	Category      Category `json:"category"`
	Limit         int      `json:"limit"`
	WindowSeconds float64  `json:"window_seconds"`
	Remaining     int      `json:"remaining"`
}

// Budgets 列出使用者在各類別的預算
func (l *Limiter) Budgets(ctx context.Context, userID string, level int) ([]CategoryStatus, error) {
	statuses := make([]CategoryStatus, 0, len(Categories))
	for _, category := range Categories {
		budget, err := l.policy.BudgetFor(category, level)
		if err != nil {
			continue
		}

		remaining := budget.Limit
		res, err := l.store.Peek(ctx, Key(category, userID), budget.Limit, budget.Window)
		if err != nil {
			l.logger.WarnContext(ctx, "rate limit peek failed", "category", category, "error", err)
		} else {
			remaining = res.Remaining
		}

		statuses = append(statuses, CategoryStatus{
			Category:      category,
			Limit:         budget.Limit,
			WindowSeconds: budget.Window.Seconds(),
			Remaining:     remaining,
		})
	}
	return statuses, nil
}
