// Package ratelimit 依帳號等級調整的動作限流
//
// 預算只由 (類別, 等級) 計算，不儲存；計數由 Store 以滑動視窗保存。
// 各類別的 key 與視窗互相獨立，耗盡一個類別不影響其他類別。
package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Category 動作類別
type Category string

const (
	CategoryMove          Category = "move"
	CategoryQueueJoin     Category = "queue_join"
	CategoryChat          Category = "chat"
	CategoryFriendRequest Category = "friend_request"
	CategoryProfileUpdate Category = "profile_update"
)

// Categories 所有類別（固定順序）
var Categories = []Category{
	CategoryMove,
	CategoryQueueJoin,
	CategoryChat,
	CategoryFriendRequest,
	CategoryProfileUpdate,
}

// ParseCategory 解析類別名稱
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown rate limit category %q", s)
}

// Budget 視窗內允許的動作數
type Budget struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// DefaultBudgets 等級 1 的基礎預算
func DefaultBudgets() map[Category]Budget {
	return map[Category]Budget{
		CategoryMove:          {Limit: 30, Window: 10 * time.Second},
		CategoryQueueJoin:     {Limit: 5, Window: time.Minute},
		CategoryChat:          {Limit: 10, Window: 10 * time.Second},
		CategoryFriendRequest: {Limit: 10, Window: time.Hour},
		CategoryProfileUpdate: {Limit: 5, Window: 10 * time.Minute},
	}
}

// Policy 預算計算規則
//
// limit(level) = floor(base * min(1 + PerLevelBonus*(level-1), MaxMultiplier))
type Policy struct {
	Base          map[Category]Budget
	PerLevelBonus float64
	MaxMultiplier float64
}

// DefaultPolicy 每級 +6%，上限 2 倍
func DefaultPolicy() Policy {
	return Policy{
		Base:          DefaultBudgets(),
		PerLevelBonus: 0.06,
		MaxMultiplier: 2.0,
	}
}

// Multiplier 等級倍率；等級小於 1 視為 1
func (p Policy) Multiplier(level int) float64 {
	if level < 1 {
		level = 1
	}
	m := 1 + p.PerLevelBonus*float64(level-1)
	if p.MaxMultiplier >= 1 && m > p.MaxMultiplier {
		m = p.MaxMultiplier
	}
	return m
}

// BudgetFor 計算 (類別, 等級) 的預算
func (p Policy) BudgetFor(category Category, level int) (Budget, error) {
	base, ok := p.Base[category]
	if !ok {
		return Budget{}, fmt.Errorf("no budget for category %q", category)
	}

	// 加上極小值避免 0.06*n 的浮點誤差把整數結果往下截
	limit := int(math.Floor(float64(base.Limit)*p.Multiplier(level) + 1e-9))
	if limit < 1 {
		limit = 1
	}

	return Budget{Limit: limit, Window: base.Window}, nil
}
