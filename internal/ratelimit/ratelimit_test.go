package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPolicy_BudgetFor 測試等級倍率
func TestPolicy_BudgetFor(t *testing.T) {
	policy := ratelimit.DefaultPolicy()

	tests := []struct {
		name     string
		category ratelimit.Category
		level    int
		expected int
	}{
		{name: "level 1 gets base", category: ratelimit.CategoryMove, level: 1, expected: 30},
		{name: "level 0 treated as 1", category: ratelimit.CategoryMove, level: 0, expected: 30},
		{name: "negative level treated as 1", category: ratelimit.CategoryChat, level: -5, expected: 10},
		{name: "level 2 gets +6%", category: ratelimit.CategoryMove, level: 2, expected: 31},
		{name: "level 11 gets +60%", category: ratelimit.CategoryChat, level: 11, expected: 16},
		{name: "level 17 hits the cap", category: ratelimit.CategoryMove, level: 17, expected: 58},
		{name: "level 18 capped at 2x", category: ratelimit.CategoryMove, level: 18, expected: 60},
		{name: "level 100 capped at 2x", category: ratelimit.CategoryQueueJoin, level: 100, expected: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget, err := policy.BudgetFor(tt.category, tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, budget.Limit)
			assert.Equal(t, ratelimit.DefaultBudgets()[tt.category].Window, budget.Window)
		})
	}
}

// TestPolicy_MonotonicAndCapped 預算隨等級單調不減，且不超過上限
func TestPolicy_MonotonicAndCapped(t *testing.T) {
	policy := ratelimit.DefaultPolicy()

	for _, category := range ratelimit.Categories {
		base := ratelimit.DefaultBudgets()[category].Limit
		prev := 0
		for level := 1; level <= 200; level++ {
			budget, err := policy.BudgetFor(category, level)
			require.NoError(t, err)
			require.GreaterOrEqual(t, budget.Limit, prev, "category %s level %d", category, level)
			require.LessOrEqual(t, budget.Limit, 2*base, "category %s level %d", category, level)
			prev = budget.Limit
		}
		assert.Equal(t, 2*base, prev)
	}
}

func TestPolicy_UnknownCategory(t *testing.T) {
	_, err := ratelimit.DefaultPolicy().BudgetFor("teleport", 1)
	assert.Error(t, err)

	_, err = ratelimit.ParseCategory("teleport")
	assert.Error(t, err)

	c, err := ratelimit.ParseCategory("friend_request")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.CategoryFriendRequest, c)
}

// TestMemoryStore_SlidingWindow 測試滑動視窗
func TestMemoryStore_SlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := ratelimit.NewMemoryStore(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := store.Allow(ctx, "k", 3, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		clock.Advance(time.Second)
	}

	// 第 4 次被拒絕，最早的紀錄在 t=0，現在 t=3s
	res, err := store.Allow(ctx, "k", 3, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 7*time.Second, res.RetryAfter)

	// t=10s：t=0 的紀錄滑出視窗
	clock.Advance(7 * time.Second)
	res, err = store.Allow(ctx, "k", 3, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestMemoryStore_PeekDoesNotConsume(t *testing.T) {
	store := ratelimit.NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()

	res, err := store.Peek(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 0, store.Len(), "peek must not allocate state")

	_, _ = store.Allow(ctx, "k", 2, time.Minute)
	res, err = store.Peek(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := ratelimit.NewMemoryStore(clock)
	ctx := context.Background()

	_, _ = store.Allow(ctx, "short", 5, time.Second)
	_, _ = store.Allow(ctx, "long", 5, time.Hour)
	require.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

// TestLimiter_CategoriesIndependent 耗盡一個類別不影響其他類別
func TestLimiter_CategoriesIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewMemoryStore(clock), logger.Discard(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Check(ctx, "alice", ratelimit.CategoryQueueJoin, 1))
	}

	err := limiter.Check(ctx, "alice", ratelimit.CategoryQueueJoin, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	var limitErr *ratelimit.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ratelimit.CategoryQueueJoin, limitErr.Category)
	assert.Equal(t, time.Minute, limitErr.RetryAfter)

	// 其他類別、其他使用者不受影響
	assert.NoError(t, limiter.Check(ctx, "alice", ratelimit.CategoryMove, 1))
	assert.NoError(t, limiter.Check(ctx, "alice", ratelimit.CategoryChat, 1))
	assert.NoError(t, limiter.Check(ctx, "bob", ratelimit.CategoryQueueJoin, 1))
}

func TestLimiter_HigherLevelGetsMore(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewMemoryStore(clockwork.NewFakeClock()), logger.Discard(), nil)
	ctx := context.Background()

	count := func(user string, level int) int {
		n := 0
		for {
			res, err := limiter.Allow(ctx, user, ratelimit.CategoryQueueJoin, level)
			require.NoError(t, err)
			if !res.Allowed {
				return n
			}
			n++
		}
	}

	assert.Equal(t, 5, count("newbie", 1))
	assert.Equal(t, 8, count("regular", 11))
	assert.Equal(t, 10, count("veteran", 40))
}

// failingStore 模擬後端故障
type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("connection refused")
}

func (failingStore) Peek(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("connection refused")
}

func TestLimiter_FailsOpen(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultPolicy(), failingStore{}, logger.Discard(), nil)

	res, err := limiter.Allow(context.Background(), "alice", ratelimit.CategoryMove, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	statuses, err := limiter.Budgets(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, statuses, len(ratelimit.Categories))
}

func TestLimiter_Budgets(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewMemoryStore(clockwork.NewFakeClock()), logger.Discard(), nil)
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, "alice", ratelimit.CategoryChat, 1))

	statuses, err := limiter.Budgets(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, statuses, 5)
	for _, s := range statuses {
		if s.Category == ratelimit.CategoryChat {
			assert.Equal(t, 9, s.Remaining)
		} else {
			assert.Equal(t, s.Limit, s.Remaining)
		}
	}
}

// TestLimiter_Concurrent 並發下不超發
func TestLimiter_Concurrent(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewMemoryStore(clockwork.NewFakeClock()), logger.Discard(), nil)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(ctx, "alice", ratelimit.CategoryMove, 1) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(30), allowed.Load())
	assert.Equal(t, "rl:move:alice", ratelimit.Key(ratelimit.CategoryMove, "alice"))
	assert.Equal(t, "rate limited on chat, retry after 1s", fmt.Sprint(&ratelimit.LimitError{Category: ratelimit.CategoryChat, RetryAfter: time.Second}))
}
