package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	"github.com/koopa0/system-design/tictactoe/internal/testutils"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore 需要 Docker
func TestRedisStore(t *testing.T) {
	client := testutils.StartRedis(t)
	ctx := context.Background()

	t.Run("sliding window", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Now())
		store := ratelimit.NewRedisStore(client, clock)

		for i := 0; i < 3; i++ {
			res, err := store.Allow(ctx, "rl:test:window", 3, 10*time.Second)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2-i, res.Remaining)
			clock.Advance(time.Second)
		}

		res, err := store.Allow(ctx, "rl:test:window", 3, 10*time.Second)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 7*time.Second, res.RetryAfter)

		clock.Advance(7 * time.Second)
		res, err = store.Allow(ctx, "rl:test:window", 3, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("peek does not consume", func(t *testing.T) {
		store := ratelimit.NewRedisStore(client, nil)

		res, err := store.Peek(ctx, "rl:test:peek", 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Remaining)

		res, err = store.Peek(ctx, "rl:test:peek", 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Remaining)
	})

	t.Run("limiter shares counts across instances", func(t *testing.T) {
		a := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewRedisStore(client, nil), logger.Discard(), nil)
		b := ratelimit.New(ratelimit.DefaultPolicy(), ratelimit.NewRedisStore(client, nil), logger.Discard(), nil)

		for i := 0; i < 5; i++ {
			limiter := a
			if i%2 == 1 {
				limiter = b
			}
			require.NoError(t, limiter.Check(ctx, "shared", ratelimit.CategoryQueueJoin, 1))
		}
		assert.Error(t, a.Check(ctx, "shared", ratelimit.CategoryQueueJoin, 1))
		assert.Error(t, b.Check(ctx, "shared", ratelimit.CategoryQueueJoin, 1))
	})
}
