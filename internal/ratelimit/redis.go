package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisStore 分散式滑動視窗（Sorted Set）
//
//	ZADD key <now_ms> <request_id>
//	ZREMRANGEBYSCORE 清理視窗外紀錄，ZCARD 計數
//
// 多個服務實例共用同一份計數。
type RedisStore struct {
	client *redis.Client
	script *redis.Script
	clock  clockwork.Clock
}

// KEYS[1]: sorted set key
// ARGV[1]: 視窗大小（毫秒）
// ARGV[2]: 額度
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 請求 ID
// ARGV[5]: 1 = 消耗額度, 0 = 只查詢
//
// 返回 {allowed, remaining, retry_after_ms}
const slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local request_id = ARGV[4]
local consume = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    if consume == 1 then
        redis.call('ZADD', key, now, request_id)
        redis.call('PEXPIRE', key, window)
        count = count + 1
    end
    return {1, limit - count, 0}
end

local retry_after = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
    retry_after = tonumber(oldest[2]) + window - now
end
return {0, 0, retry_after}
`

// NewRedisStore 建立 Redis 後端
func NewRedisStore(client *redis.Client, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		clock:  clock,
	}
}

// Allow 實作 Store
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return s.run(ctx, key, limit, window, true)
}

// Peek 實作 Store
func (s *RedisStore) Peek(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return s.run(ctx, key, limit, window, false)
}

func (s *RedisStore) run(ctx context.Context, key string, limit int, window time.Duration, consume bool) (Result, error) {
	consumeFlag := 0
	if consume {
		consumeFlag = 1
	}

	// member 必須唯一，避免同一毫秒的請求互相覆蓋
	values, err := s.script.Run(ctx, s.client, []string{key},
		window.Milliseconds(),
		limit,
		s.clock.Now().UnixMilli(),
		uuid.New().String(),
		consumeFlag,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("redis sliding window: unexpected reply %v", values)
	}

	return Result{
		Allowed:    values[0] == 1,
		Limit:      limit,
		Remaining:  int(values[1]),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
