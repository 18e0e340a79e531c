package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore 單機滑動視窗
//
// 每個 key 記錄視窗內每次動作的時間，精確但記憶體隨額度成長；
// 額度都在數十以內，足夠使用。
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	clock   clockwork.Clock
}

type slidingWindow struct {
	span time.Duration
	hits []time.Time
}

// NewMemoryStore 建立單機後端
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		windows: make(map[string]*slidingWindow),
		clock:   clock,
	}
}

// Allow 實作 Store
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	return s.check(key, limit, window, true), nil
}

// Peek 實作 Store
func (s *MemoryStore) Peek(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	return s.check(key, limit, window, false), nil
}

func (s *MemoryStore) check(key string, limit int, window time.Duration, consume bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	w, ok := s.windows[key]
	if !ok {
		if !consume {
			return Result{Allowed: true, Limit: limit, Remaining: limit}
		}
		w = &slidingWindow{span: window, hits: make([]time.Time, 0, limit)}
		s.windows[key] = w
	}
	w.span = window
	w.prune(now)

	if len(w.hits) < limit {
		if consume {
			w.hits = append(w.hits, now)
		}
		return Result{Allowed: true, Limit: limit, Remaining: limit - len(w.hits)}
	}

	return Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: w.hits[0].Add(window).Sub(now),
	}
}

// prune 移除視窗外的紀錄（hits 依時間遞增）
func (w *slidingWindow) prune(now time.Time) {
	windowStart := now.Add(-w.span)
	idx := 0
	for idx < len(w.hits) && !w.hits[idx].After(windowStart) {
		idx++
	}
	if idx > 0 {
		w.hits = append(w.hits[:0], w.hits[idx:]...)
	}
}

// Sweep 刪除已完全過期的 key，返回刪除數量
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, w := range s.windows {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len 追蹤中的 key 數量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
