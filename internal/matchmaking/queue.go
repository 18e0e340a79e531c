// Package matchmaking 技能分組的配對佇列
//
// 佇列由單一互斥鎖保護，加入、取消與整個配對回合互斥：
// 已確認取消的玩家不會再被配對，已完成的配對也不會被遲到的取消撤銷。
package matchmaking

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// 每個分組保留的配對延遲樣本數
const latencySamples = 20

// Preferences 玩家的配對偏好
type Preferences struct {
	Mode        game.Mode `json:"mode"`
	StrictSkill bool      `json:"strict_skill"` // 只接受同一分組的對手
}

// Ticket 加入佇列的請求
type Ticket struct {
	UserID      string
	DisplayName string
	Level       int
	WinRate     float64
	GamesPlayed int
	Preferences Preferences
}

// Entry 佇列中的一筆等待
type Entry struct {
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Level       int         `json:"level"`
	Bucket      Bucket      `json:"skill_bucket"`
	Preferences Preferences `json:"preferences"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

func (e *Entry) player() game.Player {
	return game.Player{UserID: e.UserID, DisplayName: e.DisplayName, Level: e.Level}
}

// Status 使用者在佇列中的位置
type Status struct {
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	Bucket               Bucket `json:"skill_bucket"`
	Radius               int    `json:"radius"`
	WaitingSeconds       int    `json:"waiting_seconds"`
}

// Stats 佇列統計
type Stats struct {
	TotalWaiting       int            `json:"total_waiting"`
	AverageWaitSeconds float64        `json:"average_wait"`
	SkillDistribution  map[Bucket]int `json:"skill_distribution"`
}

// MatchFound match_found 事件內容
type MatchFound struct {
	RoomID string     `json:"room_id"`
	State  game.State `json:"state"`
}

// Notifier 使用者頻道的推送端，實作必須不阻塞
type Notifier interface {
	NotifyUser(userID string, event game.Event)
}

// Allocator 配對成功後建立房間
type Allocator interface {
	CreateMatch(ctx context.Context, cfg game.Config, x, o game.Player) (game.State, error)
	HasActiveGame(userID string) bool
}

// Options 佇列參數
type Options struct {
	WidenAfter time.Duration // 每等待這麼久放寬一級
	MaxRadius  int           // 放寬上限
	MaxWait    time.Duration // 超過即移出佇列

	Clock    clockwork.Clock
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type notification struct {
	userID string
	event  game.Event
}

// Queue 配對佇列
type Queue struct {
	mu        sync.Mutex
	entries   []*Entry // 依 EnqueuedAt 排序
	byUser    map[string]*Entry
	latencies map[Bucket][]time.Duration

	alloc      Allocator
	widenAfter time.Duration
	maxRadius  int
	maxWait    time.Duration
	clock      clockwork.Clock
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New 建立配對佇列
func New(alloc Allocator, opts Options) *Queue {
	if opts.WidenAfter <= 0 {
		opts.WidenAfter = 15 * time.Second
	}
	if opts.MaxRadius < 0 {
		opts.MaxRadius = 0
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Queue{
		byUser:     make(map[string]*Entry),
		latencies:  make(map[Bucket][]time.Duration),
		alloc:      alloc,
		widenAfter: opts.WidenAfter,
		maxRadius:  opts.MaxRadius,
		maxWait:    opts.MaxWait,
		clock:      opts.Clock,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Enqueue 加入佇列
func (q *Queue) Enqueue(ctx context.Context, t Ticket) (Entry, error) {
	if t.UserID == "" {
		return Entry{}, apperrors.New(apperrors.ErrCodeInvalidInput, "user id is required")
	}
	cfg, err := game.Config{Mode: t.Preferences.Mode}.Normalize()
	if err != nil {
		return Entry{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[t.UserID]; ok {
		return Entry{}, apperrors.ErrAlreadyQueued
	}
	if q.alloc.HasActiveGame(t.UserID) {
		return Entry{}, apperrors.ErrAlreadyInGame
	}

	e := &Entry{
		UserID:      t.UserID,
		DisplayName: t.DisplayName,
		Level:       t.Level,
		Bucket:      BucketFor(t.Level, t.WinRate, t.GamesPlayed),
		Preferences: Preferences{Mode: cfg.Mode, StrictSkill: t.Preferences.StrictSkill},
		EnqueuedAt:  q.clock.Now(),
	}
	q.entries = append(q.entries, e)
	q.byUser[e.UserID] = e
	q.metrics.SetQueueWaiting(len(q.entries))

	q.logger.InfoContext(ctx, "player enqueued",
		"user_id", e.UserID,
		"bucket", e.Bucket,
		"mode", e.Preferences.Mode)

	return *e, nil
}

// Dequeue 取消排隊；已被配對或從未排隊返回 NOT_QUEUED
func (q *Queue) Dequeue(userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[userID]; !ok {
		return apperrors.ErrNotQueued
	}
	q.remove(userID)
	q.logger.Info("player dequeued", "user_id", userID)
	return nil
}

// Pass 執行一次配對回合，返回配對成功的組數
//
// 先移除等待超過 MaxWait 的玩家，再依加入順序為每個未配對的玩家
// 找等待最久的相容對手。房間建立失敗時兩人都留在佇列；
// 入列後已經進入其他對局的玩家會被移出佇列。
func (q *Queue) Pass(ctx context.Context) int {
	var outbox []notification
	pairs := q.pass(ctx, &outbox)
	q.deliver(outbox)
	return pairs
}

func (q *Queue) pass(ctx context.Context, outbox *[]notification) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.expire(now, outbox)

	pairs := 0
	paired := make(map[string]bool)
	busy := make(map[string]bool)
	for i, a := range q.entries {
		if paired[a.UserID] || busy[a.UserID] {
			continue
		}
		for _, b := range q.entries[i+1:] {
			if paired[b.UserID] || busy[b.UserID] || !q.compatible(a, b, now) {
				continue
			}
			if q.inGame(a, busy, outbox) {
				break
			}
			if q.inGame(b, busy, outbox) {
				continue
			}

			st, err := q.alloc.CreateMatch(ctx, game.Config{Mode: a.Preferences.Mode}, a.player(), b.player())
			if err != nil {
				q.logger.ErrorContext(ctx, "allocate match room failed",
					"player_x", a.UserID,
					"player_o", b.UserID,
					"error", err)
				break
			}

			paired[a.UserID] = true
			paired[b.UserID] = true
			pairs++

			for _, e := range []*Entry{a, b} {
				wait := now.Sub(e.EnqueuedAt)
				q.recordLatency(e.Bucket, wait)
				q.metrics.ObserveMatchWait(wait)
				*outbox = append(*outbox, notification{
					userID: e.UserID,
					event:  game.Event{Type: game.EventMatchFound, Data: MatchFound{RoomID: st.RoomID, State: st}},
				})
			}

			q.logger.InfoContext(ctx, "match found",
				"room_id", st.RoomID,
				"player_x", a.UserID,
				"player_o", b.UserID,
				"bucket_x", a.Bucket,
				"bucket_o", b.Bucket)
			break
		}
	}

	for userID := range paired {
		q.remove(userID)
	}
	for userID := range busy {
		q.remove(userID)
	}
	return pairs
}

// inGame 配對前再確認玩家沒有進行中的對局，有則標記待移除並通知（需持有鎖）
func (q *Queue) inGame(e *Entry, busy map[string]bool, outbox *[]notification) bool {
	if busy[e.UserID] {
		return true
	}
	if !q.alloc.HasActiveGame(e.UserID) {
		return false
	}
	busy[e.UserID] = true
	*outbox = append(*outbox, notification{userID: e.UserID, event: game.NewErrorEvent(apperrors.ErrAlreadyInGame)})
	q.logger.Info("queue entry dropped, player already in a game", "user_id", e.UserID)
	return true
}

// expire 移除等待過久的玩家（需持有鎖）
func (q *Queue) expire(now time.Time, outbox *[]notification) {
	for _, e := range slices.Clone(q.entries) {
		if now.Sub(e.EnqueuedAt) < q.maxWait {
			continue
		}
		q.remove(e.UserID)
		*outbox = append(*outbox, notification{userID: e.UserID, event: game.NewErrorEvent(apperrors.ErrQueueTimeout)})
		q.logger.Info("queue entry expired", "user_id", e.UserID, "bucket", e.Bucket)
	}
}

// Position 使用者在相容對手池中的名次（1 起算）
func (q *Queue) Position(userID string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byUser[userID]
	if !ok {
		return Status{}, apperrors.ErrNotQueued
	}
	return q.status(e, q.clock.Now()), nil
}

// EstimateWait 分組最近配對延遲的平均值；沒有樣本時為 WidenAfter
func (q *Queue) EstimateWait(bucket Bucket) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimate(bucket)
}

// Stats 佇列統計
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	stats := Stats{
		TotalWaiting:      len(q.entries),
		SkillDistribution: make(map[Bucket]int, len(Buckets)),
	}
	for _, b := range Buckets {
		stats.SkillDistribution[b] = 0
	}

	var total time.Duration
	for _, e := range q.entries {
		stats.SkillDistribution[e.Bucket]++
		total += now.Sub(e.EnqueuedAt)
	}
	if len(q.entries) > 0 {
		stats.AverageWaitSeconds = (total / time.Duration(len(q.entries))).Seconds()
	}
	return stats
}

// BroadcastPositions 推送 queue_update 給每個排隊中的玩家
func (q *Queue) BroadcastPositions() int {
	q.mu.Lock()
	now := q.clock.Now()
	outbox := make([]notification, 0, len(q.entries))
	for _, e := range q.entries {
		outbox = append(outbox, notification{
			userID: e.UserID,
			event:  game.Event{Type: game.EventQueueUpdate, Data: q.status(e, now)},
		})
	}
	q.mu.Unlock()

	q.deliver(outbox)
	return len(outbox)
}

// Len 排隊人數
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// radius 依等待時間放寬的分組半徑
func (q *Queue) radius(e *Entry, now time.Time) int {
	if e.Preferences.StrictSkill {
		return 0
	}
	return min(q.maxRadius, int(now.Sub(e.EnqueuedAt)/q.widenAfter))
}

func (q *Queue) compatible(a, b *Entry, now time.Time) bool {
	if a.UserID == b.UserID || a.Preferences.Mode != b.Preferences.Mode {
		return false
	}
	r := max(q.radius(a, now), q.radius(b, now))
	if a.Preferences.StrictSkill || b.Preferences.StrictSkill {
		r = 0
	}
	return bucketDistance(a.Bucket, b.Bucket) <= r
}

// status 計算位置（需持有鎖）
func (q *Queue) status(e *Entry, now time.Time) Status {
	position := 1
	for _, other := range q.entries {
		if other == e {
			break
		}
		if q.compatible(e, other, now) {
			position++
		}
	}

	est := q.estimate(e.Bucket)
	return Status{
		Position:             position,
		EstimatedWaitSeconds: int((est + time.Second - 1) / time.Second),
		Bucket:               e.Bucket,
		Radius:               q.radius(e, now),
		WaitingSeconds:       int(now.Sub(e.EnqueuedAt) / time.Second),
	}
}

func (q *Queue) estimate(bucket Bucket) time.Duration {
	samples := q.latencies[bucket]
	if len(samples) == 0 {
		return q.widenAfter
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

func (q *Queue) recordLatency(bucket Bucket, d time.Duration) {
	samples := append(q.latencies[bucket], d)
	if len(samples) > latencySamples {
		samples = samples[len(samples)-latencySamples:]
	}
	q.latencies[bucket] = samples
}

// remove 從佇列移除（需持有鎖）
func (q *Queue) remove(userID string) {
	delete(q.byUser, userID)
	q.entries = slices.DeleteFunc(q.entries, func(e *Entry) bool {
		return e.UserID == userID
	})
	q.metrics.SetQueueWaiting(len(q.entries))
}

func (q *Queue) deliver(outbox []notification) {
	if q.notifier == nil {
		return
	}
	for _, n := range outbox {
		q.notifier.NotifyUser(n.userID, n.event)
	}
}
