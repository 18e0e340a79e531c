package game

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
)

// Options Registry 的依賴與時間參數
type Options struct {
	JoinTimeout   time.Duration // waiting 房間無人加入的保留時間
	Retention     time.Duration // 終局房間保留時間（再戰窗口）
	GracePeriod   time.Duration // 斷線寬限
	RecordTimeout time.Duration // 單次結果紀錄的逾時

	Clock       clockwork.Clock
	Broadcaster Broadcaster
	Limiter     RateLimiter
	Recorders   []ResultRecorder
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Registry 房間註冊表
//
// mu 只保護 rooms 這張表；房間內部狀態由各自的鎖保護。
// 鎖順序固定為「房間鎖 → 表鎖」，持有表鎖時不會去取房間鎖。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Session

	env         *sessionEnv
	joinTimeout time.Duration
	retention   time.Duration
	recordTO    time.Duration
	limiter     RateLimiter
	recorders   []ResultRecorder
	metrics     *metrics.Metrics
	logger      *slog.Logger

	recording sync.WaitGroup
}

// NewRegistry 建立房間註冊表
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = nopBroadcaster{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}

	r := &Registry{
		rooms:       make(map[string]*Session),
		joinTimeout: opts.JoinTimeout,
		retention:   opts.Retention,
		recordTO:    opts.RecordTimeout,
		limiter:     opts.Limiter,
		recorders:   opts.Recorders,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	r.env = &sessionEnv{
		clock:       opts.Clock,
		broadcaster: opts.Broadcaster,
		gracePeriod: opts.GracePeriod,
		onFinish:    r.finished,
		onGrace: func(roomID, userID string) {
			r.metrics.GraceExpired()
			r.logger.Info("grace period expired", "room_id", roomID, "user_id", userID)
		},
	}
	return r
}

// Create 建立等待中的房間，建立者坐 X
func (r *Registry) Create(ctx context.Context, cfg Config, creator Player) (State, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return State{}, err
	}

	s := newSession(r.env, generateID("room"), cfg, SourceLobby)
	s.seats[0] = &seat{player: creator}
	r.add(s)

	r.metrics.GameCreated(string(SourceLobby))
	r.logger.InfoContext(ctx, "room created",
		"room_id", s.id,
		"user_id", creator.UserID,
		"mode", cfg.Mode,
		"private", cfg.Private)

	return s.State()
}

// CreateMatch 建立雙方都已入座的房間，立即進入 active
func (r *Registry) CreateMatch(ctx context.Context, cfg Config, x, o Player) (State, error) {
	return r.createActive(ctx, cfg, x, o, SourceMatchmaking, "")
}

func (r *Registry) createActive(ctx context.Context, cfg Config, x, o Player, source Source, rematchOf string) (State, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return State{}, err
	}
	if x.UserID == "" || o.UserID == "" || x.UserID == o.UserID {
		return State{}, apperrors.New(apperrors.ErrCodeInvalidInput, "a match needs two distinct players")
	}

	s := newSession(r.env, generateID("room"), cfg, source)
	s.rematchOf = rematchOf
	s.seats[0] = &seat{player: x}
	s.seats[1] = &seat{player: o}

	s.mu.Lock()
	s.activate()
	st := s.snapshot()
	s.mu.Unlock()

	r.add(s)

	r.metrics.GameCreated(string(source))
	r.logger.InfoContext(ctx, "match room created",
		"room_id", s.id,
		"source", source,
		"player_x", x.UserID,
		"player_o", o.UserID)

	return st, nil
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.rooms[s.id] = s
	r.mu.Unlock()
}

// Get 取得房間
func (r *Registry) Get(roomID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.rooms[roomID]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return s, nil
}

// State 取得房間快照
func (r *Registry) State(roomID string) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}
	return s.State()
}

// Join 加入房間
func (r *Registry) Join(ctx context.Context, roomID string, p Player, password string) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}

	st, err := s.Join(p, password)
	if err != nil {
		return State{}, err
	}

	r.logger.InfoContext(ctx, "player joined", "room_id", roomID, "user_id", p.UserID, "status", st.Status)
	return st, nil
}

// Move 落子；進入房間前先檢查 move 類別的額度
func (r *Registry) Move(ctx context.Context, roomID string, in MoveInput) (MoveResult, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return MoveResult{}, err
	}

	if r.limiter != nil {
		if err := r.limiter.Check(ctx, in.UserID, ratelimit.CategoryMove, in.Level); err != nil {
			r.metrics.Move("rate_limited")
			return MoveResult{}, err
		}
	}

	res, err := s.Move(in)
	switch {
	case err != nil:
		r.metrics.Move("rejected")
		r.logger.DebugContext(ctx, "move rejected",
			"room_id", roomID,
			"user_id", in.UserID,
			"row", in.Row,
			"col", in.Col,
			"error", err)
	case res.Duplicate:
		r.metrics.Move("duplicate")
	default:
		r.metrics.Move("accepted")
	}
	return res, err
}

// Forfeit 認輸
func (r *Registry) Forfeit(ctx context.Context, roomID, userID string) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}
	st, err := s.Forfeit(userID)
	if err != nil {
		return State{}, err
	}
	r.logger.InfoContext(ctx, "player forfeited", "room_id", roomID, "user_id", userID)
	return st, nil
}

// Leave 離開等待中的房間
func (r *Registry) Leave(ctx context.Context, roomID, userID string) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}
	return s.Leave(userID)
}

// Abandon 以指定原因放棄對局
func (r *Registry) Abandon(ctx context.Context, roomID, userID string, reason Reason) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}
	return s.Abandon(userID, reason)
}

// Connect 訂閱者連上房間；attach 在房間鎖內收到完整狀態
func (r *Registry) Connect(roomID, userID string, attach func(State)) error {
	s, err := r.Get(roomID)
	if err != nil {
		return err
	}
	return s.Connect(userID, attach)
}

// Disconnect 使用者在房間的最後一條連線關閉
func (r *Registry) Disconnect(roomID, userID string) {
	s, err := r.Get(roomID)
	if err != nil {
		return
	}
	s.Disconnect(userID)
}

// Rematch 請求再戰
//
// 雙方都請求後建立座位互換的新房間（原本的 O 改執 X），
// 並在舊房間記錄新房間 ID、廣播 rematch_ready。返回舊房間的狀態。
func (r *Registry) Rematch(ctx context.Context, roomID, userID string) (State, error) {
	s, err := r.Get(roomID)
	if err != nil {
		return State{}, err
	}

	st, ready, err := s.RequestRematch(userID)
	if err != nil || !ready {
		return st, err
	}

	cfg, x, o := s.rematchSeed()
	next, err := r.createActive(ctx, cfg, o, x, SourceRematch, roomID)
	if err != nil {
		s.linkRematch("")
		return State{}, err
	}

	return s.linkRematch(next.RoomID), nil
}

// ActiveGames 使用者尚未結束的房間
func (r *Registry) ActiveGames(userID string) []State {
	games := make([]State, 0)
	for _, s := range r.sessions() {
		st, err := s.State()
		if err != nil || st.Status.Terminal() || !st.Seated(userID) {
			continue
		}
		games = append(games, st)
	}
	slices.SortFunc(games, func(a, b State) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return games
}

// HasActiveGame 使用者是否有進行中的對局
func (r *Registry) HasActiveGame(userID string) bool {
	for _, s := range r.sessions() {
		st, err := s.State()
		if err == nil && st.Status == StatusActive && st.Seated(userID) {
			return true
		}
	}
	return false
}

// OpenGames 公開的等待中房間，依建立時間排序並分頁（page 從 1 起算）
func (r *Registry) OpenGames(page, limit int) ([]Summary, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var open []Summary
	for _, s := range r.sessions() {
		st, err := s.State()
		if err != nil || st.Status != StatusWaiting || st.Config.Private {
			continue
		}
		host := ""
		if st.Seats[0].Occupied {
			host = st.Seats[0].DisplayName
		}
		open = append(open, Summary{
			RoomID:      st.RoomID,
			Host:        host,
			Mode:        st.Config.Mode,
			HasPassword: st.HasPassword,
			TimeLimit:   st.Config.TimeLimit,
			CreatedAt:   st.CreatedAt,
		})
	}
	slices.SortFunc(open, func(a, b Summary) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	total := len(open)
	start := (page - 1) * limit
	if start >= total {
		return []Summary{}, total
	}
	end := min(start+limit, total)
	return open[start:end], total
}

// Sweep 回收過期房間，返回回收數量
//
// 每個房間先取房間鎖判斷並標記，再取表鎖刪除，與進行中的操作串行。
func (r *Registry) Sweep() int {
	now := r.env.clock.Now()
	removed := 0

	for _, s := range r.sessions() {
		evicted := s.evictIfExpired(now, r.joinTimeout, r.retention, func() {
			r.mu.Lock()
			delete(r.rooms, s.id)
			r.mu.Unlock()
		})
		if evicted {
			removed++
			r.logger.Debug("room evicted", "room_id", s.id)
		}
	}

	if removed > 0 {
		r.logger.Info("rooms evicted", "count", removed)
	}
	return removed
}

// Stats 註冊表統計
type Stats struct {
	TotalRooms int            `json:"total_rooms"`
	ByStatus   map[Status]int `json:"by_status"`
	BySource   map[Source]int `json:"by_source"`
	Players    int            `json:"players"`
}

// Stats 依狀態與來源統計房間
func (r *Registry) Stats() Stats {
	stats := Stats{
		ByStatus: make(map[Status]int),
		BySource: make(map[Source]int),
	}
	for _, s := range r.sessions() {
		st, err := s.State()
		if err != nil {
			continue
		}
		stats.TotalRooms++
		stats.ByStatus[st.Status]++
		stats.BySource[st.Source]++
		if !st.Status.Terminal() {
			for _, seat := range st.Seats {
				if seat.Occupied {
					stats.Players++
				}
			}
		}
	}
	return stats
}

// ReportMetrics 更新房間數量指標
func (r *Registry) ReportMetrics() {
	stats := r.Stats()
	byStatus := make(map[string]int, 4)
	for _, status := range []Status{StatusWaiting, StatusActive, StatusCompleted, StatusAbandoned} {
		byStatus[string(status)] = stats.ByStatus[status]
	}
	r.metrics.SetSessions(byStatus)
}

// Stop 停止所有計時器並等待結果紀錄完成
func (r *Registry) Stop(ctx context.Context) error {
	for _, s := range r.sessions() {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		r.recording.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for result recorders: %w", ctx.Err())
	}
}

// sessions 表的快照；呼叫者在表鎖之外操作房間
func (r *Registry) sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Session, 0, len(r.rooms))
	for _, s := range r.rooms {
		list = append(list, s)
	}
	return list
}

// finished 終局回呼，在房間鎖內被呼叫，只做非阻塞的工作
func (r *Registry) finished(st State) {
	r.metrics.GameFinished(string(st.Reason))
	r.logger.Info("game finished",
		"room_id", st.RoomID,
		"status", st.Status,
		"reason", st.Reason,
		"moves", len(st.Moves))

	// 沒開始過的房間不封存也不發布
	if st.Reason == ReasonCancelled || !st.Seats[1].Occupied {
		return
	}

	for _, rec := range r.recorders {
		r.recording.Add(1)
		go func(rec ResultRecorder) {
			defer r.recording.Done()

			ctx, cancel := context.WithTimeout(context.Background(), r.recordTO)
			defer cancel()
			ctx = logger.WithRoomID(ctx, st.RoomID)

			if err := rec.RecordResult(ctx, st); err != nil {
				name := fmt.Sprintf("%T", rec)
				r.metrics.RecorderFailed(name)
				r.logger.ErrorContext(ctx, "record game result failed", "recorder", name, "error", err)
			}
		}(rec)
	}
}

// generateID 生成唯一 ID
func generateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 失敗時退回時間戳
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
