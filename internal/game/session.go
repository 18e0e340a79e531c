package game

import (
	"crypto/subtle"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/board"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// seat 座位內部狀態；nil 代表空位
type seat struct {
	player  Player
	conns   int             // 目前的訂閱連線數
	grace   clockwork.Timer // 寬限計時器，斷線或輪到未連線的一方時啟動
	dropped bool            // 曾有連線並全部中斷
	seen    bool            // 曾連線或落子
}

// sessionEnv Session 共用的依賴，由 Registry 注入
type sessionEnv struct {
	clock       clockwork.Clock
	broadcaster Broadcaster
	gracePeriod time.Duration
	onFinish    func(State)
	onGrace     func(roomID, userID string)
}

// Session 單一房間的權威狀態
//
// 所有欄位由 mu 保護。計時器回呼同樣取得 mu，
// 並以建立時的回合數判斷自己是否已過期。
type Session struct {
	mu  sync.Mutex
	env *sessionEnv

	id     string
	cfg    Config
	source Source

	status  Status
	seats   [2]*seat
	board   board.Board
	moves   []Move
	winner  *string
	reason  Reason
	winLine []board.Position

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	moveTimer    clockwork.Timer
	turnDeadline time.Time
	gameTimer    clockwork.Timer
	gameDeadline time.Time

	rematchOf       string
	rematchRoomID   string
	rematchRequests []string
	rematchPending  bool

	evicted bool
}

func newSession(env *sessionEnv, id string, cfg Config, source Source) *Session {
	return &Session{
		env:       env,
		id:        id,
		cfg:       cfg,
		source:    source,
		status:    StatusWaiting,
		createdAt: env.clock.Now(),
	}
}

// ID 房間 ID
func (s *Session) ID() string {
	return s.id
}

// State 當前快照
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, apperrors.ErrRoomNotFound
	}
	return s.snapshot(), nil
}

// Join 入座下一個空位
//
// 已在座的使用者重複加入直接返回當前狀態。第二個座位入座時
// 觸發 waiting → active，依序廣播 player_joined 與完整狀態。
func (s *Session) Join(p Player, password string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, apperrors.ErrRoomNotFound
	}
	if s.seatIndex(p.UserID) >= 0 {
		return s.snapshot(), nil
	}
	if s.status != StatusWaiting {
		if s.status == StatusActive {
			return State{}, apperrors.ErrRoomFull
		}
		return State{}, apperrors.ErrNotWaiting
	}
	if s.cfg.Password != "" && subtle.ConstantTimeCompare([]byte(s.cfg.Password), []byte(password)) != 1 {
		return State{}, apperrors.ErrWrongPassword
	}

	idx := s.emptySeat()
	if idx < 0 {
		return State{}, apperrors.ErrRoomFull
	}
	s.seats[idx] = &seat{player: p}

	s.env.broadcaster.BroadcastRoom(s.id, Event{
		Type: EventPlayerJoined,
		Data: map[string]any{"player": s.seatView(idx)},
	})

	if s.emptySeat() < 0 {
		s.activate()
	}

	return s.snapshot(), nil
}

// Leave 離開等待中的房間
//
// 等待中只有建立者在座，離開即取消房間。
func (s *Session) Leave(userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, apperrors.ErrRoomNotFound
	}
	idx := s.seatIndex(userID)
	if idx < 0 {
		return State{}, apperrors.ErrNotSeated
	}
	if s.status != StatusWaiting {
		return State{}, apperrors.ErrNotWaiting
	}

	s.stopGrace(idx)
	s.seats[idx] = nil
	s.env.broadcaster.BroadcastRoom(s.id, Event{
		Type: EventPlayerLeft,
		Data: map[string]any{"user_id": userID, "reason": "left"},
	})

	if s.seats[0] == nil && s.seats[1] == nil {
		s.finish(StatusAbandoned, ReasonCancelled, nil, nil)
	}

	return s.snapshot(), nil
}

// Move 落子
//
// 去重規則：Turn 小於目前回合數且該回合是同一使用者下的，視為重送，
// 返回目前狀態且 Duplicate=true；該回合屬於對手則為 NOT_YOUR_TURN；
// Turn 超前則為 INVALID_TURN。被拒絕的落子不改變任何狀態。
// 接下來輪到的一方若沒有訂閱連線，必須在寬限期內連線或落子。
func (s *Session) Move(in MoveInput) (MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return MoveResult{}, apperrors.ErrRoomNotFound
	}
	idx := s.seatIndex(in.UserID)
	if idx < 0 {
		return MoveResult{}, apperrors.ErrNotSeated
	}

	if in.Turn != nil {
		turn := *in.Turn
		switch {
		case turn < 0 || turn > len(s.moves):
			return MoveResult{}, apperrors.ErrInvalidTurn
		case turn < len(s.moves):
			if s.moves[turn].UserID == in.UserID {
				return MoveResult{State: s.snapshot(), Duplicate: true}, nil
			}
			return MoveResult{}, apperrors.ErrNotYourTurn
		}
	}

	if s.status != StatusActive {
		return MoveResult{}, apperrors.ErrNotActive
	}

	symbol := symbolFor(idx)
	if symbol != board.NextTurn(s.board) {
		return MoveResult{}, apperrors.ErrNotYourTurn
	}

	next, err := board.Apply(s.board, in.Row, in.Col, symbol)
	if err != nil {
		return MoveResult{}, err
	}

	now := s.env.clock.Now()
	s.board = next
	s.moves = append(s.moves, Move{
		Seq:      len(s.moves) + 1,
		Symbol:   symbol,
		Row:      in.Row,
		Col:      in.Col,
		UserID:   in.UserID,
		PlayedAt: now,
	})
	s.seats[idx].seen = true

	outcome := board.DetectOutcome(s.board)
	switch outcome.Result {
	case board.Win:
		winner := in.UserID
		s.finish(StatusCompleted, ReasonWin, &winner, outcome.Line)
	case board.Draw:
		s.finish(StatusCompleted, ReasonDraw, nil, nil)
	default:
		s.stopGrace(idx)
		s.armGrace(1 - idx)
		s.armMoveTimer()
		s.broadcastState()
	}

	return MoveResult{State: s.snapshot()}, nil
}

// Forfeit 認輸
//
// 對局中認輸由對手獲勝；等待中由建立者認輸則取消房間且沒有勝者。
func (s *Session) Forfeit(userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, apperrors.ErrRoomNotFound
	}
	idx := s.seatIndex(userID)
	if idx < 0 {
		return State{}, apperrors.ErrNotSeated
	}

	switch s.status {
	case StatusActive:
		winner := s.seats[1-idx].player.UserID
		s.finish(StatusAbandoned, ReasonForfeit, &winner, nil)
	case StatusWaiting:
		s.finish(StatusAbandoned, ReasonForfeit, nil, nil)
	default:
		return State{}, apperrors.ErrNotActive
	}

	return s.snapshot(), nil
}

// Abandon 以指定原因放棄對局，userID 為離開的一方
//
// 對局已不在進行中時不做任何事。
func (s *Session) Abandon(userID string, reason Reason) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, apperrors.ErrRoomNotFound
	}
	idx := s.seatIndex(userID)
	if idx < 0 {
		return State{}, apperrors.ErrNotSeated
	}
	if s.status == StatusActive {
		winner := s.seats[1-idx].player.UserID
		s.finish(StatusAbandoned, reason, &winner, nil)
	}
	return s.snapshot(), nil
}

// Connect 使用者新增一條訂閱連線，並在同一臨界區內呼叫 attach
//
// attach 收到的狀態與之後的廣播之間沒有空隙。連線會取消該座位的寬限計時器；
// 先前斷線過的使用者另外廣播 player_joined{reconnected: true}。
// 每次成功的 Connect 都必須對應一次 Disconnect。
func (s *Session) Connect(userID string, attach func(State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return apperrors.ErrRoomNotFound
	}
	idx := s.seatIndex(userID)
	if idx < 0 {
		return apperrors.ErrNotSeated
	}

	st := s.seats[idx]
	reconnected := st.dropped
	s.stopGrace(idx)
	st.conns++
	st.dropped = false
	st.seen = true

	attach(s.snapshot())

	if reconnected {
		s.env.broadcaster.BroadcastRoom(s.id, Event{
			Type: EventPlayerJoined,
			Data: map[string]any{"player": s.seatView(idx), "reconnected": true},
		})
	}
	return nil
}

// Disconnect 使用者關閉一條訂閱連線
//
// 最後一條連線關閉且對局進行中時，廣播 player_left 並啟動寬限計時器；
// 寬限期內未重連則放棄對局，由對手獲勝。
func (s *Session) Disconnect(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return
	}
	idx := s.seatIndex(userID)
	if idx < 0 {
		return
	}

	st := s.seats[idx]
	if st.conns > 0 {
		st.conns--
	}
	if st.conns > 0 || s.status != StatusActive || st.grace != nil {
		return
	}

	st.dropped = true
	s.env.broadcaster.BroadcastRoom(s.id, Event{
		Type: EventPlayerLeft,
		Data: map[string]any{"user_id": userID, "reason": "disconnected"},
	})
	s.armGrace(idx)
}

// armGrace 為沒有訂閱連線的座位啟動寬限計時器（需持有鎖）
//
// 已在計時中的座位不重設。
func (s *Session) armGrace(idx int) {
	st := s.seats[idx]
	if st == nil || st.conns > 0 || st.grace != nil {
		return
	}
	userID := st.player.UserID
	st.grace = s.env.clock.AfterFunc(s.env.gracePeriod, func() {
		s.expireGrace(userID, st)
	})
}

func (s *Session) expireGrace(userID string, armed *seat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.seatIndex(userID)
	if s.evicted || idx < 0 || s.seats[idx] != armed || armed.grace == nil {
		return
	}
	armed.grace = nil
	if s.status != StatusActive || armed.conns > 0 {
		return
	}

	// 雙方都不曾出現時沒有勝者
	var winner *string
	if opp := s.seats[1-idx]; opp.seen {
		w := opp.player.UserID
		winner = &w
	}
	s.finish(StatusAbandoned, ReasonDisconnect, winner, nil)
	if s.env.onGrace != nil {
		s.env.onGrace(s.id, userID)
	}
}

// RequestRematch 終局後請求再戰
//
// ready 為 true 表示雙方都已請求，呼叫者負責建立新房間並呼叫 linkRematch。
// 每個房間只會返回一次 ready。
func (s *Session) RequestRematch(userID string) (state State, ready bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return State{}, false, apperrors.ErrRoomNotFound
	}
	if s.seatIndex(userID) < 0 {
		return State{}, false, apperrors.ErrNotSeated
	}
	if !s.status.Terminal() || s.seats[0] == nil || s.seats[1] == nil {
		return State{}, false, apperrors.ErrRematchUnavailable
	}
	if s.rematchRoomID != "" || s.rematchPending {
		return s.snapshot(), false, nil
	}

	if !slices.Contains(s.rematchRequests, userID) {
		s.rematchRequests = append(s.rematchRequests, userID)
		s.env.broadcaster.BroadcastRoom(s.id, Event{
			Type: EventRematchRequested,
			Data: map[string]any{"user_id": userID, "requests": slices.Clone(s.rematchRequests)},
		})
	}

	if len(s.rematchRequests) == 2 {
		s.rematchPending = true
		return s.snapshot(), true, nil
	}
	return s.snapshot(), false, nil
}

// linkRematch 記錄再戰房間並通知雙方；newID 為空代表建立失敗，允許重試
func (s *Session) linkRematch(newID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rematchPending = false
	if newID == "" {
		return s.snapshot()
	}

	s.rematchRoomID = newID
	s.env.broadcaster.BroadcastRoom(s.id, Event{
		Type: EventRematchReady,
		Data: map[string]any{"room_id": newID},
	})
	return s.snapshot()
}

// rematchSeed 再戰房間沿用的設定（含密碼）與雙方玩家
func (s *Session) rematchSeed() (cfg Config, x, o Player) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg = s.cfg
	if s.seats[0] != nil {
		x = s.seats[0].player
	}
	if s.seats[1] != nil {
		o = s.seats[1].player
	}
	return cfg, x, o
}

// evictIfExpired 在房間鎖內判斷是否過期並標記；呼叫者持有 remove 時才從表中刪除
func (s *Session) evictIfExpired(now time.Time, joinTimeout, retention time.Duration, remove func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return false
	}

	expired := false
	switch {
	case s.status == StatusWaiting:
		expired = now.Sub(s.createdAt) > joinTimeout
	case s.status.Terminal():
		expired = now.Sub(s.endedAt) > retention
	}
	if !expired {
		return false
	}

	s.evict()
	remove()
	return true
}

// evict 標記回收並停止所有計時器（需持有鎖）
func (s *Session) evict() {
	s.evicted = true
	s.stopTimers()
	for i := range s.seats {
		s.stopGrace(i)
	}
	s.env.broadcaster.CloseRoom(s.id)
}

// shutdown 停止計時器，用於服務關閉
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimers()
	for i := range s.seats {
		s.stopGrace(i)
	}
}

// activate waiting → active（需持有鎖）
//
// 先手沒有訂閱連線時同樣啟動寬限計時器。
func (s *Session) activate() {
	s.status = StatusActive
	s.startedAt = s.env.clock.Now()

	if s.cfg.TimeLimit.Kind == TimeLimitPerGame {
		d := s.cfg.TimeLimit.Duration()
		s.gameDeadline = s.startedAt.Add(d)
		s.gameTimer = s.env.clock.AfterFunc(d, s.expireGame)
	}
	s.armMoveTimer()
	s.armGrace(0)

	s.broadcastState()
}

// armMoveTimer 每回合重設落子計時（需持有鎖）
func (s *Session) armMoveTimer() {
	if s.cfg.TimeLimit.Kind != TimeLimitPerMove {
		return
	}
	if s.moveTimer != nil {
		s.moveTimer.Stop()
	}

	d := s.cfg.TimeLimit.Duration()
	turn := len(s.moves)
	s.turnDeadline = s.env.clock.Now().Add(d)
	s.moveTimer = s.env.clock.AfterFunc(d, func() {
		s.expireMove(turn)
	})
}

// expireMove 回合逾時，未落子的一方判負
func (s *Session) expireMove(turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted || s.status != StatusActive || len(s.moves) != turn {
		return
	}

	loser := 0
	if board.NextTurn(s.board) == board.O {
		loser = 1
	}
	winner := s.seats[1-loser].player.UserID
	s.finish(StatusAbandoned, ReasonMoveTimeout, &winner, nil)
}

// expireGame 整局時間用盡，以平手結束
func (s *Session) expireGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted || s.status != StatusActive {
		return
	}
	s.finish(StatusCompleted, ReasonTimeLimit, nil, nil)
}

// finish 進入終態（需持有鎖）
//
// 棋盤、落子與勝者自此凍結。
func (s *Session) finish(status Status, reason Reason, winner *string, line []board.Position) {
	s.status = status
	s.reason = reason
	s.winner = winner
	s.winLine = line
	s.endedAt = s.env.clock.Now()
	s.stopTimers()
	for i := range s.seats {
		s.stopGrace(i)
	}

	snap := s.snapshot()
	s.env.broadcaster.BroadcastRoom(s.id, Event{Type: EventGameState, Data: snap})
	s.env.broadcaster.BroadcastRoom(s.id, Event{
		Type: EventGameOver,
		Data: GameOver{State: snap, Winner: snap.Winner, Reason: reason},
	})

	if s.env.onFinish != nil {
		s.env.onFinish(snap)
	}
}

func (s *Session) stopTimers() {
	if s.moveTimer != nil {
		s.moveTimer.Stop()
		s.moveTimer = nil
	}
	s.turnDeadline = time.Time{}
	if s.gameTimer != nil {
		s.gameTimer.Stop()
		s.gameTimer = nil
	}
	s.gameDeadline = time.Time{}
}

func (s *Session) stopGrace(idx int) {
	if s.seats[idx] != nil && s.seats[idx].grace != nil {
		s.seats[idx].grace.Stop()
		s.seats[idx].grace = nil
	}
}

func (s *Session) broadcastState() {
	s.env.broadcaster.BroadcastRoom(s.id, Event{Type: EventGameState, Data: s.snapshot()})
}

func (s *Session) seatIndex(userID string) int {
	for i, st := range s.seats {
		if st != nil && st.player.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *Session) emptySeat() int {
	for i, st := range s.seats {
		if st == nil {
			return i
		}
	}
	return -1
}

func (s *Session) seatView(idx int) Seat {
	st := s.seats[idx]
	if st == nil {
		return Seat{}
	}
	return Seat{
		Occupied:    true,
		UserID:      st.player.UserID,
		DisplayName: st.player.DisplayName,
		Symbol:      symbolFor(idx),
		Connected:   st.conns > 0,
	}
}

// symbolFor 座位 0 固定為 X，座位 1 固定為 O
func symbolFor(idx int) board.Cell {
	if idx == 0 {
		return board.X
	}
	return board.O
}

// snapshot 複製當前狀態（需持有鎖）
func (s *Session) snapshot() State {
	st := State{
		RoomID:          s.id,
		Status:          s.status,
		Config:          s.cfg,
		HasPassword:     s.cfg.Password != "",
		Source:          s.source,
		Board:           s.board,
		Turn:            len(s.moves),
		Moves:           slices.Clone(s.moves),
		Reason:          s.reason,
		WinLine:         slices.Clone(s.winLine),
		CreatedAt:       s.createdAt,
		RematchOf:       s.rematchOf,
		RematchRoomID:   s.rematchRoomID,
		RematchRequests: slices.Clone(s.rematchRequests),
	}
	st.Config.Password = ""
	if st.Moves == nil {
		st.Moves = []Move{}
	}
	for i := range s.seats {
		st.Seats[i] = s.seatView(i)
	}
	if !s.status.Terminal() {
		st.CurrentTurn = board.NextTurn(s.board)
	}
	if s.winner != nil {
		w := *s.winner
		st.Winner = &w
	}
	if !s.turnDeadline.IsZero() {
		t := s.turnDeadline
		st.TurnDeadline = &t
	}
	if !s.gameDeadline.IsZero() {
		t := s.gameDeadline
		st.GameDeadline = &t
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		st.EndedAt = &t
	}
	return st
}
