package game_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/require"
)

var (
	alice = game.Player{UserID: "alice", DisplayName: "Alice", Level: 1}
	bob   = game.Player{UserID: "bob", DisplayName: "Bob", Level: 1}
	carol = game.Player{UserID: "carol", DisplayName: "Carol", Level: 1}
)

// fakeBroadcaster 記錄每個房間收到的事件
type fakeBroadcaster struct {
	mu     sync.Mutex
	events map[string][]game.Event
	closed []string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{events: make(map[string][]game.Event)}
}

func (b *fakeBroadcaster) BroadcastRoom(roomID string, event game.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[roomID] = append(b.events[roomID], event)
}

func (b *fakeBroadcaster) CloseRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, roomID)
}

func (b *fakeBroadcaster) types(roomID string) []game.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]game.EventType, 0, len(b.events[roomID]))
	for _, e := range b.events[roomID] {
		types = append(types, e.Type)
	}
	return types
}

func (b *fakeBroadcaster) reset(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, roomID)
}

func (b *fakeBroadcaster) closedRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// fakeRecorder 收集終局結果
type fakeRecorder struct {
	mu      sync.Mutex
	results []game.State
	err     error
}

func (r *fakeRecorder) RecordResult(_ context.Context, st game.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, st)
	return r.err
}

func (r *fakeRecorder) recorded() []game.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]game.State(nil), r.results...)
}

type testEnv struct {
	reg   *game.Registry
	clock *clockwork.FakeClock
	bc    *fakeBroadcaster
}

func newTestEnv(t *testing.T, configure ...func(*game.Options)) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bc := newFakeBroadcaster()
	opts := game.Options{
		JoinTimeout: 5 * time.Minute,
		Retention:   10 * time.Minute,
		GracePeriod: 30 * time.Second,
		Clock:       clock,
		Broadcaster: bc,
		Logger:      logger.Discard(),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	reg := game.NewRegistry(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Stop(ctx)
	})

	return &testEnv{reg: reg, clock: clock, bc: bc}
}

// startGame alice 建立、bob 加入，返回 active 房間
func (e *testEnv) startGame(t *testing.T, cfg game.Config) string {
	t.Helper()

	st, err := e.reg.Create(context.Background(), cfg, alice)
	require.NoError(t, err)
	st, err = e.reg.Join(context.Background(), st.RoomID, bob, cfg.Password)
	require.NoError(t, err)
	require.Equal(t, game.StatusActive, st.Status)
	return st.RoomID
}

// play 依序落子，奇數手 alice、偶數手 bob
func (e *testEnv) play(t *testing.T, roomID string, cells ...[2]int) game.State {
	t.Helper()

	var st game.State
	for i, c := range cells {
		p := alice
		if i%2 == 1 {
			p = bob
		}
		res, err := e.reg.Move(context.Background(), roomID, game.MoveInput{UserID: p.UserID, Level: p.Level, Row: c[0], Col: c[1]})
		require.NoError(t, err, "move %d", i)
		st = res.State
	}
	return st
}

// connect 讓雙方各保持一條訂閱連線
func (e *testEnv) connect(t *testing.T, roomID string) {
	t.Helper()
	for _, p := range []game.Player{alice, bob} {
		require.NoError(t, e.reg.Connect(roomID, p.UserID, func(game.State) {}))
	}
}

func (e *testEnv) state(t *testing.T, roomID string) game.State {
	t.Helper()
	st, err := e.reg.State(roomID)
	require.NoError(t, err)
	return st
}

func turn(n int) *int { return &n }
