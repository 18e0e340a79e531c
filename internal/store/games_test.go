package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/board"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/store"
	"github.com/koopa0/system-design/tictactoe/internal/testutils"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seats(x, o string) [2]game.Seat {
	return [2]game.Seat{
		{Occupied: true, UserID: x, DisplayName: x + "-name", Symbol: board.X},
		{Occupied: true, UserID: o, DisplayName: o + "-name", Symbol: board.O},
	}
}

// finishedGame X 走對角線獲勝
func finishedGame(roomID, x, o string, offset time.Duration) game.State {
	start := base.Add(offset)
	end := start.Add(time.Minute)
	winner := x

	moves := []game.Move{
		{Seq: 1, Symbol: board.X, Row: 0, Col: 0, UserID: x},
		{Seq: 2, Symbol: board.O, Row: 0, Col: 1, UserID: o},
		{Seq: 3, Symbol: board.X, Row: 1, Col: 1, UserID: x},
		{Seq: 4, Symbol: board.O, Row: 0, Col: 2, UserID: o},
		{Seq: 5, Symbol: board.X, Row: 2, Col: 2, UserID: x},
	}
	for i := range moves {
		moves[i].PlayedAt = start.Add(time.Duration(i+1) * time.Second)
	}

	return game.State{
		RoomID:    roomID,
		Status:    game.StatusCompleted,
		Config:    game.Config{Mode: game.ModeRanked},
		Source:    game.SourceMatchmaking,
		Seats:     seats(x, o),
		Turn:      5,
		Moves:     moves,
		Winner:    &winner,
		Reason:    game.ReasonWin,
		CreatedAt: start,
		StartedAt: &start,
		EndedAt:   &end,
	}
}

func TestGameStore(t *testing.T) {
	pg := testutils.StartPostgres(t)
	s := store.New(pg.Pool, logger.Discard())
	ctx := context.Background()

	t.Run("RecordAndGet", func(t *testing.T) {
		pg.Truncate(t)
		st := finishedGame("room_a", "alice", "bob", 0)

		require.NoError(t, s.RecordResult(ctx, st))

		rec, err := s.GetGame(ctx, "room_a")
		require.NoError(t, err)
		assert.Equal(t, game.ModeRanked, rec.Mode)
		assert.Equal(t, game.SourceMatchmaking, rec.Source)
		assert.Equal(t, "alice", rec.PlayerXID)
		assert.Equal(t, "bob-name", rec.PlayerOName)
		assert.Equal(t, game.StatusCompleted, rec.Status)
		assert.Equal(t, store.ResultXWins, rec.Result)
		require.NotNil(t, rec.WinnerID)
		assert.Equal(t, "alice", *rec.WinnerID)
		assert.Equal(t, game.ReasonWin, rec.EndReason)
		assert.Equal(t, 5, rec.MoveCount)
		assert.Nil(t, rec.RematchOf)
		assert.True(t, rec.EndedAt.Equal(*st.EndedAt))

		require.Len(t, rec.Moves, 5)
		for i, m := range rec.Moves {
			assert.Equal(t, st.Moves[i].Seq, m.Seq)
			assert.Equal(t, st.Moves[i].Symbol, m.Symbol)
			assert.Equal(t, st.Moves[i].Row, m.Row)
			assert.Equal(t, st.Moves[i].Col, m.Col)
			assert.Equal(t, st.Moves[i].UserID, m.UserID)
		}
	})

	t.Run("RecordIsIdempotent", func(t *testing.T) {
		pg.Truncate(t)
		st := finishedGame("room_b", "alice", "bob", 0)

		require.NoError(t, s.RecordResult(ctx, st))
		require.NoError(t, s.RecordResult(ctx, st))

		rec, err := s.GetGame(ctx, "room_b")
		require.NoError(t, err)
		assert.Len(t, rec.Moves, 5)

		var games int
		require.NoError(t, pg.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM games").Scan(&games))
		assert.Equal(t, 1, games)
	})

	t.Run("AbandonedWithoutMoves", func(t *testing.T) {
		pg.Truncate(t)
		end := base.Add(5 * time.Minute)
		st := game.State{
			RoomID:    "room_c",
			Status:    game.StatusAbandoned,
			Config:    game.Config{Mode: game.ModeCasual},
			Source:    game.SourceLobby,
			Seats:     [2]game.Seat{{Occupied: true, UserID: "alice", Symbol: board.X}},
			Reason:    game.ReasonCancelled,
			CreatedAt: base,
			EndedAt:   &end,
		}

		require.NoError(t, s.RecordResult(ctx, st))

		rec, err := s.GetGame(ctx, "room_c")
		require.NoError(t, err)
		assert.Equal(t, store.ResultNone, rec.Result)
		assert.Nil(t, rec.WinnerID)
		assert.Nil(t, rec.StartedAt)
		assert.Empty(t, rec.PlayerOID)
		assert.Empty(t, rec.Moves)
	})

	t.Run("RejectsActiveGame", func(t *testing.T) {
		st := finishedGame("room_d", "alice", "bob", 0)
		st.Status = game.StatusActive

		err := s.RecordResult(ctx, st)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	})

	t.Run("GetMissing", func(t *testing.T) {
		pg.Truncate(t)
		_, err := s.GetGame(ctx, "room_missing")
		assert.ErrorIs(t, err, store.ErrGameNotFound)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("ListByUser", func(t *testing.T) {
		pg.Truncate(t)
		require.NoError(t, s.RecordResult(ctx, finishedGame("room_1", "alice", "bob", 0)))
		require.NoError(t, s.RecordResult(ctx, finishedGame("room_2", "carol", "alice", time.Hour)))
		require.NoError(t, s.RecordResult(ctx, finishedGame("room_3", "bob", "carol", 2*time.Hour)))

		records, err := s.ListByUser(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "room_2", records[0].ID)
		assert.Equal(t, store.ResultXWins, records[0].Result)
		assert.Equal(t, "room_1", records[1].ID)
		assert.Empty(t, records[0].Moves)

		records, err = s.ListByUser(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Len(t, records, 1)

		records, err = s.ListByUser(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
