// Package store 對局紀錄的 PostgreSQL 封存
//
// 每局只在進入終態時寫入一次；重複寫入同一房間不會產生第二筆紀錄。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/tictactoe/internal/board"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// Result 封存的勝負結果
type Result string

const (
	ResultXWins Result = "x_wins"
	ResultOWins Result = "o_wins"
	ResultDraw  Result = "draw"
	ResultNone  Result = "none" // 建立者離開或無人加入
)

// ErrGameNotFound 查無封存紀錄
var ErrGameNotFound = apperrors.New(apperrors.ErrCodeNotFound, "game record not found")

// Record 封存的一局
type Record struct {
	ID          string      `json:"id"`
	Mode        game.Mode   `json:"mode"`
	Source      game.Source `json:"source"`
	PlayerXID   string      `json:"player_x_id"`
	PlayerXName string      `json:"player_x_name"`
	PlayerOID   string      `json:"player_o_id"`
	PlayerOName string      `json:"player_o_name"`
	Status      game.Status `json:"status"`
	Result      Result      `json:"result"`
	WinnerID    *string     `json:"winner_id"`
	EndReason   game.Reason `json:"end_reason"`
	MoveCount   int         `json:"move_count"`
	RematchOf   *string     `json:"rematch_of,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     time.Time   `json:"ended_at"`
	Moves       []game.Move `json:"moves,omitempty"`
}

// GameStore 對局封存
type GameStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New 建立對局封存
func New(pool *pgxpool.Pool, logger *slog.Logger) *GameStore {
	return &GameStore{pool: pool, logger: logger}
}

const insertGame = `
INSERT INTO games (
    id, mode, source,
    player_x_id, player_x_name, player_o_id, player_o_name,
    status, result, winner_id, end_reason, move_count, rematch_of,
    created_at, started_at, ended_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO NOTHING`

const insertMove = `
INSERT INTO game_moves (game_id, seq, user_id, symbol, row_idx, col_idx, played_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// RecordResult 在一個交易內寫入對局與全部落子
//
// 房間已存在時不做任何事，因此重送的終局通知是安全的。
func (s *GameStore) RecordResult(ctx context.Context, st game.State) error {
	if !st.Status.Terminal() {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "only terminal games can be archived")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	x, o := st.Seats[0], st.Seats[1]
	endedAt := st.CreatedAt
	if st.EndedAt != nil {
		endedAt = *st.EndedAt
	}
	var rematchOf *string
	if st.RematchOf != "" {
		rematchOf = &st.RematchOf
	}

	tag, err := tx.Exec(ctx, insertGame,
		st.RoomID, st.Config.Mode, st.Source,
		x.UserID, x.DisplayName, o.UserID, o.DisplayName,
		st.Status, resultOf(st), st.Winner, st.Reason, len(st.Moves), rematchOf,
		st.CreatedAt, st.StartedAt, endedAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "postgres insert game failed", "room_id", st.RoomID, "error", err)
		return fmt.Errorf("insert game %s: %w", st.RoomID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.DebugContext(ctx, "game already archived", "room_id", st.RoomID)
		return nil
	}

	if len(st.Moves) > 0 {
		batch := &pgx.Batch{}
		for _, m := range st.Moves {
			batch.Queue(insertMove, st.RoomID, m.Seq, m.UserID, m.Symbol.String(), m.Row, m.Col, m.PlayedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			s.logger.ErrorContext(ctx, "postgres insert moves failed", "room_id", st.RoomID, "error", err)
			return fmt.Errorf("insert moves for %s: %w", st.RoomID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit game %s: %w", st.RoomID, err)
	}

	s.logger.InfoContext(ctx, "game archived", "room_id", st.RoomID, "moves", len(st.Moves))
	return nil
}

const selectGame = `
SELECT id, mode, source, player_x_id, player_x_name, player_o_id, player_o_name,
       status, result, winner_id, end_reason, move_count, rematch_of,
       created_at, started_at, ended_at
FROM games`

// GetGame 讀取一局與全部落子
func (s *GameStore) GetGame(ctx context.Context, roomID string) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectGame+" WHERE id = $1", roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrGameNotFound
		}
		s.logger.ErrorContext(ctx, "postgres get game failed", "room_id", roomID, "error", err)
		return Record{}, fmt.Errorf("get game %s: %w", roomID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, user_id, symbol, row_idx, col_idx, played_at
		 FROM game_moves WHERE game_id = $1 ORDER BY seq`, roomID)
	if err != nil {
		return Record{}, fmt.Errorf("query moves for %s: %w", roomID, err)
	}
	rec.Moves, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Move, error) {
		var (
			m      game.Move
			symbol string
			r, c   int16
		)
		if err := row.Scan(&m.Seq, &m.UserID, &symbol, &r, &c, &m.PlayedAt); err != nil {
			return m, err
		}
		if err := m.Symbol.UnmarshalText([]byte(symbol)); err != nil {
			return m, err
		}
		m.Row, m.Col = int(r), int(c)
		return m, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("scan moves for %s: %w", roomID, err)
	}

	return rec, nil
}

// ListByUser 使用者最近的對局，不含落子，依結束時間由新到舊
func (s *GameStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		selectGame+` WHERE player_x_id = $1 OR player_o_id = $1 ORDER BY ended_at DESC, id LIMIT $2`,
		userID, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "postgres list games failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("list games for %s: %w", userID, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan games for %s: %w", userID, err)
	}
	return records, nil
}

// Ping 檢查資料庫連線，供 readiness 使用
func (s *GameStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.Mode, &rec.Source,
		&rec.PlayerXID, &rec.PlayerXName, &rec.PlayerOID, &rec.PlayerOName,
		&rec.Status, &rec.Result, &rec.WinnerID, &rec.EndReason, &rec.MoveCount, &rec.RematchOf,
		&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt,
	)
	return rec, err
}

func resultOf(st game.State) Result {
	if st.Winner == nil {
		if st.Reason == game.ReasonDraw || st.Reason == game.ReasonTimeLimit {
			return ResultDraw
		}
		return ResultNone
	}
	if st.SymbolOf(*st.Winner) == board.O {
		return ResultOWins
	}
	return ResultXWins
}
