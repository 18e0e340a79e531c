package board_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/tictactoe/internal/board"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parse 由字串建立棋盤，"." 為空格
func parse(t *testing.T, rows ...string) board.Board {
	t.Helper()
	require.Len(t, rows, board.Size)

	var b board.Board
	for r, row := range rows {
		require.Len(t, row, board.Size)
		for c, ch := range row {
			switch ch {
			case 'X':
				b[r][c] = board.X
			case 'O':
				b[r][c] = board.O
			}
		}
	}
	return b
}

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		board    board.Board
		row, col int
		symbol   board.Cell
		validate func(t *testing.T, before, after board.Board, err error)
	}{
		{
			name:   "place on empty board",
			row:    0,
			col:    0,
			symbol: board.X,
			validate: func(t *testing.T, before, after board.Board, err error) {
				require.NoError(t, err)
				assert.Equal(t, board.X, after[0][0])
				assert.Equal(t, board.Empty, before[0][0], "input board must not change")
			},
		},
		{
			name:   "occupied cell",
			board:  parse(t, "X..", "...", "..."),
			row:    0,
			col:    0,
			symbol: board.O,
			validate: func(t *testing.T, before, after board.Board, err error) {
				assert.ErrorIs(t, err, apperrors.ErrCellOccupied)
				assert.Equal(t, before, after)
			},
		},
		{
			name:   "row out of bounds",
			row:    3,
			col:    0,
			symbol: board.X,
			validate: func(t *testing.T, before, after board.Board, err error) {
				assert.ErrorIs(t, err, apperrors.ErrOutOfBounds)
			},
		},
		{
			name:   "negative column",
			row:    1,
			col:    -1,
			symbol: board.O,
			validate: func(t *testing.T, before, after board.Board, err error) {
				assert.ErrorIs(t, err, apperrors.ErrOutOfBounds)
			},
		},
		{
			name:   "empty symbol rejected",
			row:    1,
			col:    1,
			symbol: board.Empty,
			validate: func(t *testing.T, before, after board.Board, err error) {
				assert.ErrorIs(t, err, board.ErrInvalidSymbol)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, err := board.Apply(tt.board, tt.row, tt.col, tt.symbol)
			tt.validate(t, tt.board, after, err)
		})
	}
}

func TestDetectOutcome(t *testing.T) {
	tests := []struct {
		name     string
		board    board.Board
		result   board.Result
		symbol   board.Cell
		line     []board.Position
	}{
		{
			name:   "empty board in progress",
			board:  parse(t, "...", "...", "..."),
			result: board.InProgress,
		},
		{
			name:   "top row X",
			board:  parse(t, "XXX", ".O.", "..O"),
			result: board.Win,
			symbol: board.X,
			line:   []board.Position{{0, 0}, {0, 1}, {0, 2}},
		},
		{
			name:   "middle column O",
			board:  parse(t, "XOX", ".O.", "XO."),
			result: board.Win,
			symbol: board.O,
			line:   []board.Position{{0, 1}, {1, 1}, {2, 1}},
		},
		{
			name:   "anti diagonal",
			board:  parse(t, "OOX", ".X.", "X.."),
			result: board.Win,
			symbol: board.X,
			line:   []board.Position{{0, 2}, {1, 1}, {2, 0}},
		},
		{
			name:   "both diagonals same symbol reports first line",
			board:  parse(t, "XOX", "OXO", "XOX"),
			result: board.Win,
			symbol: board.X,
			line:   []board.Position{{0, 0}, {1, 1}, {2, 2}},
		},
		{
			name:   "full board draw",
			board:  parse(t, "XOX", "XOO", "OXX"),
			result: board.Draw,
		},
		{
			name:   "win on the ninth move is not a draw",
			board:  parse(t, "XOX", "OXO", "OXX"),
			result: board.Win,
			symbol: board.X,
		},
		{
			name:   "almost full board still in progress",
			board:  parse(t, "XOX", "XOO", "OX."),
			result: board.InProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := board.DetectOutcome(tt.board)
			assert.Equal(t, tt.result, outcome.Result)
			assert.Equal(t, tt.symbol, outcome.Symbol)
			if tt.line != nil {
				assert.Equal(t, tt.line, outcome.Line)
			}
		})
	}
}

// TestDetectOutcome_Exhaustive 走訪所有合法對局，驗證勝負判定與連線存在性一致
func TestDetectOutcome_Exhaustive(t *testing.T) {
	hasLine := func(b board.Board) bool {
		for i := 0; i < board.Size; i++ {
			if b[i][0] != board.Empty && b[i][0] == b[i][1] && b[i][1] == b[i][2] {
				return true
			}
			if b[0][i] != board.Empty && b[0][i] == b[1][i] && b[1][i] == b[2][i] {
				return true
			}
		}
		if b[1][1] == board.Empty {
			return false
		}
		return (b[0][0] == b[1][1] && b[1][1] == b[2][2]) || (b[0][2] == b[1][1] && b[1][1] == b[2][0])
	}

	visited := 0
	var walk func(b board.Board)
	walk = func(b board.Board) {
		visited++
		outcome := board.DetectOutcome(b)

		switch outcome.Result {
		case board.Win:
			require.True(t, hasLine(b))
			return
		case board.Draw:
			require.False(t, hasLine(b))
			require.True(t, board.Full(b))
			return
		default:
			require.False(t, hasLine(b))
			require.False(t, board.Full(b))
		}

		turn := board.NextTurn(b)
		for r := 0; r < board.Size; r++ {
			for c := 0; c < board.Size; c++ {
				next, err := board.Apply(b, r, c, turn)
				if err != nil {
					continue
				}
				x, o := board.Count(next)
				require.True(t, x == o || x == o+1, "turn order must alternate")
				walk(next)
			}
		}
	}

	walk(board.Board{})
	assert.Equal(t, 549946, visited, "number of game-tree nodes in tic-tac-toe")
}

func TestNextTurn(t *testing.T) {
	assert.Equal(t, board.X, board.NextTurn(board.Board{}))
	assert.Equal(t, board.O, board.NextTurn(parse(t, "X..", "...", "...")))
	assert.Equal(t, board.X, board.NextTurn(parse(t, "XO.", "...", "...")))
}

func TestCell_JSON(t *testing.T) {
	data, err := json.Marshal(parse(t, "X..", ".O.", "..."))
	require.NoError(t, err)
	assert.JSONEq(t, `[["X","",""],["","O",""],["","",""]]`, string(data))

	var c board.Cell
	require.NoError(t, json.Unmarshal([]byte(`"O"`), &c))
	assert.Equal(t, board.O, c)
	assert.Error(t, json.Unmarshal([]byte(`"Z"`), &c))
	assert.Equal(t, board.X, board.O.Opponent())
}
