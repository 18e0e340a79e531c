// Package board 井字棋盤面規則（純函數，無狀態）
package board

import (
	"fmt"

	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

// Size 棋盤邊長
const Size = 3

// Cell 格子內容
type Cell uint8

const (
	Empty Cell = iota
	X
	O
)

// String 返回 "X"、"O" 或空字串
func (c Cell) String() string {
	switch c {
	case X:
		return "X"
	case O:
		return "O"
	default:
		return ""
	}
}

// Opponent 返回對手符號
func (c Cell) Opponent() Cell {
	switch c {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

// MarshalText 實作 encoding.TextMarshaler
func (c Cell) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText 實作 encoding.TextUnmarshaler
func (c *Cell) UnmarshalText(text []byte) error {
	switch string(text) {
	case "X", "x":
		*c = X
	case "O", "o":
		*c = O
	case "":
		*c = Empty
	default:
		return fmt.Errorf("invalid cell %q", text)
	}
	return nil
}

// Board 3x3 棋盤，值型別，複製即快照
type Board [Size][Size]Cell

// Position 棋盤座標
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Result 對局判定
type Result string

const (
	InProgress Result = "in_progress"
	Win        Result = "win"
	Draw       Result = "draw"
)

// Outcome DetectOutcome 的結果
type Outcome struct {
	Result Result     `json:"result"`
	Symbol Cell       `json:"symbol,omitempty"`
	Line   []Position `json:"line,omitempty"`
}

// ErrInvalidSymbol 只能落 X 或 O
var ErrInvalidSymbol = apperrors.New(apperrors.ErrCodeInvalidInput, "symbol must be X or O")

// lines 8 條連線：3 橫、3 直、2 斜
var lines = [8][3]Position{
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{0, 2}, {1, 1}, {2, 0}},
}

// InBounds 座標是否在棋盤內
func InBounds(row, col int) bool {
	return row >= 0 && row < Size && col >= 0 && col < Size
}

// Apply 在 (row, col) 落下 symbol，返回新棋盤
//
// 原棋盤不會被修改；錯誤時返回原棋盤。
func Apply(b Board, row, col int, symbol Cell) (Board, error) {
	if symbol != X && symbol != O {
		return b, ErrInvalidSymbol
	}
	if !InBounds(row, col) {
		return b, apperrors.ErrOutOfBounds
	}
	if b[row][col] != Empty {
		return b, apperrors.ErrCellOccupied
	}

	next := b
	next[row][col] = symbol
	return next, nil
}

// DetectOutcome 判定勝負
//
// 依固定順序掃描 8 條線，第一條連成的線即勝線；
// 只有 9 格全滿且沒有連線才是平手。
func DetectOutcome(b Board) Outcome {
	for _, line := range lines {
		first := b[line[0].Row][line[0].Col]
		if first == Empty {
			continue
		}
		if b[line[1].Row][line[1].Col] == first && b[line[2].Row][line[2].Col] == first {
			return Outcome{
				Result: Win,
				Symbol: first,
				Line:   []Position{line[0], line[1], line[2]},
			}
		}
	}

	if Full(b) {
		return Outcome{Result: Draw}
	}
	return Outcome{Result: InProgress}
}

// Count 統計 X、O 數量
func Count(b Board) (x, o int) {
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			switch b[r][c] {
			case X:
				x++
			case O:
				o++
			}
		}
	}
	return x, o
}

// Full 棋盤是否已滿
func Full(b Board) bool {
	x, o := Count(b)
	return x+o == Size*Size
}

// NextTurn 下一手應落的符號：數量相等時 X 先
func NextTurn(b Board) Cell {
	x, o := Count(b)
	if x > o {
		return O
	}
	return X
}
