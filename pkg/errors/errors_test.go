package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join room: %w", apperrors.ErrRoomFull)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrRoomFull))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrWrongPassword))

	// 同錯誤碼的不同實例也視為相同
	other := apperrors.New(apperrors.ErrCodeRoomFull, "both seats taken")
	assert.True(t, stderrors.Is(other, apperrors.ErrRoomFull))
}

func TestAppError_WithDetailsCopies(t *testing.T) {
	detailed := apperrors.ErrRateLimited.WithDetails("retry after 3s")

	assert.Equal(t, "retry after 3s", detailed.Details)
	assert.Empty(t, apperrors.ErrRateLimited.Details, "predefined error must stay untouched")
	assert.True(t, stderrors.Is(detailed, apperrors.ErrRateLimited))
}

func TestAppError_ErrorString(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "redis unavailable")

	assert.Equal(t, "[SERVICE_UNAVAILABLE] redis unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[NOT_FOUND] room not found", apperrors.ErrRoomNotFound.Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "app error", err: apperrors.ErrNotYourTurn, expected: apperrors.ErrCodeNotYourTurn},
		{name: "wrapped app error", err: fmt.Errorf("move: %w", apperrors.ErrCellOccupied), expected: apperrors.ErrCodeCellOccupied},
		{name: "plain error", err: stderrors.New("boom"), expected: apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apperrors.CodeOf(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, apperrors.IsNotFound(apperrors.ErrRoomNotFound))
	assert.True(t, apperrors.IsRateLimited(fmt.Errorf("x: %w", apperrors.ErrRateLimited)))
	assert.True(t, apperrors.IsValidation(apperrors.ErrOutOfBounds))
	assert.False(t, apperrors.IsValidation(apperrors.ErrRoomFull))
}
