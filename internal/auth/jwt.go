// Package auth 驗證外部簽發的 JWT，取出使用者身分
//
// 帳號註冊與登入不在本服務範圍，token 由帳號服務以共享密鑰簽發。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	apperrors "github.com/koopa0/system-design/tictactoe/pkg/errors"
)

var (
	// ErrInvalidToken token 格式、簽章或簽發者不正確
	ErrInvalidToken = apperrors.New(apperrors.ErrCodeUnauthorized, "invalid token")
	// ErrExpiredToken token 已過期
	ErrExpiredToken = apperrors.New(apperrors.ErrCodeUnauthorized, "token has expired")
)

// Identity 經過驗證的使用者身分
type Identity struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Level       int     `json:"level"`
	WinRate     float64 `json:"win_rate"`
	GamesPlayed int     `json:"games_played"`
}

// Claims token 內容
type Claims struct {
	DisplayName string  `json:"display_name"`
	Level       int     `json:"level"`
	WinRate     float64 `json:"win_rate"`
	GamesPlayed int     `json:"games_played"`
	jwt.RegisteredClaims
}

// Manager 簽發與驗證 token
type Manager struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// NewManager 建立 token 管理器；clock 為 nil 時使用系統時鐘
func NewManager(secret, issuer string, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{secret: []byte(secret), issuer: issuer, clock: clock}
}

// GenerateToken 簽發 token，供測試與本地開發使用
func (m *Manager) GenerateToken(id Identity, ttl time.Duration) (string, error) {
	now := m.clock.Now()
	claims := Claims{
		DisplayName: id.DisplayName,
		Level:       id.Level,
		WinRate:     id.WinRate,
		GamesPlayed: id.GamesPlayed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 驗證 token 並返回身分
func (m *Manager) ValidateToken(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	level := claims.Level
	if level < 1 {
		level = 1
	}
	return Identity{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Level:       level,
		WinRate:     claims.WinRate,
		GamesPlayed: claims.GamesPlayed,
	}, nil
}

// BearerToken 從 Authorization 標頭取出 token
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

type identityKey struct{}

// WithIdentity 將身分放入 context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext 取出身分
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
