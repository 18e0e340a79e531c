// Package events 把終局結果發布到 NATS JetStream，供統計與排名服務消費
//
// Subject 為 {prefix}.finished.{reason}，消費者可以只訂閱關心的終局原因。
// 以房間 ID 作為 Nats-Msg-Id，JetStream 的去重窗口內重送不會產生第二則訊息。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/nats-io/nats.go"
)

// JetStream 發布端需要的 JetStream 操作
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Config 串流設定
type Config struct {
	StreamName string
	Subject    string        // subject 前綴
	MaxAge     time.Duration // 0 表示不淘汰
	Duplicates time.Duration // 去重窗口
}

// PlayerResult 單一玩家在這局的結果
type PlayerResult struct {
	UserID  string `json:"user_id"`
	Symbol  string `json:"symbol"`
	Outcome string `json:"outcome"` // win、loss、draw 或 none
}

// GameFinished 終局事件
type GameFinished struct {
	RoomID    string         `json:"room_id"`
	Mode      game.Mode      `json:"mode"`
	Source    game.Source    `json:"source"`
	Status    game.Status    `json:"status"`
	Reason    game.Reason    `json:"reason"`
	Winner    *string        `json:"winner"`
	Players   []PlayerResult `json:"players"`
	Moves     int            `json:"moves"`
	RematchOf string         `json:"rematch_of,omitempty"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Publisher 終局事件發布端，實作 game.ResultRecorder
type Publisher struct {
	js      JetStream
	subject string
	logger  *slog.Logger
}

// NewPublisher 以既有的 JetStream 建立發布端
func NewPublisher(js JetStream, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = "games"
	}
	return &Publisher{js: js, subject: subject, logger: logger}
}

// Connect 連接 NATS，建立或更新串流，返回發布端與連線
//
// 呼叫端負責在關閉時 Drain 連線。
func Connect(url string, cfg Config, logger *slog.Logger) (*Publisher, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("tictactoe"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if cfg.Subject == "" {
		cfg.Subject = "games"
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Minute
	}

	// AddStream 已存在時返回錯誤，改走 UpdateStream
	streamCfg := &nats.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{cfg.Subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: cfg.Duplicates,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if _, err := js.UpdateStream(streamCfg); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
		}
	}

	logger.Info("nats publisher ready", "stream", cfg.StreamName, "subject", cfg.Subject+".>")
	return NewPublisher(js, cfg.Subject, logger), conn, nil
}

// RecordResult 發布終局事件並等待 JetStream 確認
func (p *Publisher) RecordResult(ctx context.Context, st game.State) error {
	event := NewGameFinished(st)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal game finished: %w", err)
	}

	subject := Subject(p.subject, st.Reason)
	ack, err := p.js.Publish(subject, data, nats.MsgId(st.RoomID), nats.Context(ctx))
	if err != nil {
		p.logger.ErrorContext(ctx, "publish game finished failed", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	if ack != nil && ack.Duplicate {
		p.logger.DebugContext(ctx, "game finished already published", "room_id", st.RoomID)
		return nil
	}
	p.logger.DebugContext(ctx, "game finished published", "subject", subject, "room_id", st.RoomID)
	return nil
}

// Subject 終局事件的 subject
func Subject(prefix string, reason game.Reason) string {
	if reason == "" {
		reason = "unknown"
	}
	return prefix + ".finished." + string(reason)
}

// NewGameFinished 由終局快照建立事件
func NewGameFinished(st game.State) GameFinished {
	event := GameFinished{
		RoomID:    st.RoomID,
		Mode:      st.Config.Mode,
		Source:    st.Source,
		Status:    st.Status,
		Reason:    st.Reason,
		Winner:    st.Winner,
		Moves:     len(st.Moves),
		RematchOf: st.RematchOf,
	}
	if st.EndedAt != nil {
		event.EndedAt = *st.EndedAt
	}

	for _, seat := range st.Seats {
		if !seat.Occupied {
			continue
		}
		event.Players = append(event.Players, PlayerResult{
			UserID:  seat.UserID,
			Symbol:  seat.Symbol.String(),
			Outcome: outcomeFor(st, seat.UserID),
		})
	}
	return event
}

func outcomeFor(st game.State, userID string) string {
	switch {
	case st.Winner != nil && *st.Winner == userID:
		return "win"
	case st.Winner != nil:
		return "loss"
	case st.Reason == game.ReasonDraw || st.Reason == game.ReasonTimeLimit:
		return "draw"
	default:
		return "none"
	}
}
