package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper 房間註冊表的週期操作
type Sweeper interface {
	Sweep() int
	ReportMetrics()
}

// Matcher 配對佇列的週期操作
type Matcher interface {
	Pass(ctx context.Context) int
	BroadcastPositions() int
}

// CounterSweeper 本機限流計數的清理
type CounterSweeper interface {
	Sweep() int
}

// Intervals 各工作的週期
type Intervals struct {
	Sweep       time.Duration
	Pairing     time.Duration
	QueueUpdate time.Duration
	LimitSweep  time.Duration
}

// Targets 工作的對象；nil 的對象不產生工作
type Targets struct {
	Registry Sweeper
	Queue    Matcher
	Limits   CounterSweeper
}

// Jobs 依對象與週期組出服務的標準工作
func Jobs(t Targets, iv Intervals, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}

	var jobs []Job
	if t.Registry != nil {
		jobs = append(jobs, Job{
			Name:     "room-sweep",
			Interval: iv.Sweep,
			Run: func(context.Context) {
				t.Registry.Sweep()
				t.Registry.ReportMetrics()
			},
		})
	}
	if t.Queue != nil {
		jobs = append(jobs,
			Job{
				Name:     "matchmaking-pass",
				Interval: iv.Pairing,
				Run: func(ctx context.Context) {
					if n := t.Queue.Pass(ctx); n > 0 {
						logger.Debug("matchmaking pass paired", "pairs", n)
					}
				},
			},
			Job{
				Name:     "queue-update",
				Interval: iv.QueueUpdate,
				Run: func(context.Context) {
					t.Queue.BroadcastPositions()
				},
			},
		)
	}
	if t.Limits != nil {
		jobs = append(jobs, Job{
			Name:     "rate-limit-sweep",
			Interval: iv.LimitSweep,
			Run: func(context.Context) {
				if n := t.Limits.Sweep(); n > 0 {
					logger.Debug("rate limit counters pruned", "keys", n)
				}
			},
		})
	}
	return jobs
}
