// Package scheduler 週期性工作：房間清理、配對、排隊位置推送、限流計數清理
//
// 每個工作以 singleton 模式執行，上一輪未結束時跳過本輪。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Job 一個週期性工作
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler 包裝 gocron
type Scheduler struct {
	sched  gocron.Scheduler
	logger *slog.Logger
}

// New 建立排程器並註冊工作；Interval 不大於 0 的工作會被略過
func New(clock clockwork.Clock, logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sched, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(logger),
		gocron.WithStopTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{sched: sched, logger: logger}
	for _, job := range jobs {
		if job.Interval <= 0 || job.Run == nil {
			logger.Debug("scheduled job disabled", "job", job.Name)
			continue
		}
		if err := s.add(job); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(job Job) error {
	run := job.Run
	name := job.Name
	_, err := s.sched.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(func(ctx context.Context) {
			start := time.Now()
			run(ctx)
			s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}

	s.logger.Info("scheduled job registered", "job", name, "interval", job.Interval)
	return nil
}

// Start 開始執行
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown 停止排程並等待執行中的工作結束
func (s *Scheduler) Shutdown() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// Len 已註冊的工作數
func (s *Scheduler) Len() int {
	return len(s.sched.Jobs())
}
