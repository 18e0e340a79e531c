package scheduler_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/scheduler"
	"github.com/koopa0/system-design/tictactoe/internal/testutils"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	sweeps  atomic.Int32
	reports atomic.Int32
}

func (f *fakeRegistry) Sweep() int     { f.sweeps.Add(1); return 1 }
func (f *fakeRegistry) ReportMetrics() { f.reports.Add(1) }

type fakeQueue struct {
	passes     atomic.Int32
	broadcasts atomic.Int32
}

func (f *fakeQueue) Pass(context.Context) int { f.passes.Add(1); return 0 }
func (f *fakeQueue) BroadcastPositions() int  { f.broadcasts.Add(1); return 0 }

type fakeCounters struct{ sweeps atomic.Int32 }

func (f *fakeCounters) Sweep() int { f.sweeps.Add(1); return 0 }

func TestJobs(t *testing.T) {
	iv := scheduler.Intervals{
		Sweep:       time.Second,
		Pairing:     time.Second,
		QueueUpdate: time.Second,
		LimitSweep:  time.Second,
	}

	tests := []struct {
		name    string
		targets scheduler.Targets
		want    []string
	}{
		{
			name:    "all targets",
			targets: scheduler.Targets{Registry: &fakeRegistry{}, Queue: &fakeQueue{}, Limits: &fakeCounters{}},
			want:    []string{"room-sweep", "matchmaking-pass", "queue-update", "rate-limit-sweep"},
		},
		{
			name:    "redis backend has no local counters",
			targets: scheduler.Targets{Registry: &fakeRegistry{}, Queue: &fakeQueue{}},
			want:    []string{"room-sweep", "matchmaking-pass", "queue-update"},
		},
		{
			name: "no targets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := scheduler.Jobs(tt.targets, iv, logger.Discard())

			var names []string
			for _, j := range jobs {
				names = append(names, j.Name)
				assert.Equal(t, time.Second, j.Interval)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestJobs_RunTargets(t *testing.T) {
	reg := &fakeRegistry{}
	queue := &fakeQueue{}
	counters := &fakeCounters{}

	jobs := scheduler.Jobs(scheduler.Targets{Registry: reg, Queue: queue, Limits: counters},
		scheduler.Intervals{Sweep: time.Second, Pairing: time.Second, QueueUpdate: time.Second, LimitSweep: time.Second},
		logger.Discard())
	for _, j := range jobs {
		j.Run(context.Background())
	}

	assert.Equal(t, int32(1), reg.sweeps.Load())
	assert.Equal(t, int32(1), reg.reports.Load())
	assert.Equal(t, int32(1), queue.passes.Load())
	assert.Equal(t, int32(1), queue.broadcasts.Load())
	assert.Equal(t, int32(1), counters.sweeps.Load())
}

// TestJobs_RoomSweepLeavesLoggingToRegistry 回收數量由註冊表記錄，工作本身不重複輸出
func TestJobs_RoomSweepLeavesLoggingToRegistry(t *testing.T) {
	var buf bytes.Buffer
	reg := &fakeRegistry{}

	jobs := scheduler.Jobs(scheduler.Targets{Registry: reg}, scheduler.Intervals{Sweep: time.Second},
		logger.New(&buf, "debug", "text", false))
	require.Len(t, jobs, 1)
	jobs[0].Run(context.Background())

	assert.Equal(t, int32(1), reg.sweeps.Load())
	assert.Equal(t, int32(1), reg.reports.Load())
	assert.NotContains(t, buf.String(), "rooms evicted")
}

func TestScheduler_RunsJobsPeriodically(t *testing.T) {
	var fast, disabled atomic.Int32

	s, err := scheduler.New(nil, logger.Discard(),
		scheduler.Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context) { fast.Add(1) }},
		scheduler.Job{Name: "disabled", Interval: 0, Run: func(context.Context) { disabled.Add(1) }},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	s.Start()
	testutils.WaitForCondition(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, "fast job did not run")
	require.NoError(t, s.Shutdown())

	assert.Zero(t, disabled.Load())

	// 關閉後不再執行
	after := fast.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, fast.Load())
}

func TestScheduler_SingletonSkipsOverlap(t *testing.T) {
	var running, maxRunning atomic.Int32
	release := make(chan struct{})

	s, err := scheduler.New(nil, logger.Discard(),
		scheduler.Job{Name: "slow", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}},
	)
	require.NoError(t, err)

	s.Start()
	testutils.WaitForCondition(t, func() bool { return running.Load() == 1 }, 2*time.Second, "slow job did not start")
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, s.Shutdown())

	assert.Equal(t, int32(1), maxRunning.Load())
}
