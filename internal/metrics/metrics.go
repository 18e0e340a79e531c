// Package metrics Prometheus 指標
//
// 所有方法對 nil *Metrics 安全，測試可以不註冊指標。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tictactoe"

// Metrics 服務指標集合
type Metrics struct {
	gamesCreated   *prometheus.CounterVec
	gamesFinished  *prometheus.CounterVec
	moves          *prometheus.CounterVec
	sessions       *prometheus.GaugeVec
	queueWaiting   prometheus.Gauge
	matchWait      prometheus.Histogram
	connections    prometheus.Gauge
	droppedEvents  prometheus.Counter
	rateLimited    *prometheus.CounterVec
	graceExpired   prometheus.Counter
	recorderErrors *prometheus.CounterVec
}

// New 建立並註冊指標
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gamesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_created_total",
			Help:      "Game sessions created, by source.",
		}, []string{"source"}),
		gamesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_finished_total",
			Help:      "Game sessions reaching a terminal state, by reason.",
		}, []string{"reason"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Move submissions, by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions held by the registry, by status.",
		}, []string{"status"}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matchmaking_waiting",
			Help:      "Entries waiting in the matchmaking queue.",
		}),
		matchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matchmaking_wait_seconds",
			Help:      "Time from enqueue to pairing.",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open event-stream connections.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Actions rejected by the rate limiter, by category.",
		}, []string{"category"}),
		graceExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_expired_total",
			Help:      "Disconnect grace periods that expired without a reconnect.",
		}),
		recorderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_recorder_errors_total",
			Help:      "Failures recording a terminal game result, by recorder.",
		}, []string{"recorder"}),
	}

	reg.MustRegister(
		m.gamesCreated,
		m.gamesFinished,
		m.moves,
		m.sessions,
		m.queueWaiting,
		m.matchWait,
		m.connections,
		m.droppedEvents,
		m.rateLimited,
		m.graceExpired,
		m.recorderErrors,
	)

	return m
}

// Handler 返回 /metrics 處理器
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) GameCreated(source string) {
	if m == nil {
		return
	}
	m.gamesCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) GameFinished(reason string) {
	if m == nil {
		return
	}
	m.gamesFinished.WithLabelValues(reason).Inc()
}

// Move result: accepted, rejected, duplicate
func (m *Metrics) Move(result string) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(result).Inc()
}

// SetSessions 以狀態分組設定房間數
func (m *Metrics) SetSessions(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for status, n := range byStatus {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetQueueWaiting(n int) {
	if m == nil {
		return
	}
	m.queueWaiting.Set(float64(n))
}

func (m *Metrics) ObserveMatchWait(d time.Duration) {
	if m == nil {
		return
	}
	m.matchWait.Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) RateLimited(category string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(category).Inc()
}

func (m *Metrics) GraceExpired() {
	if m == nil {
		return
	}
	m.graceExpired.Inc()
}

func (m *Metrics) RecorderFailed(recorder string) {
	if m == nil {
		return
	}
	m.recorderErrors.WithLabelValues(recorder).Inc()
}
