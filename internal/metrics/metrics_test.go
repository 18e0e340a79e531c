package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.GameCreated("lobby")
		m.GameFinished("win")
		m.Move("accepted")
		m.SetSessions(map[string]int{"active": 1})
		m.SetQueueWaiting(3)
		m.ObserveMatchWait(time.Second)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.EventDropped()
		m.RateLimited("move")
		m.GraceExpired()
		m.RecorderFailed("store")
	})
}

func TestMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.GameCreated("matchmaking")
	m.GameFinished("draw")
	m.Move("duplicate")
	m.SetSessions(map[string]int{"active": 2, "waiting": 1})
	m.RateLimited("chat")
	m.ObserveMatchWait(3 * time.Second)

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `tictactoe_games_created_total{source="matchmaking"} 1`)
	assert.Contains(t, body, `tictactoe_games_finished_total{reason="draw"} 1`)
	assert.Contains(t, body, `tictactoe_moves_total{result="duplicate"} 1`)
	assert.Contains(t, body, `tictactoe_sessions{status="active"} 2`)
	assert.Contains(t, body, `tictactoe_rate_limited_total{category="chat"} 1`)
	assert.Contains(t, body, `tictactoe_matchmaking_wait_seconds_count 1`)
}
