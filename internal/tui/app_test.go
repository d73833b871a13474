package tui

import (
	"fmt"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqlite-client/config"
	"rqlite-client/internal/events"
	"rqlite-client/internal/monitor"
)

type staticHosts struct {
	hosts  []string
	leader int
	active int
}

func (s staticHosts) Hosts() []string      { return s.hosts }
func (s staticHosts) LeaderHostIndex() int { return s.leader }
func (s staticHosts) ActiveHostIndex() int { return s.active }

func TestBuildHostRows(t *testing.T) {
	source := staticHosts{hosts: []string{"http://a:4001", "http://b:4001", "http://c:4001"}, leader: 1, active: 2}

	metrics := monitor.NewMetrics()
	metrics.SetHosts(source.hosts)
	metrics.HandleEvent(events.Event{Type: events.EventRequestCompleted, Host: "http://b:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"status": 200, "duration": 8 * time.Millisecond}})
	metrics.HandleEvent(events.Event{Type: events.EventAttemptFailed, Host: "http://a:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"status": 503, "error": "status 503"}})

	rows := buildHostRows(source, metrics, nil)
	require.Len(t, rows, 3)

	testCases := []struct {
		row      int
		role     string
		attempts string
		avg      string
		lastErr  string
	}{
		{0, "-", "1", "-", "status 503"},
		{1, "leader", "1", "8ms", "-"},
		{2, "active", "0", "-", "-"},
	}

	for _, tc := range testCases {
		t.Run(source.hosts[tc.row], func(t *testing.T) {
			cells := rows[tc.row].cells
			require.Len(t, cells, len(hostColumns))
			assert.Equal(t, source.hosts[tc.row], cells[0])
			assert.Equal(t, tc.role, cells[1])
			assert.Equal(t, "未检查", cells[2])
			assert.Equal(t, tc.attempts, cells[3])
			assert.Equal(t, tc.avg, cells[8])
			assert.Equal(t, tc.lastErr, cells[10])
			assert.Equal(t, tcell.ColorWhite, rows[tc.row].color)
		})
	}

	same := buildHostRows(staticHosts{hosts: []string{"http://a:4001"}}, nil, nil)
	assert.Equal(t, "leader,active", same[0].cells[1])
}

func TestBuildSummary(t *testing.T) {
	assert.Equal(t, "暂无统计", buildSummary(nil))

	metrics := monitor.NewMetrics()
	metrics.HandleEvent(events.Event{Type: events.EventLeaderChanged, Timestamp: time.Now(),
		Data: map[string]interface{}{"old_leader": "http://a:4001", "new_leader": "http://b:4001"}})
	metrics.HandleEvent(events.Event{Type: events.EventRequestCompleted, Host: "http://b:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"duration": 5 * time.Millisecond}})

	summary := buildSummary(metrics)
	assert.Contains(t, summary, "请求: 1")
	assert.Contains(t, summary, "成功率: 100.0%")
	assert.Contains(t, summary, "http://b:4001")
}

func TestTUIApp_AddLog(t *testing.T) {
	cfg, err := config.NewDefaultConfig([]string{"http://a:4001"})
	require.NoError(t, err)
	app := NewTUIApp(cfg, staticHosts{hosts: cfg.Hosts}, nil, nil, nil)

	for i := 0; i < maxLogLines+10; i++ {
		app.AddLog("INFO", fmt.Sprintf("line %d", i), "system")
	}
	logs := app.Logs()
	require.Len(t, logs, maxLogLines)
	assert.Contains(t, logs[0], "line 10")
	assert.Contains(t, logs[len(logs)-1], fmt.Sprintf("line %d", maxLogLines+9))
}

func TestFormatLogLine(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

	line := formatLogLine(at, "ERROR", "boom [x]", "system")
	assert.Contains(t, line, "15:04:05")
	assert.Contains(t, line, "[red]ERROR")
	assert.Contains(t, line, "[system[]")
	assert.Contains(t, line, "boom [x[]")

	assert.Contains(t, formatLogLine(at, "WARN", "slow", "system"), "[yellow]WARN")
}
