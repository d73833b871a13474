package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqlite-client/internal/events"
)

func TestMetrics_HandleEvents(t *testing.T) {
	m := NewMetrics()
	m.SetHosts([]string{"http://a:4001", "http://b:4001"})
	now := time.Now()

	m.HandleEvent(events.Event{Type: events.EventAttemptFailed, Host: "http://a:4001", Timestamp: now,
		Data: map[string]interface{}{"status": 503, "error": "unavailable"}})
	m.HandleEvent(events.Event{Type: events.EventRetryScheduled, Host: "http://a:4001", Timestamp: now})
	m.HandleEvent(events.Event{Type: events.EventRedirectFollowed, Host: "http://b:4001", Timestamp: now,
		Data: map[string]interface{}{"status": 301}})
	m.HandleEvent(events.Event{Type: events.EventLeaderChanged, Host: "http://a:4001", Timestamp: now,
		Data: map[string]interface{}{"old_leader": "http://b:4001", "new_leader": "http://a:4001"}})
	m.HandleEvent(events.Event{Type: events.EventRequestCompleted, RequestID: "r1", Host: "http://a:4001", Timestamp: now,
		Data: map[string]interface{}{"method": "POST", "uri": "/db/execute", "status": 200, "attempts": 3, "retries": 1, "redirects": 1, "duration": 30 * time.Millisecond}})
	m.HandleEvent(events.Event{Type: events.EventRequestFailed, RequestID: "r2", Host: "http://b:4001", Timestamp: now,
		Data: map[string]interface{}{"method": "GET", "uri": "/db/query", "status": 418, "error": "teapot", "duration": 10 * time.Millisecond}})
	m.HandleEvent(events.Event{Type: events.EventHostUnhealthy, Host: "http://b:4001", Timestamp: now})

	snapshot := m.GetMetrics()
	assert.Equal(t, int64(2), snapshot.TotalRequests)
	assert.Equal(t, int64(1), snapshot.SuccessfulRequests)
	assert.Equal(t, int64(1), snapshot.FailedRequests)
	assert.Equal(t, int64(1), snapshot.TotalRetries)
	assert.Equal(t, int64(1), snapshot.TotalRedirects)
	assert.Equal(t, 50.0, snapshot.SuccessRate)
	assert.Equal(t, 20*time.Millisecond, snapshot.AvgResponseTime)
	assert.Equal(t, 10*time.Millisecond, snapshot.MinResponseTime)
	assert.Equal(t, 30*time.Millisecond, snapshot.MaxResponseTime)

	require.Len(t, snapshot.Hosts, 2)
	a := snapshot.Hosts[0]
	assert.Equal(t, "http://a:4001", a.URL)
	assert.Equal(t, int64(2), a.Attempts)
	assert.Equal(t, int64(1), a.Successes)
	assert.Equal(t, int64(1), a.Failures)
	assert.Equal(t, int64(1), a.Retries)
	assert.Equal(t, 200, a.LastStatus)

	b, ok := m.GetHost("http://b:4001")
	require.True(t, ok)
	assert.Equal(t, int64(1), b.Redirects)
	assert.True(t, b.HealthChecked)
	assert.False(t, b.Healthy)

	require.Len(t, snapshot.LeaderChanges, 1)
	assert.Equal(t, "http://a:4001", snapshot.LeaderChanges[0].To)

	require.Len(t, snapshot.History, 2)
	assert.Equal(t, "r1", snapshot.History[0].ID)
	assert.True(t, snapshot.History[0].Success)
	assert.Equal(t, "teapot", snapshot.History[1].Error)
}

func TestMetrics_AttachToBus(t *testing.T) {
	bus := events.NewEventBus(nil)
	require.NoError(t, bus.Start())

	m := NewMetrics()
	m.Attach(bus)

	bus.Publish(events.Event{Type: events.EventHostsReplaced, Data: map[string]interface{}{"new_hosts": []string{"http://x:4001"}}})
	bus.Publish(events.Event{Type: events.EventHostHealthy, Host: "http://x:4001"})
	require.NoError(t, bus.Stop())

	host, ok := m.GetHost("http://x:4001")
	require.True(t, ok)
	assert.True(t, host.Healthy)
}

func TestMetrics_HistoryBounded(t *testing.T) {
	m := NewMetrics()
	m.MaxHistoryPoints = 3
	for i := 0; i < 10; i++ {
		m.HandleEvent(events.Event{Type: events.EventRequestCompleted, Host: "http://a",
			Data: map[string]interface{}{"duration": time.Duration(i+1) * time.Millisecond}})
	}

	snapshot := m.GetMetrics()
	assert.Len(t, snapshot.History, 3)
	assert.Equal(t, int64(10), snapshot.TotalRequests)
	assert.Equal(t, 10*time.Millisecond, snapshot.P95ResponseTime)
}

func TestMetrics_SetHostsMatchesEventHosts(t *testing.T) {
	m := NewMetrics()
	m.SetHosts([]string{"http://a:4001/", " http://b:4001 ", ""})

	m.HandleEvent(events.Event{Type: events.EventAttemptFailed, Host: "http://a:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"status": 503, "error": "unavailable"}})

	snapshot := m.GetMetrics()
	require.Len(t, snapshot.Hosts, 2)

	a, ok := m.GetHost("http://a:4001")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.Attempts)

	_, ok = m.GetHost("http://a:4001/")
	assert.False(t, ok)
}
