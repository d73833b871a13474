package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqlite-client/config"
	"rqlite-client/internal/events"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tracker, err := NewTracker(config.TrackingConfig{
		Enabled:         true,
		DatabasePath:    ":memory:",
		BufferSize:      50,
		BatchSize:       5,
		FlushInterval:   time.Hour,
		MaxRetry:        2,
		RetentionDays:   7,
		CleanupInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func TestTracker_Disabled(t *testing.T) {
	tracker, err := NewTracker(config.TrackingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, tracker.Enabled())

	tracker.Record(RequestRecord{RequestID: "ignored"})
	assert.NoError(t, tracker.Flush(context.Background()))
	records, err := tracker.QueryRecords(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, tracker.Close())
}

func TestTracker_RecordAndQuery(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	tracker.Record(RequestRecord{RequestID: "r1", Method: "GET", URI: "/db/query", Host: "http://a:4001",
		StatusCode: 200, Attempts: 1, Success: true, Duration: 12 * time.Millisecond, CreatedAt: now.Add(-2 * time.Second)})
	tracker.Record(RequestRecord{RequestID: "r2", Method: "POST", URI: "/db/execute", Host: "http://b:4001",
		StatusCode: 503, Attempts: 4, Retries: 3, ErrorMessage: "unavailable", Duration: 40 * time.Millisecond, CreatedAt: now.Add(-time.Second)})
	tracker.Record(RequestRecord{RequestID: "r3", Method: "POST", URI: "/db/execute", Host: "http://a:4001",
		Attempts: 2, Redirects: 1, ErrorCode: "ECONNREFUSED", ErrorMessage: "refused", Duration: 8 * time.Millisecond, CreatedAt: now})

	require.NoError(t, tracker.Flush(ctx))

	records, err := tracker.QueryRecords(ctx, &QueryOptions{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "r3", records[0].RequestID)
	assert.Equal(t, "ECONNREFUSED", records[0].ErrorCode)
	assert.Equal(t, 1, records[0].Redirects)
	assert.False(t, records[0].Success)
	assert.Equal(t, "r1", records[2].RequestID)
	assert.True(t, records[2].Success)
	assert.Equal(t, 12*time.Millisecond, records[2].Duration)
	assert.Equal(t, now.Add(-2*time.Second).UnixMilli(), records[2].CreatedAt.UnixMilli())

	testCases := []struct {
		name     string
		opts     QueryOptions
		expected []string
	}{
		{"by host", QueryOptions{Host: "http://a:4001"}, []string{"r3", "r1"}},
		{"by method", QueryOptions{Method: "post"}, []string{"r3", "r2"}},
		{"only failed", QueryOptions{OnlyFailed: true}, []string{"r3", "r2"}},
		{"limit offset", QueryOptions{Limit: 1, Offset: 1}, []string{"r2"}},
		{"since", QueryOptions{Since: now.Add(-1500 * time.Millisecond)}, []string{"r3", "r2"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := tc.opts
			records, err := tracker.QueryRecords(ctx, &opts)
			require.NoError(t, err)
			var ids []string
			for _, r := range records {
				ids = append(ids, r.RequestID)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}

	count, err := tracker.CountRecords(ctx, &QueryOptions{OnlyFailed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	summary, err := tracker.Summarize(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(2), summary.FailedRequests)
	assert.Equal(t, 20*time.Millisecond, summary.AvgDuration)
	require.Len(t, summary.Hosts, 2)
	assert.Equal(t, HostSummary{Host: "http://a:4001", Requests: 2, Failures: 1}, summary.Hosts[0])

	stats := tracker.GetStats()
	assert.Equal(t, int64(3), stats.Recorded)
	assert.Equal(t, int64(3), stats.Written)
}

func TestTracker_Cleanup(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	tracker.Record(RequestRecord{RequestID: "old", Method: "GET", URI: "/status", CreatedAt: time.Now().AddDate(0, 0, -30)})
	tracker.Record(RequestRecord{RequestID: "new", Method: "GET", URI: "/status", CreatedAt: time.Now()})
	require.NoError(t, tracker.Flush(ctx))

	deleted, err := tracker.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := tracker.QueryRecords(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].RequestID)
}

func TestTracker_AttachToBus(t *testing.T) {
	tracker := newTestTracker(t)
	bus := events.NewEventBus(nil)
	require.NoError(t, bus.Start())
	tracker.Attach(bus)

	bus.Publish(events.Event{Type: events.EventRequestCompleted, RequestID: "ok", Host: "http://a:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"method": "GET", "uri": "/db/query", "status": 200, "attempts": 1, "duration": 5 * time.Millisecond}})
	bus.Publish(events.Event{Type: events.EventRequestFailed, RequestID: "bad", Host: "http://b:4001", Timestamp: time.Now(),
		Data: map[string]interface{}{"method": "POST", "uri": "/db/execute", "status": 418, "error": "teapot"}})
	bus.Publish(events.Event{Type: events.EventRetryScheduled, RequestID: "ignored"})
	require.NoError(t, bus.Stop())

	require.NoError(t, tracker.Flush(context.Background()))
	records, err := tracker.QueryRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]RequestRecord{}
	for _, r := range records {
		byID[r.RequestID] = r
	}
	assert.True(t, byID["ok"].Success)
	assert.Equal(t, 5*time.Millisecond, byID["ok"].Duration)
	assert.False(t, byID["bad"].Success)
	assert.Equal(t, 418, byID["bad"].StatusCode)
	assert.Equal(t, "teapot", byID["bad"].ErrorMessage)
}

func TestTracker_CloseFlushesPending(t *testing.T) {
	tracker, err := NewTracker(config.TrackingConfig{
		Enabled:       true,
		DatabasePath:  ":memory:",
		BufferSize:    10,
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, nil)
	require.NoError(t, err)

	tracker.Record(RequestRecord{RequestID: "pending", Method: "GET", URI: "/status", CreatedAt: time.Now()})
	require.NoError(t, tracker.Close())
	assert.Equal(t, int64(1), tracker.GetStats().Written)

	tracker.Record(RequestRecord{RequestID: "after-close"})
	assert.Equal(t, int64(1), tracker.GetStats().Recorded)
	assert.Error(t, tracker.Flush(context.Background()))
}

func TestBuildDatabaseConfig(t *testing.T) {
	cfg := buildDatabaseConfig(config.TrackingConfig{DatabasePath: "data/requests.db"})
	assert.Equal(t, "sqlite", cfg.Type)
	assert.Equal(t, "data/requests.db", cfg.DatabasePath)

	cfg = buildDatabaseConfig(config.TrackingConfig{Database: &config.DatabaseBackendConfig{Host: "db", Database: "rq", Username: "u"}})
	assert.Equal(t, "mysql", getDatabaseType(cfg))

	mysqlCfg := cfg
	mysqlCfg.Type = "mysql"
	setDefaultConfig(&mysqlCfg)
	dsn, err := NewMySQLAdapter(mysqlCfg).buildDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "u:@tcp(db:3306)/rq?")
	assert.Contains(t, dsn, "charset=utf8mb4")

	_, err = NewMySQLAdapter(DatabaseConfig{Type: "mysql"}).buildDSN()
	assert.Error(t, err)

	_, err = NewDatabaseAdapter(DatabaseConfig{Type: "postgres"})
	assert.Error(t, err)
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("-- comment\nCREATE TABLE a (\n id INT\n);\n\nCREATE INDEX i ON a(id);\n")
	assert.Equal(t, []string{"CREATE TABLE a ( id INT );", "CREATE INDEX i ON a(id);"}, stmts)
}
