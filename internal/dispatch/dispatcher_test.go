package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/events"
	"rqlite-client/internal/retry"
)

// countingServer 记录请求次数的测试节点
type countingServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newCountingServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func statusHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func intPtr(v int) *int {
	return &v
}

func durationPtr(v time.Duration) *time.Duration {
	return &v
}

func newTestDispatcher(t *testing.T, hosts []string, opts Options) *Dispatcher {
	t.Helper()
	if opts.BackoffBase == nil {
		opts.BackoffBase = durationPtr(time.Millisecond)
	}
	d, err := New(hosts, opts)
	require.NoError(t, err)
	return d
}

func TestNew_ConfigurationErrors(t *testing.T) {
	_, err := New(nil, Options{})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, endpoint.ErrNoHosts)

	_, err = New([]string{" ", ""}, Options{})
	assert.ErrorIs(t, err, endpoint.ErrNoHosts)

	_, err = New([]string{"http://a"}, Options{Retries: intPtr(-1)})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New([]string{"http://a"}, Options{BackoffBase: durationPtr(-time.Second)})
	assert.ErrorAs(t, err, &cfgErr)

	d := newTestDispatcher(t, []string{"http://a"}, Options{})
	_, err = d.Fetch(context.Background(), FetchOptions{})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFetch_FailoverToSecondHost(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, "unavailable"))
	b := newCountingServer(t, statusHandler(http.StatusOK, `{"from":"b"}`))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"from":"b"}`, string(resp.Body))
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, b.URL, resp.Host)
}

func TestFetch_RetryExhaustionReturnsOriginalError(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, "a down"))
	b := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, "b down"))

	testCases := []struct {
		name          string
		retries       *int
		expectedCalls int32
	}{
		{"explicit retries", intPtr(3), 4},
		{"zero retries", intPtr(0), 1},
		{"default is three per host", nil, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a.calls.Store(0)
			b.calls.Store(0)
			d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})

			_, err := d.Get(context.Background(), FetchOptions{URI: "db/query", Retries: tc.retries})
			require.Error(t, err)

			var statusErr *HTTPStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
			assert.Equal(t, tc.expectedCalls, a.calls.Load()+b.calls.Load())
		})
	}
}

func TestFetch_NonRetryableStatusFailsImmediately(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusTeapot, "teapot"))
	b := newCountingServer(t, statusHandler(http.StatusOK, "ok"))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	_, err := d.Get(context.Background(), FetchOptions{URI: "/status"})

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTeapot, statusErr.StatusCode)
	assert.Equal(t, "teapot", string(statusErr.Body))
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(0), b.calls.Load())
	assert.Equal(t, 0, d.ActiveHostIndex())
}

func TestFetch_MethodNotRetryable(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, ""))
	b := newCountingServer(t, statusHandler(http.StatusOK, "ok"))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{
		Classifier: retry.NewClassifier(nil, nil, []string{http.MethodGet}),
	})
	_, err := d.Post(context.Background(), FetchOptions{URI: "/db/execute", Body: []string{"SELECT 1"}})

	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFetch_PostWithLeaderLearnsLeaderFromRedirect(t *testing.T) {
	var received []byte
	var mu sync.Mutex
	b := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received, _ = io.ReadAll(r.Body)
		mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/db/execute", r.URL.Path)
		io.WriteString(w, `{"results":[{"rows_affected":1}]}`)
	})
	a := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, b.URL+r.URL.Path, http.StatusMovedPermanently)
	})

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	require.Equal(t, 0, d.LeaderHostIndex())

	resp, err := d.Post(context.Background(), FetchOptions{
		URI:       "/db/execute",
		Body:      []string{"INSERT INTO foo VALUES(1)"},
		UseLeader: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, d.LeaderHostIndex())
	assert.JSONEq(t, `{"results":[{"rows_affected":1}]}`, string(resp.Body))
	mu.Lock()
	assert.JSONEq(t, `["INSERT INTO foo VALUES(1)"]`, string(received))
	mu.Unlock()
	assert.Equal(t, b.URL, d.ActiveHost(true))

	// 下一个写请求直接发往新的 leader
	_, err = d.Post(context.Background(), FetchOptions{URI: "/db/execute", Body: []string{"x"}, UseLeader: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Equal(t, 0, d.ActiveHostIndex())
}

func TestFetch_RedirectWithoutLeaderDoesNotLearn(t *testing.T) {
	b := newCountingServer(t, statusHandler(http.StatusOK, "ok"))
	a := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, b.URL+r.URL.RequestURI(), http.StatusFound)
	})

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/query", Query: Query{"level": "weak"}})
	require.NoError(t, err)

	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 0, d.LeaderHostIndex())
	assert.Equal(t, b.URL+"/db/query?level=weak", resp.URL)
}

func TestFetch_UnknownRedirectTargetStillFollowed(t *testing.T) {
	outsider := newCountingServer(t, statusHandler(http.StatusOK, "outsider"))
	a := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, outsider.URL+r.URL.Path, http.StatusMovedPermanently)
	})
	b := newCountingServer(t, statusHandler(http.StatusOK, "b"))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	resp, err := d.Post(context.Background(), FetchOptions{URI: "/db/execute", Body: "[]", UseLeader: true})
	require.NoError(t, err)

	assert.Equal(t, "outsider", string(resp.Body))
	assert.Equal(t, 0, d.LeaderHostIndex())
	assert.Equal(t, outsider.URL, resp.Host)
}

func TestFetch_MaxRedirects(t *testing.T) {
	var self *countingServer
	self = newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, self.URL+r.URL.Path, http.StatusMovedPermanently)
	})

	d := newTestDispatcher(t, []string{self.URL}, Options{})
	_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query", MaxRedirects: intPtr(2)})

	require.ErrorIs(t, err, ErrMaxRedirects)
	var maxErr *MaxRedirectsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.MaxRedirects)
	assert.Equal(t, int32(3), self.calls.Load())
}

func TestFetch_RedirectWithoutLocationIsTerminal(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusFound, "no location"))
	b := newCountingServer(t, statusHandler(http.StatusOK, "ok"))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{})
	_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})

	assert.Equal(t, http.StatusFound, StatusCode(err))
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFetch_RoundRobinAdvancesOnReads(t *testing.T) {
	servers := []*countingServer{
		newCountingServer(t, statusHandler(http.StatusOK, "0")),
		newCountingServer(t, statusHandler(http.StatusOK, "1")),
		newCountingServer(t, statusHandler(http.StatusOK, "2")),
	}
	hosts := []string{servers[0].URL, servers[1].URL, servers[2].URL}
	d := newTestDispatcher(t, hosts, Options{})

	const n = 7
	for i := 0; i < n; i++ {
		resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+i%3)), string(resp.Body))
	}

	assert.Equal(t, n%3, d.ActiveHostIndex())
	assert.Equal(t, int32(3), servers[0].calls.Load())
	assert.Equal(t, int32(2), servers[1].calls.Load())
	assert.Equal(t, int32(2), servers[2].calls.Load())

	// leader 读不参与 round robin
	_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query", UseLeader: true})
	require.NoError(t, err)
	assert.Equal(t, n%3, d.ActiveHostIndex())
}

func TestFetch_RoundRobinDisabled(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusOK, "a"))
	b := newCountingServer(t, statusHandler(http.StatusOK, "b"))

	disabled := false
	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{RoundRobin: &disabled})
	for i := 0; i < 3; i++ {
		_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestFetch_TransportErrorFailover(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	b := newCountingServer(t, statusHandler(http.StatusOK, "alive"))

	d := newTestDispatcher(t, []string{closedURL, b.URL}, Options{})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/status"})
	require.NoError(t, err)
	assert.Equal(t, "alive", string(resp.Body))

	_, err = d.Get(context.Background(), FetchOptions{URI: closedURL + "/status", Retries: intPtr(0)})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, retry.ErrCodeConnRefused, transportErr.Code)
	assert.Equal(t, retry.ErrCodeConnRefused, ErrorCode(err))
}

func TestFetch_AttemptTimeout(t *testing.T) {
	slow := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	d := newTestDispatcher(t, []string{slow.URL}, Options{Timeout: 50 * time.Millisecond})
	_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query", Retries: intPtr(1)})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, retry.ErrCodeTimedOut, transportErr.Code)
	assert.ErrorIs(t, err, errAttemptTimeout)
	assert.Equal(t, int32(2), slow.calls.Load())
}

func TestFetch_ContextCancelledDuringBackoff(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, ""))
	b := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, ""))

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{BackoffBase: durationPtr(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Get(ctx, FetchOptions{URI: "/db/query"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	// 第一次重试不等待，第二次重试在退避中被取消
	assert.Equal(t, int32(2), a.calls.Load()+b.calls.Load())
}

func TestFetch_RequestShape(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace"))
		assert.Equal(t, "/db/execute", r.URL.Path)
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tables[]"])
		assert.Equal(t, "true", r.URL.Query().Get("timings"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `[["INSERT INTO foo(name) VALUES(?)","fiona"]]`, string(body))
		w.WriteHeader(http.StatusOK)
	})

	d := newTestDispatcher(t, []string{server.URL + "/"}, Options{
		Credentials: &Credentials{Username: "admin", Password: "secret"},
	})
	_, err := d.Post(context.Background(), FetchOptions{
		URI:    "db/execute",
		Body:   [][]interface{}{{"INSERT INTO foo(name) VALUES(?)", "fiona"}},
		Query:  Query{"timings": true, "tables": []string{"a", "b"}, "skip": nil},
		Header: http.Header{"X-Trace": []string{"trace-1"}},
	})
	require.NoError(t, err)
}

func TestFetch_SeekableBodyReplayedOnRetry(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	var calls atomic.Int32
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	d := newTestDispatcher(t, []string{server.URL}, Options{})
	_, err := d.Post(context.Background(), FetchOptions{
		URI:    "/db/load",
		Body:   bytes.NewReader([]byte("CREATE TABLE foo (id INTEGER);")),
		Header: http.Header{"Content-Type": []string{"text/plain"}},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CREATE TABLE foo (id INTEGER);", "CREATE TABLE foo (id INTEGER);"}, bodies)
}

func TestFetch_Stream(t *testing.T) {
	payload := bytes.Repeat([]byte("backup-data-"), 1000)
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	})

	d := newTestDispatcher(t, []string{server.URL}, Options{Timeout: 50 * time.Millisecond})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/backup", Stream: true, UseLeader: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	assert.Nil(t, resp.Body)

	// 单次超时只约束到响应头到达为止
	time.Sleep(100 * time.Millisecond)
	data, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoError(t, resp.Close())
	assert.NoError(t, resp.Close())
}

func TestFetch_BrotliResponse(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		bw.Write([]byte(`{"results":[]}`))
		bw.Close()
		w.Header().Set("Content-Encoding", "br")
		w.Write(buf.Bytes())
	})

	d := newTestDispatcher(t, []string{server.URL}, Options{})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, resp.JSON(&decoded))
	assert.Contains(t, decoded, "results")
}

func TestFetch_UnknownEncodingLogsToDispatcherLogger(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		io.WriteString(w, "raw")
	})

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	d := newTestDispatcher(t, []string{server.URL}, Options{Logger: logger})
	resp, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
	require.NoError(t, err)

	assert.Equal(t, "raw", string(resp.Body))
	assert.Contains(t, logs.String(), "未知的内容编码: zstd")
}

func TestFetch_PublishesEvents(t *testing.T) {
	a := newCountingServer(t, statusHandler(http.StatusServiceUnavailable, ""))
	b := newCountingServer(t, statusHandler(http.StatusOK, "ok"))

	bus := events.NewEventBus(nil)
	require.NoError(t, bus.Start())

	var mu sync.Mutex
	var seen []events.EventType
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	d := newTestDispatcher(t, []string{a.URL, b.URL}, Options{Bus: bus})
	_, err := d.Get(context.Background(), FetchOptions{URI: "/db/query"})
	require.NoError(t, err)
	require.NoError(t, bus.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{
		events.EventRequestStarted,
		events.EventAttemptFailed,
		events.EventRetryScheduled,
		events.EventRequestCompleted,
	}, seen)
}

func TestDispatcher_SetHosts(t *testing.T) {
	d := newTestDispatcher(t, []string{"http://a:4001", "http://b:4001", "http://c:4001"}, Options{})
	d.Selector().SetLeaderHostIndex(2)
	d.Selector().SetActiveHostIndex(2)

	require.NoError(t, d.SetHosts([]string{"http://x:4001/", "http://y:4001"}))
	assert.Equal(t, []string{"http://x:4001", "http://y:4001"}, d.Hosts())
	assert.Equal(t, 1, d.LeaderHostIndex())
	assert.Equal(t, "http://y:4001", d.ActiveHost(false))

	err := d.SetHosts(nil)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.True(t, errors.Is(err, endpoint.ErrNoHosts))
	assert.Equal(t, []string{"http://x:4001", "http://y:4001"}, d.Hosts())
}
