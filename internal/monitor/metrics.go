package monitor

import (
	"sort"
	"sync"
	"time"

	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/events"
)

// HostMetrics tracks metrics for a single rqlite node
type HostMetrics struct {
	URL               string
	Attempts          int64
	Successes         int64
	Failures          int64
	Redirects         int64 // 该节点返回的重定向次数
	Retries           int64 // 在该节点失败后安排的重试次数
	TotalResponseTime time.Duration
	LastStatus        int
	LastError         string
	LastUsed          time.Time
	Healthy           bool
	HealthChecked     bool
	LastHealthCheck   time.Time
}

// RequestInfo 最近完成的逻辑请求
type RequestInfo struct {
	ID        string
	Method    string
	URI       string
	Host      string
	Status    int
	Attempts  int
	Retries   int
	Redirects int
	Error     string
	ErrorCode string
	Duration  time.Duration
	Timestamp time.Time
	Success   bool
}

// LeaderChange 一次 leader 变更
type LeaderChange struct {
	From      string
	To        string
	Timestamp time.Time
}

// Metrics contains all monitoring metrics
type Metrics struct {
	mu sync.RWMutex

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalRetries       int64
	TotalRedirects     int64

	ResponseTimes     []time.Duration
	TotalResponseTime time.Duration
	MinResponseTime   time.Duration
	MaxResponseTime   time.Duration

	HostStats     map[string]*HostMetrics
	LeaderChanges []LeaderChange
	History       []RequestInfo

	StartTime        time.Time
	MaxHistoryPoints int
}

// Snapshot 只读副本
type Snapshot struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalRetries       int64
	TotalRedirects     int64
	MinResponseTime    time.Duration
	MaxResponseTime    time.Duration
	AvgResponseTime    time.Duration
	P95ResponseTime    time.Duration
	SuccessRate        float64
	Hosts              []HostMetrics
	LeaderChanges      []LeaderChange
	History            []RequestInfo
	StartTime          time.Time
	Uptime             time.Duration
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		HostStats:        make(map[string]*HostMetrics),
		StartTime:        time.Now(),
		MaxHistoryPoints: 200,
	}
}

// Attach 订阅调度器和健康检查发布的事件
func (m *Metrics) Attach(bus events.EventBus) {
	bus.Subscribe(m.HandleEvent,
		events.EventAttemptFailed,
		events.EventRedirectFollowed,
		events.EventRetryScheduled,
		events.EventLeaderChanged,
		events.EventRequestCompleted,
		events.EventRequestFailed,
		events.EventHostHealthy,
		events.EventHostUnhealthy,
		events.EventHostsReplaced,
	)
}

// HandleEvent 根据事件更新计数
func (m *Metrics) HandleEvent(e events.Event) {
	switch e.Type {
	case events.EventAttemptFailed:
		m.recordAttempt(e.Host, e.Int("status"), e.String("error"), false, e.Timestamp)
	case events.EventRedirectFollowed:
		m.recordRedirect(e.Host, e.Int("status"), e.Timestamp)
	case events.EventRetryScheduled:
		m.recordRetry(e.Host)
	case events.EventLeaderChanged:
		m.recordLeaderChange(e.String("old_leader"), e.String("new_leader"), e.Timestamp)
	case events.EventRequestCompleted:
		m.recordAttempt(e.Host, e.Int("status"), "", true, e.Timestamp)
		m.recordRequest(e, true)
	case events.EventRequestFailed:
		m.recordRequest(e, false)
	case events.EventHostHealthy:
		m.UpdateHostHealth(e.Host, true, e.Timestamp)
	case events.EventHostUnhealthy:
		m.UpdateHostHealth(e.Host, false, e.Timestamp)
	case events.EventHostsReplaced:
		if hosts, ok := e.Data["new_hosts"].([]string); ok {
			m.SetHosts(hosts)
		}
	}
}

// getHost 调用方必须持有写锁
func (m *Metrics) getHost(url string) *HostMetrics {
	host, ok := m.HostStats[url]
	if !ok {
		host = &HostMetrics{URL: url}
		m.HostStats[url] = host
	}
	return host
}

// SetHosts 确保每个注册主机都有一行，已移除主机的统计保留
// 地址按注册表规则规范化，和事件里的 Host 对齐
func (m *Metrics) SetHosts(hosts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range endpoint.NormalizeHosts(hosts) {
		m.getHost(h)
	}
}

func (m *Metrics) recordAttempt(url string, status int, errMsg string, success bool, at time.Time) {
	if url == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	host := m.getHost(url)
	host.Attempts++
	host.LastStatus = status
	host.LastUsed = at
	if success {
		host.Successes++
		host.LastError = ""
	} else {
		host.Failures++
		host.LastError = errMsg
	}
}

func (m *Metrics) recordRedirect(url string, status int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRedirects++
	if url == "" {
		return
	}
	host := m.getHost(url)
	host.Attempts++
	host.Redirects++
	host.LastStatus = status
	host.LastUsed = at
}

func (m *Metrics) recordRetry(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRetries++
	if url != "" {
		m.getHost(url).Retries++
	}
}

func (m *Metrics) recordLeaderChange(from, to string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LeaderChanges = append(m.LeaderChanges, LeaderChange{From: from, To: to, Timestamp: at})
	if len(m.LeaderChanges) > m.MaxHistoryPoints {
		m.LeaderChanges = m.LeaderChanges[len(m.LeaderChanges)-m.MaxHistoryPoints:]
	}
}

func (m *Metrics) recordRequest(e events.Event, success bool) {
	info := RequestInfo{
		ID:        e.RequestID,
		Method:    e.String("method"),
		URI:       e.String("uri"),
		Host:      e.Host,
		Status:    e.Int("status"),
		Attempts:  e.Int("attempts"),
		Retries:   e.Int("retries"),
		Redirects: e.Int("redirects"),
		Error:     e.String("error"),
		ErrorCode: e.String("error_code"),
		Duration:  e.Duration("duration"),
		Timestamp: e.Timestamp,
		Success:   success,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}

	m.ResponseTimes = append(m.ResponseTimes, info.Duration)
	if len(m.ResponseTimes) > 1000 {
		m.ResponseTimes = m.ResponseTimes[len(m.ResponseTimes)-1000:]
	}
	m.TotalResponseTime += info.Duration
	if m.MinResponseTime == 0 || info.Duration < m.MinResponseTime {
		m.MinResponseTime = info.Duration
	}
	if info.Duration > m.MaxResponseTime {
		m.MaxResponseTime = info.Duration
	}
	if success && info.Host != "" {
		m.getHost(info.Host).TotalResponseTime += info.Duration
	}

	m.History = append(m.History, info)
	if len(m.History) > m.MaxHistoryPoints {
		m.History = m.History[len(m.History)-m.MaxHistoryPoints:]
	}
}

// UpdateHostHealth 记录健康检查结果
func (m *Metrics) UpdateHostHealth(url string, healthy bool, at time.Time) {
	if url == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	host := m.getHost(url)
	host.Healthy = healthy
	host.HealthChecked = true
	host.LastHealthCheck = at
}

// GetMetrics returns a snapshot of the current metrics
func (m *Metrics) GetMetrics() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		TotalRequests:      m.TotalRequests,
		SuccessfulRequests: m.SuccessfulRequests,
		FailedRequests:     m.FailedRequests,
		TotalRetries:       m.TotalRetries,
		TotalRedirects:     m.TotalRedirects,
		MinResponseTime:    m.MinResponseTime,
		MaxResponseTime:    m.MaxResponseTime,
		AvgResponseTime:    m.averageResponseTimeUnlocked(),
		P95ResponseTime:    m.p95ResponseTimeUnlocked(),
		SuccessRate:        m.successRateUnlocked(),
		Hosts:              make([]HostMetrics, 0, len(m.HostStats)),
		LeaderChanges:      append([]LeaderChange(nil), m.LeaderChanges...),
		History:            append([]RequestInfo(nil), m.History...),
		StartTime:          m.StartTime,
		Uptime:             time.Since(m.StartTime),
	}

	for _, host := range m.HostStats {
		snapshot.Hosts = append(snapshot.Hosts, *host)
	}
	sort.Slice(snapshot.Hosts, func(i, j int) bool {
		return snapshot.Hosts[i].URL < snapshot.Hosts[j].URL
	})

	return snapshot
}

// GetHost 返回单个主机的统计副本
func (m *Metrics) GetHost(url string) (HostMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.HostStats[url]
	if !ok {
		return HostMetrics{}, false
	}
	return *host, true
}

// GetAverageResponseTime calculates average response time
func (m *Metrics) GetAverageResponseTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageResponseTimeUnlocked()
}

func (m *Metrics) averageResponseTimeUnlocked() time.Duration {
	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalResponseTime / time.Duration(m.TotalRequests)
}

// GetSuccessRate calculates success rate as percentage
func (m *Metrics) GetSuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successRateUnlocked()
}

func (m *Metrics) successRateUnlocked() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// GetP95ResponseTime calculates 95th percentile response time over the recent window
func (m *Metrics) GetP95ResponseTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p95ResponseTimeUnlocked()
}

func (m *Metrics) p95ResponseTimeUnlocked() time.Duration {
	if len(m.ResponseTimes) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), m.ResponseTimes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * 0.95)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
