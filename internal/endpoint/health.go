package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"rqlite-client/config"
	"rqlite-client/internal/events"
	"rqlite-client/internal/transport"
)

// HostStatus 单个主机的健康检查结果
type HostStatus struct {
	URL              string        `json:"url"`
	Healthy          bool          `json:"healthy"`
	NeverChecked     bool          `json:"never_checked"`
	LastCheck        time.Time     `json:"last_check"`
	ResponseTime     time.Duration `json:"response_time"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastError        string        `json:"last_error,omitempty"`
}

// HealthChecker 周期性请求每个主机的 health_path
// 结果只用于展示，不影响调度器的主机选择
type HealthChecker struct {
	hosts  func() []string
	client *http.Client
	logger *slog.Logger

	mutex  sync.RWMutex
	config config.HealthConfig
	auth   config.AuthConfig
	status map[string]*HostStatus

	eventBus events.EventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker hosts 返回当前主机列表，通常是 Dispatcher.Hosts
func NewHealthChecker(cfg *config.Config, hosts func() []string, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}

	httpTransport, err := transport.CreateTransport(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to create HTTP transport with proxy: %s", err.Error()))
		httpTransport = &http.Transport{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthChecker{
		hosts: hosts,
		client: &http.Client{
			Transport: httpTransport,
		},
		logger: logger,
		config: cfg.Health,
		auth:   cfg.Auth,
		status: make(map[string]*HostStatus),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetEventBus 健康状态变化时发布 host_healthy / host_unhealthy
func (h *HealthChecker) SetEventBus(bus events.EventBus) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.eventBus = bus
}

// Start 启动检查循环，未启用时直接返回
func (h *HealthChecker) Start() {
	h.mutex.RLock()
	enabled := h.config.Enabled
	h.mutex.RUnlock()
	if !enabled {
		return
	}

	h.wg.Add(1)
	go h.healthCheckLoop()
}

// Stop 停止检查循环
func (h *HealthChecker) Stop() {
	h.cancel()
	h.wg.Wait()
}

// UpdateConfig 热更新检查参数，间隔变化在下一个周期生效
func (h *HealthChecker) UpdateConfig(cfg *config.Config) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.config = cfg.Health
	h.auth = cfg.Auth
}

func (h *HealthChecker) healthCheckLoop() {
	defer h.wg.Done()

	h.CheckNow(h.ctx)

	for {
		h.mutex.RLock()
		interval := h.config.CheckInterval
		h.mutex.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			h.CheckNow(h.ctx)
		}
	}
}

// CheckNow 并发检查全部主机并等待结果
func (h *HealthChecker) CheckNow(ctx context.Context) {
	hosts := h.hosts()
	if len(hosts) == 0 {
		h.logger.Debug("🩺 [健康检查] 没有配置的主机，跳过健康检查")
		return
	}

	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			h.checkHost(ctx, host)
		}(host)
	}
	wg.Wait()

	healthy := 0
	for _, host := range hosts {
		if status, ok := h.GetStatus(host); ok && status.Healthy {
			healthy++
		}
	}
	h.logger.Debug(fmt.Sprintf("🩺 [健康检查] 完成检查 - 健康: %d/%d", healthy, len(hosts)))
}

func (h *HealthChecker) checkHost(ctx context.Context, host string) {
	h.mutex.RLock()
	healthPath := h.config.HealthPath
	timeout := h.config.Timeout
	auth := h.auth
	h.mutex.RUnlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	healthURL := strings.TrimRight(host, "/") + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		h.updateStatus(host, false, 0, err.Error())
		return
	}
	if auth.Enabled() {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := h.client.Do(req)
	responseTime := time.Since(start)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("❌ [健康检查] 主机网络错误: %s - 错误: %s, 响应时间: %dms",
			host, err.Error(), responseTime.Milliseconds()))
		h.updateStatus(host, false, responseTime, err.Error())
		return
	}
	resp.Body.Close()

	// 只有 2xx 视为健康
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.logger.Debug(fmt.Sprintf("✅ [健康检查] 主机正常: %s - 状态码: %d, 响应时间: %dms",
			host, resp.StatusCode, responseTime.Milliseconds()))
		h.updateStatus(host, true, responseTime, "")
		return
	}

	h.logger.Warn(fmt.Sprintf("⚠️ [健康检查] 主机异常: %s - 状态码: %d, 响应时间: %dms",
		host, resp.StatusCode, responseTime.Milliseconds()))
	h.updateStatus(host, false, responseTime, fmt.Sprintf("status %d", resp.StatusCode))
}

func (h *HealthChecker) updateStatus(host string, healthy bool, responseTime time.Duration, errMsg string) {
	h.mutex.Lock()
	status, ok := h.status[host]
	if !ok {
		status = &HostStatus{URL: host, NeverChecked: true}
		h.status[host] = status
	}

	changed := status.NeverChecked || status.Healthy != healthy
	status.NeverChecked = false
	status.Healthy = healthy
	status.LastCheck = time.Now()
	status.ResponseTime = responseTime
	status.LastError = errMsg
	if healthy {
		status.ConsecutiveFails = 0
	} else {
		status.ConsecutiveFails++
	}
	fails := status.ConsecutiveFails
	bus := h.eventBus
	h.mutex.Unlock()

	if !changed {
		return
	}

	eventType := events.EventHostHealthy
	priority := events.PriorityNormal
	if healthy {
		h.logger.Info(fmt.Sprintf("✅ [健康检查] 主机可用: %s - 响应时间: %dms", host, responseTime.Milliseconds()))
	} else {
		eventType = events.EventHostUnhealthy
		priority = events.PriorityHigh
		h.logger.Warn(fmt.Sprintf("❌ [健康检查] 主机标记为不可用: %s - 连续失败: %d次", host, fails))
	}

	if bus != nil {
		bus.Publish(events.Event{
			Type:      eventType,
			Source:    "health_checker",
			Timestamp: time.Now(),
			Host:      host,
			Priority:  priority,
			Data: map[string]interface{}{
				"response_time":     responseTime,
				"consecutive_fails": fails,
				"error":             errMsg,
			},
		})
	}
}

// GetStatus 返回主机状态副本
func (h *HealthChecker) GetStatus(host string) (HostStatus, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	status, ok := h.status[host]
	if !ok {
		return HostStatus{}, false
	}
	return *status, true
}

// GetAllStatus 按当前主机顺序返回状态，未检查过的主机 NeverChecked 为 true
func (h *HealthChecker) GetAllStatus() []HostStatus {
	hosts := h.hosts()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]HostStatus, 0, len(hosts))
	for _, host := range hosts {
		if status, ok := h.status[host]; ok {
			result = append(result, *status)
		} else {
			result = append(result, HostStatus{URL: host, NeverChecked: true})
		}
	}
	return result
}
