package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/events"
	"rqlite-client/internal/retry"
	"rqlite-client/internal/transport"
)

const (
	// DefaultTimeout 单次物理请求的默认超时
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRedirects 单个逻辑请求最多跟随的重定向次数
	DefaultMaxRedirects = 10
	// DefaultRetriesPerHost 默认重试次数为主机数乘以该值
	DefaultRetriesPerHost = 3
)

var errAttemptTimeout = errors.New("attempt timed out")

// Doer 执行单次 HTTP 请求，实现方不得自动跟随重定向
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 调度器构造参数，零值字段使用默认值
type Options struct {
	Client       Doer
	Logger       *slog.Logger
	Bus          events.EventBus
	Classifier   *retry.Classifier
	Credentials  *Credentials
	Retries      *int           // nil 时每次请求按 3 x 当前主机数计算
	MaxRedirects *int           // nil 时为 10，0 表示不跟随重定向
	BackoffBase  *time.Duration // nil 时为 100ms，0 表示重试前不等待
	Timeout      time.Duration
	RoundRobin   *bool // nil 时开启
}

// settings 可热更新的调度参数
type settings struct {
	classifier   *retry.Classifier
	credentials  *Credentials
	retries      *int
	maxRedirects int
	backoffBase  time.Duration
	timeout      time.Duration
}

// Dispatcher 请求调度器
// 一次 Fetch 可能产生多次物理请求：跟随重定向学习 leader，可重试失败时退避并轮换主机
type Dispatcher struct {
	selector *endpoint.Selector
	client   Doer
	logger   *slog.Logger
	bus      events.EventBus

	settings settings
	mutex    sync.RWMutex
}

// New 创建调度器，主机列表为空时返回 ConfigurationError
func New(hosts []string, opts Options) (*Dispatcher, error) {
	registry, err := endpoint.NewRegistry(hosts)
	if err != nil {
		return nil, &ConfigurationError{Message: "invalid host list", Err: err}
	}
	if opts.Retries != nil && *opts.Retries < 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("retries must be non-negative, got %d", *opts.Retries)}
	}
	if opts.MaxRedirects != nil && *opts.MaxRedirects < 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("max redirects must be non-negative, got %d", *opts.MaxRedirects)}
	}
	if opts.BackoffBase != nil && *opts.BackoffBase < 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("backoff base must be non-negative, got %s", *opts.BackoffBase)}
	}

	client := opts.Client
	if client == nil {
		httpClient, err := transport.NewClient(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		client = httpClient
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		selector: endpoint.NewSelector(registry),
		client:   client,
		logger:   logger,
		bus:      opts.Bus,
	}
	d.settings = newSettings(opts)
	if opts.RoundRobin != nil {
		d.selector.SetRoundRobin(*opts.RoundRobin)
	}
	return d, nil
}

func newSettings(opts Options) settings {
	s := settings{
		classifier:   opts.Classifier,
		credentials:  opts.Credentials,
		retries:      opts.Retries,
		maxRedirects: DefaultMaxRedirects,
		backoffBase:  retry.DefaultBackoffBase,
		timeout:      opts.Timeout,
	}
	if s.classifier == nil {
		s.classifier = retry.NewClassifier(nil, nil, nil)
	}
	if opts.MaxRedirects != nil {
		s.maxRedirects = *opts.MaxRedirects
	}
	if opts.BackoffBase != nil && *opts.BackoffBase >= 0 {
		s.backoffBase = *opts.BackoffBase
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

func (d *Dispatcher) getSettings() settings {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.settings
}

// Get 发送 GET 请求
func (d *Dispatcher) Get(ctx context.Context, opts FetchOptions) (*Response, error) {
	opts.Method = http.MethodGet
	return d.Fetch(ctx, opts)
}

// Post 发送 POST 请求
func (d *Dispatcher) Post(ctx context.Context, opts FetchOptions) (*Response, error) {
	opts.Method = http.MethodPost
	return d.Fetch(ctx, opts)
}

// attemptState 单个逻辑请求的尝试状态
type attemptState struct {
	uri              string
	attempt          int
	retryAttempt     int
	redirectAttempt  int
	attemptHostIndex int
	hasAttemptHost   bool
	redirected       bool
}

// requestRecord 用于日志和事件
type requestRecord struct {
	id        string
	method    string
	uri       string
	useLeader bool
	start     time.Time
	state     *attemptState
}

// Fetch 执行一个逻辑请求
// 成功返回最终响应；失败时原样返回最后一次尝试的错误，重定向耗尽返回 MaxRedirectsError
func (d *Dispatcher) Fetch(ctx context.Context, opts FetchOptions) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.URI == "" {
		return nil, &ConfigurationError{Message: "the uri option is required"}
	}
	if opts.Retries != nil && *opts.Retries < 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("retries must be non-negative, got %d", *opts.Retries)}
	}
	if opts.MaxRedirects != nil && *opts.MaxRedirects < 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("max redirects must be non-negative, got %d", *opts.MaxRedirects)}
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	body, err := newRequestBody(opts.Body)
	if err != nil {
		return nil, err
	}

	cfg := d.getSettings()
	header := mergeHeaders(opts.Header, method, body)
	auth := opts.Auth
	if auth == nil {
		auth = cfg.credentials
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.timeout
	}
	policy := d.policy(cfg, opts)

	state := &attemptState{uri: opts.URI}
	rec := &requestRecord{
		id:        uuid.NewString(),
		method:    method,
		uri:       opts.URI,
		useLeader: opts.UseLeader,
		start:     time.Now(),
		state:     state,
	}
	d.publish(events.EventRequestStarted, events.PriorityLow, rec.id, "", map[string]interface{}{
		"method":     method,
		"uri":        opts.URI,
		"use_leader": opts.UseLeader,
	})

	for {
		hostIndex, host := d.selectHost(state, opts.UseLeader)
		target := buildURL(host, state.uri, opts.Query, state.redirected)
		label := d.hostLabel(target, host)

		d.logger.Debug(fmt.Sprintf("📤 [请求尝试] %s %s", method, target),
			"request_id", rec.id,
			"attempt", state.attempt,
			"retry_attempt", state.retryAttempt,
			"redirect_attempt", state.redirectAttempt)

		outcome := retry.Outcome{
			Method:          method,
			RetryAttempt:    state.retryAttempt,
			RedirectAttempt: state.redirectAttempt,
		}

		resp, a, err := d.doAttempt(ctx, method, target, header, body, auth, timeout)
		var failErr error
		if err != nil {
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				return nil, d.requestFailed(rec, label, err)
			}
			outcome.ErrorCode = transportErr.Code
			failErr = transportErr
		} else {
			outcome.StatusCode = resp.StatusCode
		}

		decision := policy.Decide(outcome)
		switch decision.Action {
		case retry.ActionSucceed:
			response, err := d.complete(ctx, rec, resp, a, target, label, opts.Stream)
			if err == nil {
				if method == http.MethodGet && !opts.UseLeader {
					d.selector.SetNextActiveHostIndex()
				}
				d.requestCompleted(rec, response)
				return response, nil
			}
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				return nil, d.requestFailed(rec, label, err)
			}
			outcome.StatusCode = 0
			outcome.ErrorCode = transportErr.Code
			failErr = transportErr
			decision = policy.Decide(outcome)

		case retry.ActionFollowRedirect:
			location, locErr := resp.Location()
			if locErr != nil {
				data, _ := readBody(resp, d.logger)
				a.release()
				return nil, d.requestFailed(rec, label, &HTTPStatusError{
					StatusCode: resp.StatusCode,
					URL:        target,
					Header:     resp.Header,
					Body:       data,
				})
			}
			drainBody(resp)
			a.release()

			if opts.UseLeader {
				d.learnLeader(rec, location.String())
			}
			d.publish(events.EventRedirectFollowed, events.PriorityNormal, rec.id, label, map[string]interface{}{
				"status":           resp.StatusCode,
				"location":         location.String(),
				"redirect_attempt": state.redirectAttempt,
			})
			d.logger.Info(fmt.Sprintf("↪️ [重定向] %s -> %s", target, location.String()),
				"request_id", rec.id,
				"status", resp.StatusCode,
				"redirect_attempt", state.redirectAttempt+1,
				"max_redirects", policy.MaxRedirects)

			state.uri = location.String()
			state.redirected = true
			state.attempt++
			state.redirectAttempt++
			state.attemptHostIndex = d.selector.NextActiveHostIndex(hostIndex)
			state.hasAttemptHost = true
			continue

		case retry.ActionMaxRedirects:
			drainBody(resp)
			a.release()
			return nil, d.requestFailed(rec, label, &MaxRedirectsError{MaxRedirects: policy.MaxRedirects, URL: target})

		default:
			if resp != nil {
				data, _ := readBody(resp, d.logger)
				a.release()
				failErr = &HTTPStatusError{
					StatusCode: resp.StatusCode,
					URL:        target,
					Header:     resp.Header,
					Body:       data,
				}
			}
		}

		d.publish(events.EventAttemptFailed, events.PriorityNormal, rec.id, label, map[string]interface{}{
			"status":        outcome.StatusCode,
			"error_code":    outcome.ErrorCode,
			"error":         failErr.Error(),
			"attempt":       state.attempt,
			"retry_attempt": state.retryAttempt,
		})

		if decision.Action != retry.ActionRetry {
			return nil, d.requestFailed(rec, label, failErr)
		}

		nextIndex := d.selector.NextActiveHostIndex(hostIndex)
		d.logger.Warn(fmt.Sprintf("🔄 [重试] %s %s 失败，%v 后切换到主机 #%d", method, target, decision.Delay, nextIndex),
			"request_id", rec.id,
			"status", outcome.StatusCode,
			"error_code", outcome.ErrorCode,
			"retry_attempt", state.retryAttempt+1,
			"retries", policy.Retries)
		d.publish(events.EventRetryScheduled, events.PriorityNormal, rec.id, label, map[string]interface{}{
			"delay":         decision.Delay,
			"retry_attempt": state.retryAttempt + 1,
			"next_host":     d.selector.Registry().Host(nextIndex),
		})

		if err := sleepContext(ctx, decision.Delay); err != nil {
			return nil, d.requestFailed(rec, label, err)
		}

		state.attempt++
		state.retryAttempt++
		state.attemptHostIndex = nextIndex
		state.hasAttemptHost = true
	}
}

// policy 合并实例级与请求级参数
func (d *Dispatcher) policy(cfg settings, opts FetchOptions) retry.Policy {
	retries := d.selector.Registry().Count() * DefaultRetriesPerHost
	if cfg.retries != nil {
		retries = *cfg.retries
	}
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	maxRedirects := cfg.maxRedirects
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}
	return retry.Policy{
		Classifier:   cfg.classifier,
		Retries:      retries,
		MaxRedirects: maxRedirects,
		BackoffBase:  cfg.backoffBase,
	}
}

// selectHost 优先使用重试/重定向指定的下标，否则按 useLeader 取 leader 或 round robin 下标
func (d *Dispatcher) selectHost(state *attemptState, useLeader bool) (int, string) {
	var index int
	switch {
	case state.hasAttemptHost:
		index = state.attemptHostIndex
	case useLeader:
		index = d.selector.LeaderHostIndex()
	default:
		index = d.selector.ActiveHostIndex()
	}

	registry := d.selector.Registry()
	host := registry.Host(index)
	if host == "" {
		// 主机列表在请求过程中被替换并缩短
		index = 0
		host = registry.Host(0)
	}
	return index, host
}

// hostLabel 返回目标地址对应的注册主机，未注册时返回 scheme://host
func (d *Dispatcher) hostLabel(target, fallback string) string {
	registry := d.selector.Registry()
	if index := registry.FindHostIndexByOrigin(target); index >= 0 {
		return registry.Host(index)
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fallback
	}
	return u.Scheme + "://" + u.Host
}

// attempt 单次物理请求的上下文，超时由 timer 触发
type attempt struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
	target  string
}

// stopTimer 响应头已到达，流式响应不再受单次超时约束
func (a *attempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

func (a *attempt) release() {
	a.stopTimer()
	a.cancel(nil)
}

// transportError 包装传输层错误，单次超时统一为 ETIMEDOUT
func (a *attempt) transportError(err error) *TransportError {
	code := errorCode(err)
	if errors.Is(context.Cause(a.ctx), errAttemptTimeout) {
		code = retry.ErrCodeTimedOut
		err = fmt.Errorf("%w after %s: %w", errAttemptTimeout, a.timeout, err)
	}
	return &TransportError{Code: code, URL: a.target, Err: err}
}

// doAttempt 发出单次物理请求
// 调用方取消时返回 ctx.Err()，其余失败返回 *TransportError
func (d *Dispatcher) doAttempt(ctx context.Context, method, target string, header http.Header, body *requestBody, auth *Credentials, timeout time.Duration) (*http.Response, *attempt, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	a := &attempt{ctx: attemptCtx, cancel: cancel, timeout: timeout, target: target}
	if timeout > 0 {
		a.timer = time.AfterFunc(timeout, func() { cancel(errAttemptTimeout) })
	}

	reader, err := body.reader()
	if err != nil {
		a.release()
		return nil, nil, &TransportError{URL: target, Err: err}
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
	if err != nil {
		a.release()
		return nil, nil, &TransportError{URL: target, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header = header.Clone()
	if auth != nil && (auth.Username != "" || auth.Password != "") {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		transportErr := a.transportError(err)
		a.release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, transportErr
	}
	return resp, a, nil
}

// complete 构造成功响应；流式响应的上下文在调用方关闭流时释放
func (d *Dispatcher) complete(ctx context.Context, rec *requestRecord, resp *http.Response, a *attempt, target, label string, stream bool) (*Response, error) {
	response := &Response{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		URL:       target,
		Host:      label,
		RequestID: rec.id,
		Attempts:  rec.state.attempt + 1,
	}

	if stream {
		a.stopTimer()
		body, err := newStreamBody(resp, func() { a.cancel(nil) }, d.logger)
		if err != nil {
			resp.Body.Close()
			a.release()
			return nil, &TransportError{URL: target, Err: err}
		}
		response.Stream = body
		return response, nil
	}

	data, err := readBody(resp, d.logger)
	if err != nil {
		transportErr := a.transportError(err)
		a.release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportErr
	}
	a.release()
	response.Body = data
	return response, nil
}

// learnLeader 重定向目标是已注册主机时记住新的 leader
func (d *Dispatcher) learnLeader(rec *requestRecord, location string) {
	registry := d.selector.Registry()
	index := registry.FindHostIndex(location)
	if index < 0 {
		index = registry.FindHostIndexByOrigin(location)
	}
	if index < 0 {
		d.logger.Debug(fmt.Sprintf("❔ [Leader] 重定向目标不在主机列表中: %s", location), "request_id", rec.id)
		return
	}

	previous := d.selector.LeaderHostIndex()
	current := d.selector.SetLeaderHostIndex(index)
	if previous == current {
		return
	}

	d.logger.Info(fmt.Sprintf("👑 [Leader] leader 变更: %s -> %s", registry.Host(previous), registry.Host(current)),
		"request_id", rec.id,
		"old_index", previous,
		"new_index", current)
	d.publish(events.EventLeaderChanged, events.PriorityHigh, rec.id, registry.Host(current), map[string]interface{}{
		"old_index":  previous,
		"new_index":  current,
		"old_leader": registry.Host(previous),
		"new_leader": registry.Host(current),
	})
}

func (d *Dispatcher) requestCompleted(rec *requestRecord, response *Response) {
	duration := time.Since(rec.start)
	d.logger.Debug(fmt.Sprintf("✅ [请求完成] %s %s -> %d", rec.method, response.URL, response.Status),
		"request_id", rec.id,
		"attempts", response.Attempts,
		"duration", duration)
	d.publish(events.EventRequestCompleted, events.PriorityNormal, rec.id, response.Host, map[string]interface{}{
		"method":    rec.method,
		"uri":       rec.uri,
		"url":       response.URL,
		"status":    response.Status,
		"attempts":  response.Attempts,
		"retries":   rec.state.retryAttempt,
		"redirects": rec.state.redirectAttempt,
		"duration":  duration,
	})
}

// requestFailed 记录失败并原样返回 err
func (d *Dispatcher) requestFailed(rec *requestRecord, host string, err error) error {
	duration := time.Since(rec.start)
	d.logger.Warn(fmt.Sprintf("❌ [请求失败] %s %s: %v", rec.method, rec.uri, err),
		"request_id", rec.id,
		"attempts", rec.state.attempt+1,
		"duration", duration)
	d.publish(events.EventRequestFailed, events.PriorityHigh, rec.id, host, map[string]interface{}{
		"method":     rec.method,
		"uri":        rec.uri,
		"status":     StatusCode(err),
		"error_code": ErrorCode(err),
		"error":      err.Error(),
		"attempts":   rec.state.attempt + 1,
		"retries":    rec.state.retryAttempt,
		"redirects":  rec.state.redirectAttempt,
		"duration":   duration,
	})
	return err
}

func (d *Dispatcher) publish(eventType events.EventType, priority events.EventPriority, requestID, host string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      eventType,
		Source:    "dispatcher",
		Timestamp: time.Now(),
		RequestID: requestID,
		Host:      host,
		Data:      data,
		Priority:  priority,
	})
}

// sleepContext 退避等待，ctx 取消时提前返回
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ActiveHost 返回下一次请求将首先尝试的主机
func (d *Dispatcher) ActiveHost(useLeader bool) string {
	return d.selector.ActiveHost(useLeader)
}

// Hosts 返回当前主机列表的副本
func (d *Dispatcher) Hosts() []string {
	return d.selector.Registry().Hosts()
}

// SetNextActiveHostIndex 推进 round robin 下标
func (d *Dispatcher) SetNextActiveHostIndex() {
	d.selector.SetNextActiveHostIndex()
}

func (d *Dispatcher) LeaderHostIndex() int {
	return d.selector.LeaderHostIndex()
}

func (d *Dispatcher) ActiveHostIndex() int {
	return d.selector.ActiveHostIndex()
}

// Selector 暴露主机选择策略，供监控和测试使用
func (d *Dispatcher) Selector() *endpoint.Selector {
	return d.selector
}

// SetHosts 替换主机列表，空列表返回 ConfigurationError 且保留原列表
func (d *Dispatcher) SetHosts(hosts []string) error {
	previous := d.Hosts()
	if err := d.selector.SetHosts(hosts); err != nil {
		return &ConfigurationError{Message: "invalid host list", Err: err}
	}
	current := d.Hosts()

	d.logger.Info(fmt.Sprintf("📡 主机列表已更新: %d -> %d 个主机", len(previous), len(current)),
		"hosts", current)
	d.publish(events.EventHostsReplaced, events.PriorityHigh, "", "", map[string]interface{}{
		"old_hosts": previous,
		"new_hosts": current,
	})
	return nil
}

// SetCredentials 设置实例级 Basic 认证，nil 表示清除
func (d *Dispatcher) SetCredentials(credentials *Credentials) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.settings.credentials = credentials
}

func (d *Dispatcher) SetRoundRobin(enabled bool) {
	d.selector.SetRoundRobin(enabled)
}

// Logger 返回调度器使用的 logger
func (d *Dispatcher) Logger() *slog.Logger {
	return d.logger
}
