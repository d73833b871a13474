package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rqlite-client/config"
	"rqlite-client/internal/events"
)

// RequestRecord 一次逻辑请求的最终结果
type RequestRecord struct {
	ID           int64         `json:"id"`
	RequestID    string        `json:"request_id"`
	Method       string        `json:"method"`
	URI          string        `json:"uri"`
	Host         string        `json:"host"`
	StatusCode   int           `json:"status_code"`
	Attempts     int           `json:"attempts"`
	Retries      int           `json:"retries"`
	Redirects    int           `json:"redirects"`
	Success      bool          `json:"success"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// TrackerStats 写入统计
type TrackerStats struct {
	Recorded    int64 `json:"recorded"`
	Dropped     int64 `json:"dropped"`
	Written     int64 `json:"written"`
	WriteErrors int64 `json:"write_errors"`
}

// Tracker 请求日志，异步批量写入 SQLite 或 MySQL
type Tracker struct {
	config  config.TrackingConfig
	adapter DatabaseAdapter
	db      *sql.DB
	logger  *slog.Logger

	recordChan chan RequestRecord
	flushChan  chan chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	statsMu sync.Mutex
	stats   TrackerStats
}

// NewTracker 创建请求日志；未启用时返回的 Tracker 所有操作都是空操作
func NewTracker(cfg config.TrackingConfig, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Tracker{config: cfg, logger: logger}, nil
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	adapter, err := NewDatabaseAdapter(buildDatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		config:     cfg,
		adapter:    adapter,
		db:         adapter.GetDB(),
		logger:     logger,
		recordChan: make(chan RequestRecord, cfg.BufferSize),
		flushChan:  make(chan chan error),
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(2)
	go t.processRecords()
	go t.periodicCleanup()

	logger.Info("✅ 请求日志初始化完成",
		"database_type", adapter.GetDatabaseType(),
		"buffer_size", cfg.BufferSize,
		"batch_size", cfg.BatchSize)

	return t, nil
}

// Enabled 是否真正写库
func (t *Tracker) Enabled() bool {
	return t != nil && t.db != nil
}

// Attach 订阅请求完成和失败事件
func (t *Tracker) Attach(bus events.EventBus) {
	if !t.Enabled() {
		return
	}
	bus.Subscribe(func(e events.Event) {
		t.Record(RecordFromEvent(e))
	}, events.EventRequestCompleted, events.EventRequestFailed)
}

// RecordFromEvent 把调度器事件转换为日志记录
func RecordFromEvent(e events.Event) RequestRecord {
	createdAt := e.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return RequestRecord{
		RequestID:    e.RequestID,
		Method:       e.String("method"),
		URI:          e.String("uri"),
		Host:         e.Host,
		StatusCode:   e.Int("status"),
		Attempts:     e.Int("attempts"),
		Retries:      e.Int("retries"),
		Redirects:    e.Int("redirects"),
		Success:      e.Type == events.EventRequestCompleted,
		ErrorCode:    e.String("error_code"),
		ErrorMessage: e.String("error"),
		Duration:     e.Duration("duration"),
		CreatedAt:    createdAt,
	}
}

// Record 非阻塞入队，缓冲区满时丢弃
func (t *Tracker) Record(record RequestRecord) {
	if !t.Enabled() {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.recordChan <- record:
		t.addStats(func(s *TrackerStats) { s.Recorded++ })
	default:
		t.addStats(func(s *TrackerStats) { s.Dropped++ })
		t.logger.Warn("⚠️ 请求日志缓冲区已满，丢弃记录", "request_id", record.RequestID)
	}
}

// Flush 立即写入已入队的记录
func (t *Tracker) Flush(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	done := make(chan error, 1)
	select {
	case t.flushChan <- done:
	case <-t.ctx.Done():
		return fmt.Errorf("tracker is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats 返回写入统计副本
func (t *Tracker) GetStats() TrackerStats {
	if t == nil {
		return TrackerStats{}
	}
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

func (t *Tracker) addStats(update func(*TrackerStats)) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	update(&t.stats)
}

// HealthCheck 检查数据库连接
func (t *Tracker) HealthCheck(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.adapter.Ping(ctx)
}

// ConnectionStats 连接池统计
func (t *Tracker) ConnectionStats() ConnectionStats {
	if !t.Enabled() {
		return ConnectionStats{}
	}
	return t.adapter.GetConnectionStats()
}

// Close 写完剩余记录后关闭数据库
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	if err := t.adapter.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	t.logger.Info("请求日志已关闭")
	return nil
}
