package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件，永不阻塞调用方
	Publish(event Event)

	// 订阅事件，types 为空时接收全部事件
	Subscribe(handler Handler, types ...EventType)

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// Handler 事件处理函数，在总线的处理协程中串行调用
type Handler func(event Event)

type subscription struct {
	handler Handler
	types   map[EventType]struct{}
}

func (s subscription) accepts(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus 实现
type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan     chan Event
	subscriptions []subscription
	subMu         sync.RWMutex

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex

	// running 与 eventChan 的关闭由 runMu 保护，避免 Stop 之后 Publish 写入已关闭的通道
	running bool
	runMu   sync.RWMutex
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	return NewEventBusWithBuffer(logger, 1000)
}

// NewEventBusWithBuffer 指定缓冲区大小创建EventBus
func NewEventBusWithBuffer(logger *slog.Logger, bufferSize int) EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &eventBus{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		eventChan: make(chan Event, bufferSize),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}
}

// Subscribe 注册订阅者
func (eb *eventBus) Subscribe(handler Handler, types ...EventType) {
	if handler == nil {
		return
	}
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	eb.subMu.Lock()
	eb.subscriptions = append(eb.subscriptions, sub)
	eb.subMu.Unlock()
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.runMu.RLock()
	defer eb.runMu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.runMu.Lock()
	defer eb.runMu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)
	go eb.eventProcessor()

	eb.logger.Debug("EventBus started")
	return nil
}

// Stop 停止EventBus，缓冲区中剩余的事件会先被处理完
func (eb *eventBus) Stop() error {
	eb.runMu.Lock()
	if !eb.running {
		eb.runMu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventChan)
	eb.runMu.Unlock()

	eb.wg.Wait()
	eb.cancel()

	eb.logger.Debug("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	// 深拷贝统计信息
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	for event := range eb.eventChan {
		eb.processEvent(event)
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	eb.subMu.RLock()
	subs := make([]subscription, len(eb.subscriptions))
	copy(subs, eb.subscriptions)
	eb.subMu.RUnlock()

	for _, sub := range subs {
		if !sub.accepts(event.Type) {
			continue
		}
		eb.dispatch(sub.handler, event)
	}
}

// dispatch 调用订阅者，单个订阅者 panic 不影响其他订阅者
func (eb *eventBus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("EventBus handler panic", "type", event.Type, "panic", r)
		}
	}()
	handler(event)
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
