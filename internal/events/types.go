package events

import (
	"fmt"
	"time"
)

// 事件类型枚举
type EventType string

const (
	// 请求生命周期事件
	EventRequestStarted   EventType = "request_started"
	EventRequestCompleted EventType = "request_completed"
	EventRequestFailed    EventType = "request_failed"

	// 单次尝试事件
	EventAttemptFailed    EventType = "attempt_failed"
	EventRedirectFollowed EventType = "redirect_followed"
	EventRetryScheduled   EventType = "retry_scheduled"

	// 集群拓扑事件
	EventLeaderChanged  EventType = "leader_changed"
	EventHostsReplaced  EventType = "hosts_replaced"
	EventHostHealthy    EventType = "host_healthy"
	EventHostUnhealthy  EventType = "host_unhealthy"
	EventConfigReloaded EventType = "config_reloaded"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 统计类
	PriorityNormal                        // 请求完成
	PriorityHigh                          // leader 变化、健康状态变化
	PriorityCritical                      // 系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Host      string                 `json:"host,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  EventPriority          `json:"priority"`
}

// String 读取字符串字段，不存在时返回空串
func (e Event) String(key string) string {
	v, ok := e.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int 读取整数字段，不存在时返回 0
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Duration 读取时长字段
func (e Event) Duration(key string) time.Duration {
	if d, ok := e.Data[key].(time.Duration); ok {
		return d
	}
	return 0
}
