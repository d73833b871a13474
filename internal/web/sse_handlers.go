package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rqlite-client/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	streamClientBuffer = 64
	streamKeepAlive    = 15 * time.Second
)

type streamClient struct {
	id     string
	filter map[events.EventType]struct{}
	ch     chan events.Event
}

// streamHub 把总线事件分发给所有 SSE 客户端，慢客户端丢弃事件
type streamHub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*streamClient
	done    chan struct{}
	once    sync.Once
}

func newStreamHub(logger *slog.Logger) *streamHub {
	return &streamHub{
		logger:  logger,
		clients: make(map[string]*streamClient),
		done:    make(chan struct{}),
	}
}

func (h *streamHub) add(client *streamClient) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
}

func (h *streamHub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *streamHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast 作为总线订阅者运行，不能阻塞
func (h *streamHub) broadcast(event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if len(client.filter) > 0 {
			if _, ok := client.filter[event.Type]; !ok {
				continue
			}
		}
		select {
		case client.ch <- event:
		default:
			h.logger.Debug("SSE客户端缓冲已满，丢弃事件", "client_id", client.id, "event", event.Type)
		}
	}
}

func (h *streamHub) closeAll() {
	h.once.Do(func() { close(h.done) })
}

func parseEventFilter(value string) map[events.EventType]struct{} {
	filter := make(map[events.EventType]struct{})
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter[events.EventType(part)] = struct{}{}
		}
	}
	return filter
}

// handleSSE 推送调度器事件，?events=leader_changed,request_failed 过滤类型
func (ws *WebServer) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client := &streamClient{
		id:     clientID,
		filter: parseEventFilter(c.Query("events")),
		ch:     make(chan events.Event, streamClientBuffer),
	}
	ws.streams.add(client)
	defer ws.streams.remove(clientID)

	ws.logger.Debug("SSE客户端已连接", "client_id", clientID, "clients", ws.streams.count())

	if err := writeSSE(c, "connection", gin.H{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	}); err != nil {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case event := <-client.ch:
			if err := writeSSE(c, string(event.Type), event); err != nil {
				ws.logger.Debug("发送SSE事件失败", "client_id", clientID, "error", err)
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ws.streams.done:
			return
		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}

func writeSSE(c *gin.Context, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
