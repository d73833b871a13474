package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"rqlite-client/config"
)

// LogSink 日志的界面输出，例如 TUI 的日志面板
type LogSink interface {
	AddLog(level, message, source string)
}

// SimpleHandler 输出 "[时间] [PID] [GID] [级别] 消息 key=value" 格式的日志
type SimpleHandler struct {
	level       slog.Leveler
	out         io.Writer
	fileRotator *FileRotator
	attrs       []slog.Attr

	sinkMu *sync.RWMutex
	sink   *LogSink
}

// NewSimpleHandler 创建处理器，out 为 nil 时输出到标准错误
func NewSimpleHandler(level slog.Leveler, out io.Writer, fileRotator *FileRotator) *SimpleHandler {
	if out == nil {
		out = os.Stderr
	}
	var sink LogSink
	return &SimpleHandler{
		level:       level,
		out:         out,
		fileRotator: fileRotator,
		sinkMu:      &sync.RWMutex{},
		sink:        &sink,
	}
}

// SetSink 切换到界面输出，nil 恢复控制台输出
func (h *SimpleHandler) SetSink(sink LogSink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	*h.sink = sink
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message

	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	timestamp := r.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	level := levelName(r.Level)
	line := fmt.Sprintf("[%s] [PID:%d] [GID:%d] [%s] %s", timestamp.Format("2006-01-02 15:04:05.000"), os.Getpid(), getGoroutineID(), level, message)

	if h.fileRotator != nil {
		h.fileRotator.Write([]byte(line + "\n"))
	}

	h.sinkMu.RLock()
	sink := *h.sink
	h.sinkMu.RUnlock()

	if sink != nil {
		display := message
		if len(display) > 500 {
			display = display[:500] + "... (显示截断)"
		}
		sink.AddLog(level, display, "system")
		return nil
	}

	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	return h
}

// Close 刷盘并关闭日志文件
func (h *SimpleHandler) Close() error {
	if h.fileRotator != nil {
		h.fileRotator.Sync()
		return h.fileRotator.Close()
	}
	return nil
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ParseLevel 未知级别按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getGoroutineID extracts the goroutine ID from runtime stack trace
func getGoroutineID() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return id
}

// Setup 按配置创建 logger；level 可在热更新时调整
// json 格式使用 slog 自带的 JSONHandler，此时不支持界面输出
func Setup(cfg config.LoggingConfig, level *slog.LevelVar, out io.Writer) (*slog.Logger, *SimpleHandler, error) {
	level.Set(ParseLevel(cfg.Level))

	var fileRotator *FileRotator
	if cfg.FileEnabled {
		maxSize, err := ParseSize(cfg.MaxFileSize)
		if err != nil {
			return nil, nil, err
		}
		fileRotator, err = NewFileRotator(cfg.FilePath, maxSize, cfg.MaxFiles, cfg.CompressRotated)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create log file rotator: %w", err)
		}
	}

	if cfg.Format == "json" {
		var w io.Writer = out
		if w == nil {
			w = os.Stderr
		}
		if fileRotator != nil {
			w = io.MultiWriter(w, fileRotator)
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil, nil
	}

	handler := NewSimpleHandler(level, out, fileRotator)
	return slog.New(handler), handler, nil
}
