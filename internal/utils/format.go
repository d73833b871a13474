// Package utils 提供 Web、TUI 和命令行共用的格式化函数
package utils

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatResponseTime 友好格式化响应时间显示
func FormatResponseTime(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	ms := float64(duration.Nanoseconds()) / 1e6

	switch {
	case ms < 1:
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	case ms < 60000:
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	default:
		minutes := int(ms / 60000)
		seconds := (ms - float64(minutes*60000)) / 1000
		return fmt.Sprintf("%dm%.0fs", minutes, seconds)
	}
}

// FormatUptime 格式化运行时间
func FormatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d天 %d小时 %d分钟", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d分钟 %d秒", minutes, seconds)
	default:
		return fmt.Sprintf("%d秒", seconds)
	}
}

// FormatBytes 例如 "1.2 MB"
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(bytes))
}

// FormatSince 例如 "3 minutes ago"，零值显示为 "-"
func FormatSince(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// FormatCount 千分位，例如 "12,345"
func FormatCount(n int64) string {
	return humanize.Comma(n)
}
