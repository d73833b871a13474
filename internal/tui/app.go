// Package tui 实时显示每个 rqlite 节点的调度状态
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rqlite-client/config"
	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/monitor"
	"rqlite-client/internal/utils"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const maxLogLines = 500

// HostSource 提供主机列表和当前下标，由调度器实现
type HostSource interface {
	Hosts() []string
	LeaderHostIndex() int
	ActiveHostIndex() int
}

// TUIApp 终端监控界面
type TUIApp struct {
	app       *tview.Application
	hostTable *tview.Table
	summary   *tview.TextView
	logView   *tview.TextView

	hosts    HostSource
	metrics  *monitor.Metrics
	health   *endpoint.HealthChecker
	interval time.Duration
	logger   *slog.Logger

	logsMu  sync.Mutex
	logs    []string
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTUIApp 创建界面，metrics 和 health 可以为 nil
func NewTUIApp(cfg *config.Config, hosts HostSource, metrics *monitor.Metrics, health *endpoint.HealthChecker, logger *slog.Logger) *TUIApp {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.TUI.UpdateInterval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TUIApp{
		app:       tview.NewApplication(),
		hostTable: tview.NewTable().SetBorders(false).SetFixed(1, 0),
		summary:   tview.NewTextView().SetDynamicColors(true),
		logView:   tview.NewTextView().SetDynamicColors(true).SetScrollable(true),
		hosts:     hosts,
		metrics:   metrics,
		health:    health,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.hostTable.SetBorder(true).SetTitle(" 节点 ")
	t.summary.SetBorder(true).SetTitle(" 概览 ")
	t.logView.SetBorder(true).SetTitle(" 日志 ")
	t.logView.SetChangedFunc(func() { t.logView.ScrollToEnd() })

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.summary, 4, 0, false).
		AddItem(t.hostTable, 0, 2, true).
		AddItem(t.logView, 0, 1, false).
		AddItem(tview.NewTextView().SetText(" q 退出  r 立即健康检查"), 1, 0, false)

	t.app.SetRoot(layout, true)
	t.app.SetInputCapture(t.handleKey)

	return t
}

func (t *TUIApp) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyCtrlC, event.Rune() == 'q':
		t.Stop()
		return nil
	case event.Rune() == 'r':
		if t.health != nil {
			go func() {
				t.health.CheckNow(t.ctx)
				t.app.QueueUpdateDraw(t.refresh)
			}()
		}
		return nil
	}
	return event
}

// Run 阻塞直到用户退出或调用 Stop
func (t *TUIApp) Run() error {
	t.refresh()

	t.logsMu.Lock()
	t.running = true
	t.logsMu.Unlock()

	t.wg.Add(1)
	go t.refreshLoop()

	t.logger.Info("🖥️ TUI界面已启动")
	err := t.app.Run()

	t.logsMu.Lock()
	t.running = false
	t.logsMu.Unlock()

	t.cancel()
	t.wg.Wait()
	return err
}

// Stop 关闭界面
func (t *TUIApp) Stop() {
	t.cancel()
	t.app.Stop()
}

// Done 界面退出后关闭
func (t *TUIApp) Done() <-chan struct{} {
	return t.ctx.Done()
}

func (t *TUIApp) refreshLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.app.QueueUpdateDraw(t.refresh)
		case <-t.ctx.Done():
			return
		}
	}
}

// refresh 在界面协程中执行
func (t *TUIApp) refresh() {
	rows := buildHostRows(t.hosts, t.metrics, t.health)

	t.hostTable.Clear()
	for c, title := range hostColumns {
		t.hostTable.SetCell(0, c, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
	for r, row := range rows {
		for c, value := range row.cells {
			cell := tview.NewTableCell(value).SetExpansion(1)
			if c == 0 {
				cell.SetTextColor(row.color)
			}
			t.hostTable.SetCell(r+1, c, cell)
		}
	}

	t.summary.SetText(buildSummary(t.metrics))
}

var hostColumns = []string{"节点", "角色", "健康", "尝试", "成功", "失败", "重定向", "重试", "平均耗时", "最近使用", "最近错误"}

type hostRow struct {
	cells []string
	color tcell.Color
}

func buildHostRows(source HostSource, metrics *monitor.Metrics, health *endpoint.HealthChecker) []hostRow {
	hosts := source.Hosts()
	leader := source.LeaderHostIndex()
	active := source.ActiveHostIndex()

	rows := make([]hostRow, 0, len(hosts))
	for i, host := range hosts {
		var roles []string
		if i == leader {
			roles = append(roles, "leader")
		}
		if i == active {
			roles = append(roles, "active")
		}
		role := strings.Join(roles, ",")
		if role == "" {
			role = "-"
		}

		row := hostRow{color: tcell.ColorWhite}
		healthText := "未检查"
		if health != nil {
			if s, ok := health.GetStatus(host); ok {
				if s.Healthy {
					healthText = "✅ " + utils.FormatResponseTime(s.ResponseTime)
					row.color = tcell.ColorGreen
				} else {
					healthText = fmt.Sprintf("❌ %d次", s.ConsecutiveFails)
					row.color = tcell.ColorRed
				}
			}
		}

		var m monitor.HostMetrics
		if metrics != nil {
			m, _ = metrics.GetHost(host)
		}
		avg := "-"
		if m.Successes > 0 {
			avg = utils.FormatResponseTime(m.TotalResponseTime / time.Duration(m.Successes))
		}
		lastError := m.LastError
		if lastError == "" {
			lastError = "-"
		}

		row.cells = []string{
			host,
			role,
			healthText,
			utils.FormatCount(m.Attempts),
			utils.FormatCount(m.Successes),
			utils.FormatCount(m.Failures),
			utils.FormatCount(m.Redirects),
			utils.FormatCount(m.Retries),
			avg,
			utils.FormatSince(m.LastUsed),
			lastError,
		}
		rows = append(rows, row)
	}
	return rows
}

func buildSummary(metrics *monitor.Metrics) string {
	if metrics == nil {
		return "暂无统计"
	}
	s := metrics.GetMetrics()

	leader := "-"
	if n := len(s.LeaderChanges); n > 0 {
		last := s.LeaderChanges[n-1]
		leader = fmt.Sprintf("%s (%s)", last.To, utils.FormatSince(last.Timestamp))
	}

	return fmt.Sprintf(" 请求: %s  成功率: %.1f%%  重试: %s  重定向: %s  平均: %s  P95: %s\n 运行: %s  最近 leader 变更: %s",
		utils.FormatCount(s.TotalRequests), s.SuccessRate,
		utils.FormatCount(s.TotalRetries), utils.FormatCount(s.TotalRedirects),
		utils.FormatResponseTime(s.AvgResponseTime), utils.FormatResponseTime(s.P95ResponseTime),
		utils.FormatUptime(s.Uptime), leader)
}

// AddLog 实现 logging.LogSink
func (t *TUIApp) AddLog(level, message, source string) {
	line := formatLogLine(time.Now(), level, message, source)

	t.logsMu.Lock()
	t.logs = append(t.logs, line)
	if len(t.logs) > maxLogLines {
		t.logs = t.logs[len(t.logs)-maxLogLines:]
	}
	running := t.running
	text := strings.Join(t.logs, "\n")
	t.logsMu.Unlock()

	if running {
		t.app.QueueUpdateDraw(func() {
			t.logView.SetText(text)
		})
	}
}

// Logs 返回缓存的日志行
func (t *TUIApp) Logs() []string {
	t.logsMu.Lock()
	defer t.logsMu.Unlock()
	return append([]string(nil), t.logs...)
}

func formatLogLine(at time.Time, level, message, source string) string {
	color := "white"
	switch level {
	case "ERROR":
		color = "red"
	case "WARN":
		color = "yellow"
	case "DEBUG":
		color = "gray"
	}
	return fmt.Sprintf("[gray]%s[-] [%s]%-5s[-] %s %s",
		at.Format("15:04:05"), color, level, tview.Escape("["+source+"]"), tview.Escape(message))
}
