package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rqlite-client/config"
	"rqlite-client/internal/api"
	"rqlite-client/internal/dispatch"
	"rqlite-client/internal/endpoint"
	"rqlite-client/internal/events"
	"rqlite-client/internal/logging"
	"rqlite-client/internal/monitor"
	"rqlite-client/internal/tracking"
	"rqlite-client/internal/transport"
	"rqlite-client/internal/tui"
	"rqlite-client/internal/utils"
	"rqlite-client/internal/web"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	hostsFlag   = flag.String("hosts", "", "Comma separated rqlite node URLs, overrides the config file")
	showVersion = flag.Bool("version", false, "Show version information")
	useLeader   = flag.Bool("leader", false, "Send queries to the leader regardless of level")
	level       = flag.String("level", "", "Read consistency level: none, weak or strong (default: leader)")
	enableTUI   = flag.Bool("tui", false, "Show the TUI host monitor (monitor command)")
	enableWeb   = flag.Bool("web", false, "Enable Web interface (monitor command)")
	webPort     = flag.Int("web-port", 0, "Web interface port (default: from config, 8088)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()
)

const usage = `Usage: rqlite-client [flags] <command> [args]

Commands:
  query SQL...            run read statements
  execute SQL...          run write statements on the leader
  status                  show the leader status
  status-all              show the status of every host
  backup [sql|dump]       write a backup of the leader to stdout
  load FILE [sql|dump]    restore a backup on the leader
  monitor                 watch the cluster with the TUI and/or Web interface

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("rqlite-client\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// app 一次运行中共享的组件
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	handler    *logging.SimpleHandler
	levelVar   *slog.LevelVar
	bus        events.EventBus
	dispatcher *dispatch.Dispatcher
	client     *api.Client
	metrics    *monitor.Metrics
	tracker    *tracking.Tracker
	health     *endpoint.HealthChecker
	webServer  *web.WebServer
}

func run(command string, args []string) error {
	cfg, watcher, err := loadConfig()
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	a := &app{cfg: cfg, levelVar: new(slog.LevelVar)}
	a.logger, a.handler, err = logging.Setup(cfg.Logging, a.levelVar, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(a.logger)
	if a.handler != nil {
		defer a.handler.Close()
	}
	if watcher != nil {
		watcher.UpdateLogger(a.logger)
	}

	a.logger.Debug("🚀 rqlite-client 启动中...",
		"version", version,
		"command", command,
		"hosts", len(cfg.Hosts),
		"round_robin", cfg.IsRoundRobin())
	if cfg.Proxy.Enabled {
		a.logger.Info("🔗 " + transport.GetProxyInfo(cfg))
	}

	a.bus = events.NewEventBus(a.logger)
	if err := a.bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer func() {
		if err := a.bus.Stop(); err != nil {
			a.logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	a.metrics = monitor.NewMetrics()
	a.metrics.Attach(a.bus)

	a.tracker, err = tracking.NewTracker(cfg.Tracking, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create request journal: %w", err)
	}
	a.tracker.Attach(a.bus)
	defer func() {
		if err := a.tracker.Close(); err != nil {
			a.logger.Error(fmt.Sprintf("❌ 请求日志关闭失败: %v", err))
		}
	}()

	a.dispatcher, err = dispatch.NewFromConfig(cfg, a.logger, a.bus)
	if err != nil {
		return err
	}
	a.client = api.NewClient(a.dispatcher)
	// 用规范化后的主机列表，和事件里的 Host 一致
	a.metrics.SetHosts(a.dispatcher.Hosts())

	a.health = endpoint.NewHealthChecker(cfg, a.dispatcher.Hosts, a.logger)
	a.health.SetEventBus(a.bus)
	defer a.health.Stop()

	if watcher != nil {
		watcher.AddReloadCallback(a.reload)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "query":
		return a.query(ctx, args)
	case "execute":
		return a.execute(ctx, args)
	case "status":
		return a.status(ctx)
	case "status-all":
		return a.statusAll(ctx)
	case "backup":
		return a.backup(ctx, args)
	case "load":
		return a.load(ctx, args)
	case "monitor":
		return a.monitor(ctx)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// loadConfig 优先读取配置文件，-hosts 覆盖文件中的主机列表
func loadConfig() (*config.Config, *config.ConfigWatcher, error) {
	hosts := config.SplitHosts(*hostsFlag)

	var cfg *config.Config
	var watcher *config.ConfigWatcher
	var err error
	if *configPath != "" {
		watcher, err = config.NewConfigWatcher(*configPath, nil)
		if err != nil {
			return nil, nil, err
		}
		cfg = watcher.GetConfig()
		if len(hosts) > 0 {
			cfg.Hosts = hosts
		}
	} else {
		if len(hosts) == 0 {
			hosts = []string{"http://localhost:4001"}
		}
		if cfg, err = config.NewDefaultConfig(hosts); err != nil {
			return nil, nil, err
		}
	}

	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort > 0 {
		cfg.Web.Port = *webPort
	}
	if *enableTUI {
		cfg.TUI.Enabled = true
	}
	return cfg, watcher, nil
}

// reload 配置文件变化后更新各组件
func (a *app) reload(newCfg *config.Config) {
	if *hostsFlag != "" {
		newCfg.Hosts = a.dispatcher.Hosts()
	}
	a.levelVar.Set(logging.ParseLevel(newCfg.Logging.Level))

	if err := a.dispatcher.ApplyConfig(newCfg); err != nil {
		a.logger.Error(fmt.Sprintf("❌ 调度器配置更新失败: %v", err))
		return
	}
	a.health.UpdateConfig(newCfg)
	if a.webServer != nil {
		a.webServer.UpdateConfig(newCfg)
	}

	a.bus.Publish(events.Event{
		Type:      events.EventConfigReloaded,
		Source:    "config",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"hosts": len(newCfg.Hosts)},
		Priority:  events.PriorityHigh,
	})
	a.logger.Info("🔄 所有组件已更新为新配置")
}

func (a *app) query(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return errors.New("query requires at least one SQL statement")
	}
	results, err := a.client.Data.Query(ctx, statements, api.QueryOptions{
		Level:     *level,
		UseLeader: *useLeader,
	})
	if err != nil {
		return a.requestError("query", err)
	}
	if err := printJSON(results); err != nil {
		return err
	}
	return results.FirstError()
}

func (a *app) execute(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return errors.New("execute requires at least one SQL statement")
	}
	results, err := a.client.Data.Execute(ctx, statements, api.ExecuteOptions{})
	if err != nil {
		return a.requestError("execute", err)
	}
	if err := printJSON(results); err != nil {
		return err
	}
	return results.FirstError()
}

func (a *app) status(ctx context.Context) error {
	status, err := a.client.Status.Status(ctx, api.RequestOptions{})
	if err != nil {
		return a.requestError("status", err)
	}
	return printJSON(status)
}

func (a *app) statusAll(ctx context.Context) error {
	results := a.client.Status.StatusAllHosts(ctx, api.RequestOptions{Timeout: a.cfg.Health.Timeout})
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			a.logger.Warn(fmt.Sprintf("⚠️ 主机不可用: %s", r.Host), "error_code", dispatch.ErrorCode(r.Err), "error", r.Err)
		}
	}
	if err := printJSON(results); err != nil {
		return err
	}
	if failed == len(results) {
		return errors.New("no host reachable")
	}
	return nil
}

func (a *app) backup(ctx context.Context, args []string) error {
	format := ""
	if len(args) > 0 {
		format = args[0]
	}

	stream, err := a.client.Backup.Backup(ctx, format, api.RequestOptions{})
	if err != nil {
		return a.requestError("backup", err)
	}
	defer stream.Close()

	written, err := io.Copy(os.Stdout, stream)
	if err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	a.logger.Info(fmt.Sprintf("💾 备份完成: %s", utils.FormatBytes(written)))
	return nil
}

func (a *app) load(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("load requires a file")
	}
	format := ""
	if len(args) > 1 {
		format = args[1]
	}

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer file.Close()

	body, err := a.client.Backup.Load(ctx, file, format, api.RequestOptions{})
	if err != nil {
		return a.requestError("load", err)
	}
	if info, err := file.Stat(); err == nil {
		a.logger.Info(fmt.Sprintf("📥 恢复完成: %s", utils.FormatBytes(info.Size())))
	}
	_, err = os.Stdout.Write(append(body, '\n'))
	return err
}

// monitor 运行 TUI 和/或 Web 界面直到收到信号
func (a *app) monitor(ctx context.Context) error {
	a.health.Start()

	if a.cfg.Web.Enabled {
		a.webServer = web.NewWebServer(a.cfg, a.dispatcher, a.metrics, a.tracker, a.health, a.bus, a.logger, startTime)
		if err := a.webServer.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.webServer.Stop(shutdownCtx)
		}()
	}

	if a.cfg.TUI.Enabled {
		tuiApp := tui.NewTUIApp(a.cfg, a.dispatcher, a.metrics, a.health, a.logger)
		if a.handler != nil {
			a.handler.SetSink(tuiApp)
			defer a.handler.SetSink(nil)
		}

		tuiErr := make(chan error, 1)
		go func() {
			tuiErr <- tuiApp.Run()
		}()

		select {
		case err := <-tuiErr:
			a.logger.Info("📱 TUI界面已关闭")
			return err
		case <-ctx.Done():
			tuiApp.Stop()
			return <-tuiErr
		}
	}

	if !a.cfg.Web.Enabled {
		a.logger.Warn("⚠️ 未启用 TUI 或 Web 界面，只在日志中输出健康检查结果")
	}

	<-ctx.Done()
	a.logger.Info("📡 收到终止信号，开始优雅关闭...")
	return nil
}

func (a *app) requestError(command string, err error) error {
	a.logger.Error(fmt.Sprintf("❌ %s 请求失败", command), "error_code", dispatch.ErrorCode(err), "error", err)
	return err
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
