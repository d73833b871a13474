package dispatch

import (
	"fmt"
	"log/slog"

	"rqlite-client/config"
	"rqlite-client/internal/events"
	"rqlite-client/internal/retry"
	"rqlite-client/internal/transport"
)

// NewFromConfig 按配置文件创建调度器，HTTP 客户端走 transport 包的代理设置
func NewFromConfig(cfg *config.Config, logger *slog.Logger, bus events.EventBus) (*Dispatcher, error) {
	client, err := transport.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	roundRobin := cfg.IsRoundRobin()
	opts := optionsFromConfig(cfg)
	opts.Client = client
	opts.Logger = logger
	opts.Bus = bus
	opts.RoundRobin = &roundRobin

	return New(cfg.Hosts, opts)
}

func optionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Classifier:   retry.NewClassifier(cfg.Retry.ErrorCodes, cfg.Retry.StatusCodes, cfg.Retry.Methods),
		Retries:      cfg.Retry.Retries,
		MaxRedirects: cfg.Retry.MaxRedirects,
		BackoffBase:  cfg.Retry.BackoffBase,
		Timeout:      cfg.Timeout,
	}
	if cfg.Auth.Enabled() {
		opts.Credentials = &Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password}
	}
	return opts
}

// ApplyConfig 配置热更新：替换主机列表、重试策略、凭据和 round robin 开关
// 路由下标在新列表上重新夹紧，不会被重置
func (d *Dispatcher) ApplyConfig(cfg *config.Config) error {
	if err := d.SetHosts(cfg.Hosts); err != nil {
		return err
	}

	next := newSettings(optionsFromConfig(cfg))
	d.mutex.Lock()
	d.settings = next
	d.mutex.Unlock()

	d.selector.SetRoundRobin(cfg.IsRoundRobin())
	return nil
}
