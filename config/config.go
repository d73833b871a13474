package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Hosts      HostList       `yaml:"hosts"`       // rqlite node base URLs, index 0 is the initial leader guess
	Auth       AuthConfig     `yaml:"auth"`        // Basic auth credentials sent with every request
	Retry      RetryConfig    `yaml:"retry"`       // Retry and redirect policy
	RoundRobin *bool          `yaml:"round_robin"` // Spread non-leader reads across hosts, default: true
	Timeout    time.Duration  `yaml:"timeout"`     // Per-attempt timeout, default: 30s
	Proxy      ProxyConfig    `yaml:"proxy"`
	Health     HealthConfig   `yaml:"health"`
	Logging    LoggingConfig  `yaml:"logging"`
	Tracking   TrackingConfig `yaml:"tracking"` // Request journal configuration
	TUI        TUIConfig      `yaml:"tui"`      // TUI configuration
	Web        WebConfig      `yaml:"web"`      // Web interface configuration
}

// HostList 主机列表，YAML 中既可以写成逗号分隔的字符串，也可以写成序列
type HostList []string

// UnmarshalYAML 同时支持 "http://a:4001,http://b:4001" 和 [http://a:4001, http://b:4001]
func (h *HostList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode hosts: %w", err)
		}
		*h = SplitHosts(raw)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("failed to decode hosts: %w", err)
		}
		*h = list
		return nil
	default:
		return fmt.Errorf("hosts must be a string or a list, line %d", value.Line)
	}
}

// SplitHosts 按逗号拆分主机字符串，去除空白并丢弃空项
func SplitHosts(raw string) []string {
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

type AuthConfig struct {
	Username string `yaml:"username,omitempty"` // Basic auth username
	Password string `yaml:"password,omitempty"` // Basic auth password
}

// Enabled reports whether credentials are configured
func (a AuthConfig) Enabled() bool {
	return a.Username != "" || a.Password != ""
}

type RetryConfig struct {
	ErrorCodes   []string       `yaml:"error_codes,omitempty"`   // Retryable transport error codes, default: ECONNREFUSED, ECONNRESET, ...
	StatusCodes  []int          `yaml:"status_codes,omitempty"`  // Retryable HTTP statuses, default: 408, 413, 429, 5xx
	Methods      []string       `yaml:"methods,omitempty"`       // Retryable HTTP methods, default: all common verbs
	Retries      *int           `yaml:"retries,omitempty"`       // Retry ceiling per request, default: 3 x host count
	MaxRedirects *int           `yaml:"max_redirects,omitempty"` // Redirect ceiling per request, 0 disables following, default: 10
	BackoffBase  *time.Duration `yaml:"backoff_base,omitempty"`  // Exponential backoff base, 0 retries without waiting, default: 100ms
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`        // Probe every host in the background, default: false
	CheckInterval time.Duration `yaml:"check_interval"` // default: 30s
	Timeout       time.Duration `yaml:"timeout"`        // default: 5s
	HealthPath    string        `yaml:"health_path"`    // default: /status
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	Format          string `yaml:"format"`           // "json" or "text"
	FileEnabled     bool   `yaml:"file_enabled"`     // Enable file logging
	FilePath        string `yaml:"file_path"`        // Log file path
	MaxFileSize     string `yaml:"max_file_size"`    // Max file size (e.g., "100MB")
	MaxFiles        int    `yaml:"max_files"`        // Max number of rotated files to keep
	CompressRotated bool   `yaml:"compress_rotated"` // Compress rotated log files
}

type TrackingConfig struct {
	Enabled bool `yaml:"enabled"` // Enable request journal, default: false

	DatabasePath string `yaml:"database_path"` // SQLite database path, default: :memory:

	// 数据库配置（可选，优先级高于 database_path）
	Database *DatabaseBackendConfig `yaml:"database,omitempty"`

	BufferSize      int           `yaml:"buffer_size"`      // Record buffer size, default: 1000
	BatchSize       int           `yaml:"batch_size"`       // Batch write size, default: 100
	FlushInterval   time.Duration `yaml:"flush_interval"`   // Force flush interval, default: 5s
	MaxRetry        int           `yaml:"max_retry"`        // Max retry count for write failures, default: 3
	RetentionDays   int           `yaml:"retention_days"`   // Data retention days (0=permanent), default: 7
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Cleanup task execution interval, default: 1h
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time,omitempty"`

	// MySQL特定配置
	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable TUI interface for the monitor command
	UpdateInterval time.Duration `yaml:"update_interval"` // TUI refresh interval, default: 1s
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// NewDefaultConfig builds a configuration for the given hosts without a file
func NewDefaultConfig(hosts []string) (*Config, error) {
	config := &Config{Hosts: hosts}
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.RoundRobin == nil {
		enabled := true
		c.RoundRobin = &enabled
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	// 显式写 0 的值保留：max_redirects: 0 不跟随重定向，backoff_base: 0 不等待
	if c.Retry.MaxRedirects == nil {
		maxRedirects := 10
		c.Retry.MaxRedirects = &maxRedirects
	}
	if c.Retry.BackoffBase == nil {
		base := 100 * time.Millisecond
		c.Retry.BackoffBase = &base
	}
	// ErrorCodes / StatusCodes / Methods 留空时由 retry.NewClassifier 使用内置默认值
	// Retries 留空时由调度器按 3 x 主机数计算

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Health.HealthPath == "" {
		c.Health.HealthPath = "/status"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.FileEnabled && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/rqlite-client.log"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFileSize == "" {
		c.Logging.MaxFileSize = "100MB"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 10
	}

	// Set request journal defaults
	if c.Tracking.DatabasePath == "" {
		c.Tracking.DatabasePath = ":memory:"
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 5 * time.Second
	}
	if c.Tracking.MaxRetry == 0 {
		c.Tracking.MaxRetry = 3
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 7
	}
	if c.Tracking.CleanupInterval == 0 {
		c.Tracking.CleanupInterval = time.Hour
	}

	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = time.Second
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}
}

// IsRoundRobin reports whether read-side round robin is enabled
func (c *Config) IsRoundRobin() bool {
	return c.RoundRobin == nil || *c.RoundRobin
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host must be configured")
	}
	for i, host := range c.Hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			return fmt.Errorf("host %d: URL is required", i)
		}
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			return fmt.Errorf("host %s: URL must start with http:// or https://", host)
		}
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.Retry.Retries != nil && *c.Retry.Retries < 0 {
		return fmt.Errorf("retry.retries cannot be negative")
	}
	if c.Retry.MaxRedirects != nil && *c.Retry.MaxRedirects < 0 {
		return fmt.Errorf("retry.max_redirects cannot be negative")
	}
	if c.Retry.BackoffBase != nil && *c.Retry.BackoffBase < 0 {
		return fmt.Errorf("retry.backoff_base cannot be negative")
	}
	for _, status := range c.Retry.StatusCodes {
		if status < 100 || status > 599 {
			return fmt.Errorf("retry.status_codes: invalid HTTP status %d", status)
		}
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be 'text' or 'json'")
	}

	// Validate request journal configuration
	if c.Tracking.Enabled {
		if c.Tracking.Database != nil {
			switch c.Tracking.Database.Type {
			case "sqlite", "mysql":
			default:
				return fmt.Errorf("tracking database type must be 'sqlite' or 'mysql'")
			}
		}
		if c.Tracking.BufferSize <= 0 {
			return fmt.Errorf("buffer size must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.BatchSize <= 0 {
			return fmt.Errorf("batch size must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.Tracking.FlushInterval <= 0 {
			return fmt.Errorf("flush interval must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return fmt.Errorf("web port must be between 1 and 65535")
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
	debounce      time.Duration
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
		debounce:    500 * time.Millisecond,
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

func (cw *ConfigWatcher) getLogger() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.getLogger().Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				// Skip if modification time hasn't changed
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// 防抖，编辑器保存时可能连续触发多次写事件
				name := event.Name
				cw.debounceTimer = time.AfterFunc(cw.debounce, func() {
					logger := cw.getLogger()
					logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", name))
					if err := cw.reloadConfig(); err != nil {
						logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Some editors rename files during save
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.getLogger().Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.getLogger().Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	logger := cw.getLogger()

	if strings.Join(oldConfig.Hosts, ",") != strings.Join(newConfig.Hosts, ",") {
		logger.Info("📡 主机列表变更",
			"old_hosts", []string(oldConfig.Hosts),
			"new_hosts", []string(newConfig.Hosts))
	}

	if oldConfig.IsRoundRobin() != newConfig.IsRoundRobin() {
		logger.Info("🔁 Round robin 状态变更",
			"old_enabled", oldConfig.IsRoundRobin(),
			"new_enabled", newConfig.IsRoundRobin())
	}

	if oldConfig.Timeout != newConfig.Timeout {
		logger.Info("⏱️ 请求超时变更",
			"old_timeout", oldConfig.Timeout,
			"new_timeout", newConfig.Timeout)
	}

	if oldMax, newMax := intValue(oldConfig.Retry.MaxRedirects), intValue(newConfig.Retry.MaxRedirects); oldMax != newMax {
		logger.Info("↪️ 最大重定向次数变更",
			"old_max", oldMax,
			"new_max", newMax)
	}

	if oldConfig.Logging.Level != newConfig.Logging.Level {
		logger.Info("📝 日志级别变更",
			"old_level", oldConfig.Logging.Level,
			"new_level", newConfig.Logging.Level)
	}
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
