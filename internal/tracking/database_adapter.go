package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"rqlite-client/config"
)

// DatabaseAdapter 定义请求日志库的操作接口
// 抽象SQLite和MySQL的差异，让 Journal 无需关心具体实现
type DatabaseAdapter interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	// 建表
	InitSchema() error

	// SQL语法适配
	BuildLimitOffset(limit, offset int) string
	VacuumDatabase(ctx context.Context) error

	GetConnectionStats() ConnectionStats
	GetDatabaseType() string
}

// DatabaseConfig 统一数据库配置结构
type DatabaseConfig struct {
	Type string // "sqlite" | "mysql"

	// SQLite
	DatabasePath string

	// MySQL
	Host     string
	Port     int
	Database string
	Username string
	Password string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	Charset  string
	Timezone string
}

// ConnectionStats 连接池统计信息
type ConnectionStats struct {
	OpenConnections  int           `json:"open_connections"`
	IdleConnections  int           `json:"idle_connections"`
	InUseConnections int           `json:"in_use_connections"`
	WaitCount        int64         `json:"wait_count"`
	WaitDuration     time.Duration `json:"wait_duration"`
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(cfg DatabaseConfig) (DatabaseAdapter, error) {
	cfg.Type = getDatabaseType(cfg)
	setDefaultConfig(&cfg)

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteAdapter(cfg), nil
	case "mysql":
		return NewMySQLAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// buildDatabaseConfig 把 tracking 配置转换为适配器配置，database 段优先于 database_path
func buildDatabaseConfig(cfg config.TrackingConfig) DatabaseConfig {
	if cfg.Database == nil {
		return DatabaseConfig{Type: "sqlite", DatabasePath: cfg.DatabasePath}
	}

	db := cfg.Database
	dbConfig := DatabaseConfig{
		Type:            db.Type,
		DatabasePath:    db.Path,
		Host:            db.Host,
		Port:            db.Port,
		Database:        db.Database,
		Username:        db.Username,
		Password:        db.Password,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
		Charset:         db.Charset,
		Timezone:        db.Timezone,
	}
	if dbConfig.DatabasePath == "" {
		dbConfig.DatabasePath = cfg.DatabasePath
	}
	return dbConfig
}

// getDatabaseType 从配置推断数据库类型
func getDatabaseType(cfg DatabaseConfig) string {
	if cfg.Type != "" {
		return strings.ToLower(cfg.Type)
	}
	if cfg.Host != "" || cfg.Database != "" {
		return "mysql"
	}
	return "sqlite"
}

// setDefaultConfig 设置数据库配置默认值
func setDefaultConfig(cfg *DatabaseConfig) {
	switch cfg.Type {
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 10
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = time.Hour
		}
		if cfg.ConnMaxIdleTime == 0 {
			cfg.ConnMaxIdleTime = 10 * time.Minute
		}
		if cfg.Charset == "" {
			cfg.Charset = "utf8mb4"
		}
		if cfg.Timezone == "" {
			cfg.Timezone = "UTC"
		}
	default:
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = ":memory:"
		}
	}
}

func buildLimitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func connectionStats(db *sql.DB) ConnectionStats {
	if db == nil {
		return ConnectionStats{}
	}
	stats := db.Stats()
	return ConnectionStats{
		OpenConnections:  stats.OpenConnections,
		IdleConnections:  stats.Idle,
		InUseConnections: stats.InUse,
		WaitCount:        stats.WaitCount,
		WaitDuration:     stats.WaitDuration,
	}
}

// splitSQLStatements 按分号切分 schema，跳过空行和注释
func splitSQLStatements(schema string) []string {
	var result []string
	var current strings.Builder

	for _, line := range strings.Split(schema, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString(" ")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				result = append(result, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		result = append(result, stmt)
	}
	return result
}
