package tracking

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed mysql_schema.sql
var mysqlSchemaFS embed.FS

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(cfg DatabaseConfig) *MySQLAdapter {
	return &MySQLAdapter{
		config: cfg,
		logger: slog.Default(),
	}
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	m.logger.Info("正在连接MySQL数据库",
		"host", m.config.Host,
		"database", m.config.Database,
		"charset", m.config.Charset)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	m.logger.Info("✅ MySQL数据库连接成功",
		"max_open_conns", m.config.MaxOpenConns,
		"max_idle_conns", m.config.MaxIdleConns)
	return nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() (string, error) {
	if m.config.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if m.config.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if m.config.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		m.config.Username,
		m.config.Password,
		m.config.Host,
		m.config.Port,
		m.config.Database)

	params := url.Values{}
	params.Add("charset", m.config.Charset)
	params.Add("parseTime", "true")
	if m.config.Timezone != "" {
		params.Add("loc", m.config.Timezone)
	}
	params.Add("timeout", "30s")
	params.Add("readTimeout", "30s")
	params.Add("writeTimeout", "30s")

	return dsn + "?" + params.Encode(), nil
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db == nil {
		return nil
	}
	m.logger.Info("正在关闭MySQL数据库连接")
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema MySQL 驱动默认不允许多语句，逐条执行
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := mysqlSchemaFS.ReadFile("mysql_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read mysql_schema.sql: %w", err)
	}
	for _, stmt := range splitSQLStatements(string(schema)) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	m.logger.Info("✅ MySQL数据库Schema初始化完成")
	return nil
}

func (m *MySQLAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase MySQL没有VACUUM操作，执行OPTIMIZE TABLE
func (m *MySQLAdapter) VacuumDatabase(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, "OPTIMIZE TABLE request_logs"); err != nil {
		// OPTIMIZE 失败不影响数据
		m.logger.Warn("表优化失败", "table", "request_logs", "error", err)
	}
	return nil
}

func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(m.db)
}

func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
