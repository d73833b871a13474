package tracking

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchemaFS embed.FS

// SQLiteAdapter SQLite数据库适配器，默认使用内存库
type SQLiteAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAdapter 创建SQLite适配器实例
func NewSQLiteAdapter(cfg DatabaseConfig) *SQLiteAdapter {
	return &SQLiteAdapter{
		config: cfg,
		logger: slog.Default(),
	}
}

func (s *SQLiteAdapter) dsn() string {
	path := s.config.DatabasePath
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)"
}

// Open 建立SQLite数据库连接
func (s *SQLiteAdapter) Open() error {
	path := s.config.DatabasePath
	s.logger.Info("正在连接SQLite数据库", "path", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// 单连接：写操作串行，且内存库只存在于这一条连接上
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s.db = db
	s.logger.Info("✅ SQLite数据库连接成功")
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteAdapter) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("正在关闭SQLite数据库连接")
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteAdapter) GetDB() *sql.DB {
	return s.db
}

// InitSchema 初始化SQLite数据库Schema
func (s *SQLiteAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := sqliteSchemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	for _, stmt := range splitSQLStatements(string(schema)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	s.logger.Debug("SQLite数据库Schema初始化完成")
	return nil
}

func (s *SQLiteAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase 回收空间，内存库跳过
func (s *SQLiteAdapter) VacuumDatabase(ctx context.Context) error {
	if s.config.DatabasePath == ":memory:" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum SQLite database: %w", err)
	}
	return nil
}

func (s *SQLiteAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(s.db)
}

func (s *SQLiteAdapter) GetDatabaseType() string {
	return "sqlite"
}
