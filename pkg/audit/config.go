package audit

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Driver 数据库类型
type Driver string

const (
	MySQL      Driver = "mysql"
	PostgreSQL Driver = "postgres"
	SQLite     Driver = "sqlite"
	SQLServer  Driver = "sqlserver"
)

// Config 会话审计配置，对应配置文件中的 audit 节
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  Driver `mapstructure:"driver"` // mysql, postgres, sqlite, sqlserver
	DSN     string `mapstructure:"dsn"`

	// 连接池配置
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`

	// GORM 配置
	PrepareStmt   bool          `mapstructure:"prepareStmt"`
	LogLevel      int           `mapstructure:"logLevel"` // 1:Silent 2:Error 3:Warn 4:Info
	SlowThreshold time.Duration `mapstructure:"slowThreshold"`
	TablePrefix   string        `mapstructure:"tablePrefix"`
	TraceSQL      bool          `mapstructure:"traceSQL"` // Span 中记录完整 SQL

	// 读写分离（可选）
	Replicas *ReplicaConfig `mapstructure:"replicas"`

	// 写入超时
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`

	// 保留策略：Retention 为 0 时不清理
	Retention     time.Duration `mapstructure:"retention"`
	PurgeSchedule string        `mapstructure:"purgeSchedule"` // 带秒的 cron 表达式
}

// ReplicaConfig 只读副本配置
type ReplicaConfig struct {
	Sources      []string `mapstructure:"sources"` // 从库 DSN 列表
	Policy       string   `mapstructure:"policy"`  // random, round_robin
	MaxIdleConns *int     `mapstructure:"maxIdleConns"`
	MaxOpenConns *int     `mapstructure:"maxOpenConns"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Driver:          SQLite,
		DSN:             "linkd_audit.db",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		LogLevel:        3,
		SlowThreshold:   200 * time.Millisecond,
		WriteTimeout:    5 * time.Second,
		Retention:       30 * 24 * time.Hour,
		PurgeSchedule:   "0 0 3 * * *",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Driver {
	case MySQL, PostgreSQL, SQLite, SQLServer:
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	if c.Replicas != nil && len(c.Replicas.Sources) == 0 {
		return fmt.Errorf("%w: replicas configured without sources", ErrInvalidConfig)
	}
	if c.Retention < 0 {
		return fmt.Errorf("%w: retention must not be negative", ErrInvalidConfig)
	}
	if c.Retention > 0 {
		if _, err := cronParser.Parse(c.PurgeSchedule); err != nil {
			return fmt.Errorf("%w: purge schedule: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
