package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🔌 数据库打开
// =============================================================================

// 支持的驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 数据库配置
type Config struct {
	// sqlite 或 postgres
	Driver string `yaml:"driver" json:"driver"`

	// sqlite 为文件路径（:memory: 亦可），postgres 为连接串
	DSN string `yaml:"dsn" json:"dsn"`

	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认数据库配置
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "ventureval.db",
		Pool:   DefaultPoolConfig(),
	}
}

// Open 按配置打开数据库并套上连接池管理
func Open(config Config, logger *zap.Logger) (*PoolManager, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(config.DSN)
	case DriverPostgres:
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", config.Driver, err)
	}

	return NewPoolManager(db, config.Pool, logger)
}
