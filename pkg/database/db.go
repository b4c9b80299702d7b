// Package database 负责初始化元数据库（MySQL / SQLite）与 Redis 连接。
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docsage-go/internal/config"
	"docsage-go/internal/model"
	"docsage-go/pkg/log"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 按 driver 打开元数据库、配置连接池并迁移表结构。
func NewDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), NowFunc: utcNow}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		db, err = gorm.Open(mysql.Open(cfg.MySQL.DSN), gormCfg)
	case "", "sqlite":
		db, err = OpenSQLite(cfg.SQLite.Path, gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if strings.EqualFold(cfg.Driver, "mysql") {
		// 配置连接池
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Infof("元数据库连接成功, driver: %s", cfg.Driver)
	return db, nil
}

// OpenSQLite 打开一个启用外键约束的 SQLite 数据库文件。
func OpenSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if gormCfg == nil {
		gormCfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), NowFunc: utcNow}
	}
	if path == "" {
		path = "data/docsage.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), gormCfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 只允许一个写连接
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// SQLite 按文本保存时间，统一使用 UTC 才能正确比较先后
func utcNow() time.Time { return time.Now().UTC() }

// Migrate 创建或更新 documents 与 document_chunks 表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Document{}, &model.ChunkMapping{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
