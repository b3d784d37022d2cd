package migration

import (
	"fmt"
	"io"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/database"
	"go.uber.org/zap"
)

// ownedMigrator 关闭迁移器时一并关闭自己打开的连接池
type ownedMigrator struct {
	*SchemaMigrator
	pool io.Closer
}

func (o *ownedMigrator) Close() error {
	err := o.SchemaMigrator.Close()
	if cerr := o.pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// NewMigratorFromStoreConfig 按 SQL 存储配置打开数据库并创建迁移器
func NewMigratorFromStoreConfig(cfg persistence.SQLStoreConfig, logger *zap.Logger) (Migrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	// SQLite 不支持，避免无谓地打开连接
	if _, err := lookupDialect(dbType); err != nil {
		return nil, err
	}

	pool, err := database.Open(cfg.Driver, cfg.DSN, cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m, err := NewMigrator(pool.SQLDB(), dbType, Config{}, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &ownedMigrator{SchemaMigrator: m, pool: pool}, nil
}
