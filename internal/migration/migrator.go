package migration

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationFiles embed.FS

// ErrUnsupportedDatabase SQLite 由 SQL 存储的 auto_migrate 建表，不走版本化迁移
var ErrUnsupportedDatabase = errors.New("versioned migrations are not available for this database")

// DatabaseType 迁移目标数据库
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// MigrationStatus 单个迁移文件相对于当前版本的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo 迁移进度汇总
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器参数，零值使用 schema_migrations 表和 15s 锁超时
type Config struct {
	TableName   string
	LockTimeout time.Duration
}

// Migrator 管理 chat_messages 表的版本化 schema
type Migrator interface {
	Up(ctx context.Context) error
	// Down 回滚最近一次迁移
	Down(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	// Force 只改写版本号，用于修复 dirty 状态
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// SchemaMigrator 基于 golang-migrate 与内嵌 SQL 的 Migrator
type SchemaMigrator struct {
	dbType  DatabaseType
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator 在已打开的连接上创建迁移器。连接的生命周期归调用方。
func NewMigrator(db *sql.DB, dbType DatabaseType, cfg Config, logger *zap.Logger) (*SchemaMigrator, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.TableName = cmp.Or(cfg.TableName, "schema_migrations")
	cfg.LockTimeout = cmp.Or(cfg.LockTimeout, 15*time.Second)

	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}
	sourceDriver, err := iofs.New(migrationFiles, d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	dbDriver, err := d.driver(db, cfg.TableName)
	if err != nil {
		_ = sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(dbType), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = cfg.LockTimeout

	return &SchemaMigrator{
		dbType:  dbType,
		migrate: m,
		logger:  logger.With(zap.String("component", "migration"), zap.String("database", string(dbType))),
	}, nil
}

// dialect 描述一种支持版本化迁移的数据库
type dialect struct {
	dir    string
	driver func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		dir: "migrations/postgres",
		driver: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeMySQL: {
		dir: "migrations/mysql",
		driver: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
}

func lookupDialect(dbType DatabaseType) (dialect, error) {
	if d, ok := dialects[dbType]; ok {
		return d, nil
	}
	if dbType == DatabaseTypeSQLite {
		return dialect{}, fmt.Errorf("%w: %s (enable store auto_migrate instead)", ErrUnsupportedDatabase, dbType)
	}
	return dialect{}, fmt.Errorf("unsupported database type: %s", dbType)
}

// ignoreNoChange 把 ErrNoChange 视为成功
func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Up 应用全部待执行迁移，已是最新时返回 nil
func (m *SchemaMigrator) Up(ctx context.Context) error {
	if err := ignoreNoChange(m.run(ctx, m.migrate.Up)); err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

func (m *SchemaMigrator) Down(ctx context.Context) error {
	if err := ignoreNoChange(m.run(ctx, func() error { return m.migrate.Steps(-1) })); err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}
	m.logger.Info("last migration rolled back")
	return nil
}

// Steps n>0 向前应用 n 个迁移，n<0 回滚 |n| 个
func (m *SchemaMigrator) Steps(ctx context.Context, n int) error {
	if err := ignoreNoChange(m.run(ctx, func() error { return m.migrate.Steps(n) })); err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

func (m *SchemaMigrator) Force(ctx context.Context, version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	m.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// run 执行迁移，ctx 取消时请求 golang-migrate 在当前迁移结束后停止
func (m *SchemaMigrator) run(ctx context.Context, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	return fn()
}

// Version 返回当前版本与 dirty 标记。尚未迁移过时版本为 0。
func (m *SchemaMigrator) Version(ctx context.Context) (uint, bool, error) {
	v, dirty, err := m.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return v, dirty, nil
}

func (m *SchemaMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	statuses, _, _, err := m.snapshot(ctx)
	return statuses, err
}

func (m *SchemaMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	statuses, current, dirty, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return summarize(statuses, current, dirty), nil
}

// snapshot 只读一次版本表，Status 与 Info 共用
func (m *SchemaMigrator) snapshot(ctx context.Context) ([]MigrationStatus, uint, bool, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	files, err := AvailableMigrations(m.dbType)
	if err != nil {
		return nil, 0, false, err
	}
	return buildStatus(files, current, dirty), current, dirty, nil
}

// Close 关闭 golang-migrate 持有的 source 与 database driver
func (m *SchemaMigrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if err := errors.Join(sourceErr, dbErr); err != nil {
		return fmt.Errorf("failed to close migrator: %w", err)
	}
	return nil
}

// MigrationFile 描述一个内嵌迁移
type MigrationFile struct {
	Version uint
	Name    string
}

// AvailableMigrations 列出方言的内嵌迁移，按版本升序
func AvailableMigrations(dbType DatabaseType) ([]MigrationFile, error) {
	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(migrationFiles, d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []MigrationFile
	for _, e := range entries {
		// 000001_create_chat_messages.up.sql
		base, isUp := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !isUp {
			continue
		}
		prefix, rest, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		if v, err := strconv.ParseUint(prefix, 10, 32); err == nil {
			files = append(files, MigrationFile{Version: uint(v), Name: rest})
		}
	}

	slices.SortFunc(files, func(a, b MigrationFile) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return slices.CompactFunc(files, func(a, b MigrationFile) bool {
		return a.Version == b.Version
	}), nil
}

func buildStatus(migrations []MigrationFile, current uint, dirty bool) []MigrationStatus {
	out := make([]MigrationStatus, len(migrations))
	for i, f := range migrations {
		out[i] = MigrationStatus{
			Version: f.Version,
			Name:    f.Name,
			Applied: f.Version <= current,
			Dirty:   dirty && f.Version == current,
		}
	}
	return out
}

func summarize(statuses []MigrationStatus, current uint, dirty bool) *MigrationInfo {
	applied := 0
	for _, st := range statuses {
		if st.Applied {
			applied++
		}
	}
	return &MigrationInfo{
		CurrentVersion:    current,
		Dirty:             dirty,
		TotalMigrations:   len(statuses),
		AppliedMigrations: applied,
		PendingMigrations: len(statuses) - applied,
	}
}

// ParseDatabaseType 接受常见的驱动别名（pgx、mariadb、sqlite3...）
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg", "pgx":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}
