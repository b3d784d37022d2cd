package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/config"
	"github.com/BaSui01/convokeeper/internal/migration"
)

// newMigrator 可在测试中替换
var newMigrator = migration.NewMigratorFromStoreConfig

type migrateOptions struct {
	store  string
	driver string
	dsn    string
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	mo := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL chat store schema",
		Long: `Manage the SQL chat store schema.

The target database comes from store.<primary|secondary>.sql in the config
file, or from --driver/--dsn. Supported drivers: postgres, mysql.
SQLite stores create their table through auto_migrate instead.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&mo.store, "store", "secondary", "Which store to migrate: primary or secondary")
	pf.StringVar(&mo.driver, "driver", "", "Override the database driver (postgres, mysql)")
	pf.StringVar(&mo.dsn, "dsn", "", "Override the database DSN")

	run := func(fn func(cli *migration.CLI, ctx context.Context) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			sqlCfg, err := resolveSQLStore(cfg, mo)
			if err != nil {
				return err
			}

			m, err := newMigrator(sqlCfg, zap.NewNop())
			if err != nil {
				return fmt.Errorf("create migrator: %w", err)
			}
			defer m.Close()

			return fn(migration.NewCLI(m, cmd.OutOrStdout()), cmd.Context())
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  run((*migration.CLI).RunUp),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			Args:  cobra.NoArgs,
			RunE:  run((*migration.CLI).RunDown),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE:  run((*migration.CLI).RunStatus),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			Args:  cobra.NoArgs,
			RunE:  run((*migration.CLI).RunVersion),
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply n migrations, or roll back when n is negative",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q: %w", args[0], err)
				}
				return run(func(cli *migration.CLI, ctx context.Context) error {
					return cli.RunSteps(ctx, n)
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version (use with caution)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return run(func(cli *migration.CLI, ctx context.Context) error {
					return cli.RunForce(ctx, v)
				})(cmd, args)
			},
		},
	)
	return cmd
}

// resolveSQLStore 选出要迁移的 SQL 存储配置，命令行参数优先
func resolveSQLStore(cfg *config.Config, mo *migrateOptions) (persistence.SQLStoreConfig, error) {
	var sc persistence.StoreConfig
	switch mo.store {
	case "primary":
		sc = cfg.Store.Primary
	case "secondary":
		sc = cfg.Store.Secondary
	default:
		return persistence.SQLStoreConfig{}, fmt.Errorf("unknown store %q, expected primary or secondary", mo.store)
	}

	sqlCfg := sc.SQL
	if mo.driver != "" {
		sqlCfg.Driver = mo.driver
	}
	if mo.dsn != "" {
		sqlCfg.DSN = mo.dsn
	}

	overridden := mo.driver != "" && mo.dsn != ""
	if sc.Type != persistence.StoreTypeSQL && !overridden {
		return persistence.SQLStoreConfig{}, fmt.Errorf("store.%s is %q, not sql; pass --driver and --dsn to migrate another database", mo.store, sc.Type)
	}
	if sqlCfg.DSN == "" {
		return persistence.SQLStoreConfig{}, fmt.Errorf("store.%s.sql.dsn is empty", mo.store)
	}
	return sqlCfg, nil
}
