package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CLI 把 Migrator 的结果格式化成给人看的文本，migrate 子命令使用
type CLI struct {
	m   Migrator
	out io.Writer
}

// NewCLI 输出写到 out
func NewCLI(m Migrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// change 打印横幅，执行 op，成功后打印当前版本
func (c *CLI) change(ctx context.Context, banner, failure, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.out, banner)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", failure, err)
	}
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s. Current version: %d\n", done, info.CurrentVersion)
	return nil
}

func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "Running migrations...", "migration failed", "Migrations complete", c.m.Up)
}

func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "Rolling back last migration...", "rollback failed", "Rollback complete", c.m.Down)
}

// RunSteps 正数向前迁移 n 步，负数回滚 |n| 步，0 是错误
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	var banner string
	switch {
	case n > 0:
		banner = fmt.Sprintf("Applying %d migration(s)...", n)
	case n < 0:
		banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	default:
		return fmt.Errorf("steps must not be zero")
	}
	return c.change(ctx, banner, "steps failed", "Done", func(ctx context.Context) error {
		return c.m.Steps(ctx, n)
	})
}

// RunForce 只改写版本号，不执行 SQL
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.m.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", version)
	return nil
}

func (c *CLI) RunVersion(ctx context.Context) error {
	v, dirty, err := c.m.Version(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("failed to get version: %w", err)
	case v == 0:
		fmt.Fprintln(c.out, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.out, "Current version: %d (dirty)\n", v)
	default:
		fmt.Fprintf(c.out, "Current version: %d\n", v)
	}
	return nil
}

// RunStatus 以表格输出每个迁移的状态，最后一行是汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, s.label())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

func (s MigrationStatus) label() string {
	switch {
	case s.Dirty:
		return "Dirty"
	case s.Applied:
		return "Applied"
	}
	return "Pending"
}
