// =============================================================================
// ConvoKeeper 主入口
// =============================================================================
// 会话 Agent 服务：HTTP/SSE/WebSocket 接口、会话记忆管理、数据库迁移
//
// 使用方法:
//
//	convokeeper serve                              # 启动服务
//	convokeeper serve --config config.yaml         # 指定配置文件
//	convokeeper chat --message "hi"                # 一次性运行 Agent
//	convokeeper chat --conversation c1 -m "hi"     # 在已有会话上继续
//	convokeeper migrate up --store secondary       # 运行 SQL 存储迁移
//	convokeeper migrate status                     # 查看迁移状态
//	convokeeper version                            # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BaSui01/convokeeper/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions 所有子命令共享的参数
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "convokeeper",
		Short:         "Conversational agent service with persistent memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (YAML)")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig 按 默认值 → 文件 → 环境变量 的顺序加载并校验配置。
// 返回的 loader 供热更新复用。
func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader().WithValidator(func(c *config.Config) error {
		return c.Validate()
	})
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, loader, nil
}

// =============================================================================
// 📋 version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ConvoKeeper %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}
