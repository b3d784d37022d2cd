package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/agent"
)

type chatOptions struct {
	conversationID string
	userID         string
	message        string
}

// newChatCmd 在配置好的存储与模型上执行一次 Agent 运行，逐行打印步骤
func newChatCmd(opts *rootOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run the agent once against a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, _, err := initLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rt, err := buildRuntime(cfg, logger)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer func() {
				if err := rt.close(context.Background()); err != nil {
					logger.Warn("runtime close failed", zap.Error(err))
				}
			}()

			return runChat(cmd.Context(), rt.manager, co, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&co.conversationID, "conversation", "", "Conversation id (generated when empty)")
	f.StringVar(&co.userID, "user", "", "User id used for id generation")
	f.StringVarP(&co.message, "message", "m", "", "Prompt to send")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

// runChat 流式运行并输出事件，error 事件转为返回错误
func runChat(ctx context.Context, manager *agent.Manager, co *chatOptions, out io.Writer) error {
	if co.message == "" {
		return agent.ErrEmptyPrompt
	}
	id := co.conversationID
	if id == "" {
		id = manager.GenerateConversationID(co.userID)
	}

	a, err := manager.GetOrCreate(ctx, id, co.userID)
	if err != nil {
		return err
	}

	var runErr error
	for ev := range a.RunStream(ctx, co.message) {
		switch ev.Type {
		case agent.EventConversationID:
			fmt.Fprintf(out, "conversation: %s\n", ev.Data)
		case agent.EventStep:
			fmt.Fprintln(out, ev.Data)
		case agent.EventError:
			runErr = errors.New(ev.Data)
		}
	}
	return runErr
}
