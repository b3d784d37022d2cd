package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/convokeeper/internal/tlsutil"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	providerName  = "openai"
	fallbackModel = "gpt-4o-mini"
)

// Config OpenAI 兼容 Provider 配置
type Config struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Organization string        `json:"organization,omitempty" yaml:"organization,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Provider 通过 go-openai 调用 Chat Completions 接口。
type Provider struct {
	client *goopenai.Client
	cfg    Config
	logger *zap.Logger
}

// NewProvider 创建 Provider。BaseURL 为空时使用 go-openai 的默认地址。
func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}
	clientCfg.HTTPClient = tlsutil.HTTPClient(cfg.Timeout)

	return &Provider{
		client: goopenai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", providerName)),
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return providerName }

// Invoke implements llm.Provider.
func (p *Provider) Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "chat request is nil").WithProvider(providerName)
	}

	if req.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
		defer cancel()
	}

	model := p.chooseModel(req.Options.Model)
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	body := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages, req.SystemPrompt),
		Temperature: req.Options.Temperature,
		MaxTokens:   maxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = convertTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, body)
	if err != nil {
		p.logger.Debug("chat completion failed", zap.String("model", model), zap.Error(err))
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "no choices in response").
			WithCause(llm.ErrEmptyResponse).
			WithRetryable(true).
			WithProvider(providerName)
	}

	choice := resp.Choices[0].Message
	out := &llm.ChatResponse{
		Text:  choice.Content,
		Model: resp.Model,
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *Provider) chooseModel(requested string) string {
	if requested != "" {
		return requested
	}
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return fallbackModel
}

// convertMessages 将内部消息转换为 OpenAI 格式
func convertMessages(msgs []types.Message, system string) []goopenai.ChatCompletionMessage {
	result := make([]goopenai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i, msg := range msgs {
		switch msg.Role {
		case types.RoleTool:
			// 没有对应 tool_calls 的孤立结果会被上游拒绝
			if i == 0 || !msgs[i-1].HasToolCalls() {
				continue
			}
			// 每个工具结果单独成一条消息
			for _, tr := range msg.ToolResponses {
				result = append(result, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    tr.Data,
					Name:       tr.Name,
					ToolCallID: tr.ID,
				})
			}
		case types.RoleAssistant:
			out := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			// terminate 之类未执行的调用没有后续 tool 消息，只保留文本
			answered := i+1 < len(msgs) && msgs[i+1].Role == types.RoleTool
			if !answered && out.Content == "" {
				continue
			}
			if answered {
				for _, tc := range msg.ToolCalls {
					out.ToolCalls = append(out.ToolCalls, goopenai.ToolCall{
						ID:   tc.ID,
						Type: goopenai.ToolTypeFunction,
						Function: goopenai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					})
				}
			}
			result = append(result, out)
		default:
			result = append(result, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

// convertTools 将工具 schema 转换为 function 定义
func convertTools(schemas []types.ToolSchema) []goopenai.Tool {
	result := make([]goopenai.Tool, 0, len(schemas))
	for _, s := range schemas {
		var params map[string]any
		if err := json.Unmarshal(s.Parameters, &params); err != nil || params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result = append(result, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// normalizeArguments 保证参数是合法 JSON，上游偶尔返回空字符串
func normalizeArguments(raw string) json.RawMessage {
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

// mapError 将 go-openai 错误映射为 *types.Error
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	var out *types.Error
	switch {
	case status == http.StatusTooManyRequests:
		out = types.NewError(types.ErrRateLimited, "rate limited by upstream").WithRetryable(true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = types.NewError(types.ErrProviderUnavailable, "upstream rejected credentials")
	case status == http.StatusBadRequest:
		out = types.NewError(types.ErrInvalidRequest, "upstream rejected request")
	case status >= 500:
		out = types.NewError(types.ErrUpstreamError, fmt.Sprintf("upstream error (%d)", status)).WithRetryable(true)
	default:
		out = types.NewError(types.ErrUpstreamError, "upstream call failed").WithRetryable(true)
	}
	if status != 0 {
		out = out.WithHTTPStatus(status)
	}
	return out.WithCause(err).WithProvider(providerName)
}
