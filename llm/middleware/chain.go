package middleware

import (
	"context"
	"slices"

	"github.com/BaSui01/convokeeper/llm"
)

// Handler 处理一次模型调用
type Handler func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

// Middleware 装饰 Handler
type Middleware func(next Handler) Handler

// Chain 有序的中间件列表，下标 0 在最外层。启动时组装一次，不做并发修改。
type Chain []Middleware

// Append 返回在末尾（最内层）追加 m 后的新链
func (c Chain) Append(m ...Middleware) Chain {
	return append(slices.Clip(c), m...)
}

// Prepend 返回在最外层插入 m 后的新链
func (c Chain) Prepend(m ...Middleware) Chain {
	return append(slices.Clone(m), c...)
}

// Then 用整条链装饰 h
func (c Chain) Then(h Handler) Handler {
	for _, m := range slices.Backward(c) {
		h = m(h)
	}
	return h
}

type decorated struct {
	name   string
	invoke Handler
}

func (d *decorated) Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return d.invoke(ctx, req)
}

func (d *decorated) Name() string { return d.name }

// Wrap 用 chain 装饰 provider，名称保持不变。空链原样返回 provider。
func Wrap(provider llm.Provider, chain Chain) llm.Provider {
	if len(chain) == 0 {
		return provider
	}
	return &decorated{name: provider.Name(), invoke: chain.Then(provider.Invoke)}
}
