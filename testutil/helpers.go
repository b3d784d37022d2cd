// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	testutil.AssertMessagesEqual(t, expected, actual)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/types"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertMessagesEqual 比较角色、内容与工具响应，忽略时间戳
func AssertMessagesEqual(t *testing.T, expected, actual []types.Message) {
	t.Helper()

	if !assert.Len(t, actual, len(expected), "message count mismatch") {
		return
	}
	for i := range expected {
		assert.Equal(t, expected[i].Role, actual[i].Role, "message[%d] role", i)
		assert.Equal(t, expected[i].Content, actual[i].Content, "message[%d] content", i)
		assert.Equal(t, expected[i].ToolResponses, actual[i].ToolResponses, "message[%d] tool responses", i)
		assert.Len(t, actual[i].ToolCalls, len(expected[i].ToolCalls), "message[%d] tool calls", i)
	}
}

// Contents 返回消息内容（工具消息取响应文本），便于断言
func Contents(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

// AssertEventuallyTrue 轮询直到条件满足或超时
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}

// =============================================================================
// ⏳ 等待辅助
// =============================================================================

// Drain 读取通道直到关闭或超时，返回已读取的元素与是否正常关闭
func Drain[T any](ch <-chan T, timeout time.Duration) ([]T, bool) {
	var out []T
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out, true
			}
			out = append(out, v)
		case <-deadline.C:
			return out, false
		}
	}
}

// =============================================================================
// 📦 数据辅助
// =============================================================================

// MustJSON 序列化，失败时 panic
func MustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
