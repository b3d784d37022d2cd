package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/llm/retry"
	"github.com/BaSui01/convokeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBuiltinExecutor(t *testing.T, baseDir string) (*DefaultRegistry, *DefaultExecutor) {
	t.Helper()
	reg := NewDefaultRegistry(zap.NewNop())
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	filePolicy := retry.Fixed(2, time.Millisecond)
	require.NoError(t, RegisterBuiltins(reg, BuiltinOptions{
		BaseDir:   baseDir,
		Now:       func() time.Time { return fixed },
		FileRetry: &filePolicy,
	}))
	return reg, NewDefaultExecutor(reg, zap.NewNop())
}

func run(t *testing.T, exec *DefaultExecutor, name, args string) string {
	t.Helper()
	res := exec.ExecuteOne(context.Background(), types.ToolCall{ID: "t", Name: name, Arguments: json.RawMessage(args)})
	return res.Payload()
}

func TestBuiltins_Registered(t *testing.T) {
	reg, _ := newBuiltinExecutor(t, "")
	assert.Equal(t, []string{"get_current_datetime", "get_current_hour", "terminate"}, reg.List())

	reg, _ = newBuiltinExecutor(t, t.TempDir())
	assert.True(t, reg.Has("read_file"))
	assert.True(t, reg.Has("write_file"))
}

func TestBuiltins_Time(t *testing.T) {
	_, exec := newBuiltinExecutor(t, "")

	assert.Equal(t, "2026-03-14 09:26:53", run(t, exec, "get_current_datetime", `{}`))
	assert.Equal(t, "2026/03/14", run(t, exec, "get_current_datetime", `{"layout":"2006/01/02"}`))
	assert.Equal(t, "9", run(t, exec, "get_current_hour", ``))
}

func TestBuiltins_Terminate(t *testing.T) {
	_, exec := newBuiltinExecutor(t, "")

	assert.Equal(t, "The interaction has been completed with status: success", run(t, exec, TerminateToolName, `{"status":"success"}`))
	assert.Contains(t, run(t, exec, TerminateToolName, `{"status":"maybe"}`), "Error: arguments do not match schema")
}

func TestBuiltins_FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, exec := newBuiltinExecutor(t, dir)

	out := run(t, exec, "write_file", `{"path":"notes/a.txt","content":"hello"}`)
	assert.Equal(t, "wrote 5 bytes to notes/a.txt", out)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Equal(t, "hello", run(t, exec, "read_file", `{"path":"notes/a.txt"}`))
	assert.Equal(t, "Error: file not found: missing.txt", run(t, exec, "read_file", `{"path":"missing.txt"}`))
}

func TestBuiltins_Sandbox(t *testing.T) {
	dir := t.TempDir()
	_, exec := newBuiltinExecutor(t, dir)

	assert.Contains(t, run(t, exec, "read_file", `{"path":"../etc/passwd"}`), "path escapes workspace")
	assert.Contains(t, run(t, exec, "write_file", `{"path":"/tmp/x","content":"x"}`), "absolute paths are not allowed")
}

func TestResolveSandboxed(t *testing.T) {
	base := t.TempDir()

	full, err := resolveSandboxed(base, "a/../b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "b.txt"), full)

	_, err = resolveSandboxed(base, "a/../../b.txt")
	assert.Error(t, err)

	_, err = resolveSandboxed(base, "")
	assert.Error(t, err)

	full, err = resolveSandboxed(base, "..hidden")
	require.NoError(t, err, "names starting with dots stay inside")
	assert.Equal(t, filepath.Join(base, "..hidden"), full)
}
