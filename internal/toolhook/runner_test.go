package toolhook

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxcore/internal/runtime"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestDiscover_PrefersProjectOverUser(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, ".mux"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(user, ".mux"), 0o755))
	writeScript(t, filepath.Join(project, ".mux"), "tool_hook", "exit 0\n")
	writeScript(t, filepath.Join(user, ".mux"), "tool_hook", "exit 0\n")
	writeScript(t, filepath.Join(user, ".mux"), "tool_pre", "exit 0\n")

	hooks := Discover(project, user)
	assert.Equal(t, filepath.Join(project, ".mux", "tool_hook"), hooks.Combined)
	assert.Equal(t, filepath.Join(user, ".mux", "tool_pre"), hooks.Pre)
	assert.Empty(t, hooks.Post)
	assert.True(t, hooks.HasAny())
}

func TestDiscover_NoneFound(t *testing.T) {
	hooks := Discover(t.TempDir(), t.TempDir())
	assert.False(t, hooks.HasAny())
}

func TestRunPreHook_AllowsOnExitZero(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_pre", "exit 0\n")
	r := New(Config{})
	rt := runtime.NewLocal(0)

	allow, _, err := r.RunPreHook(context.Background(), rt, hook, ToolCall{ToolName: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)})
	require.NoError(t, err)
	assert.True(t, allow)
}

func TestRunPreHook_BlocksOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_pre", "echo blocked >&2\nexit 1\n")
	r := New(Config{})
	rt := runtime.NewLocal(0)

	allow, stderr, err := r.RunPreHook(context.Background(), rt, hook, ToolCall{ToolName: "bash"})
	require.NoError(t, err)
	assert.False(t, allow)
	assert.Contains(t, stderr, "blocked")
}

func TestRunPreHook_LargeInputGoesToFile(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_pre", `
if [ "$MUX_TOOL_INPUT" != "__MUX_TOOL_INPUT_FILE__" ]; then
  echo "expected file sentinel, got $MUX_TOOL_INPUT" >&2
  exit 1
fi
if [ ! -f "$MUX_TOOL_INPUT_PATH" ]; then
  echo "input file missing" >&2
  exit 1
fi
exit 0
`)
	r := New(Config{TempDir: t.TempDir()})
	rt := runtime.NewLocal(0)

	large := make([]byte, toolInputEnvLimit+100)
	for i := range large {
		large[i] = 'a'
	}
	input, _ := json.Marshal(string(large))
	allow, stderr, err := r.RunPreHook(context.Background(), rt, hook, ToolCall{ToolName: "bash", Input: input})
	require.NoError(t, err)
	assert.True(t, allow, "stderr: %s", stderr)
}

func TestRunPostHook_ReceivesToolResult(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_post", `
if [ "$MUX_TOOL_RESULT" != '{"ok":true}' ]; then
  echo "unexpected result: $MUX_TOOL_RESULT" >&2
  exit 1
fi
exit 0
`)
	r := New(Config{})
	rt := runtime.NewLocal(0)

	err := r.RunPostHook(context.Background(), rt, hook, ToolCall{ToolName: "bash"}, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
}

func TestRunPostHook_NonZeroExitIsError(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_post", "exit 7\n")
	r := New(Config{})
	rt := runtime.NewLocal(0)

	err := r.RunPostHook(context.Background(), rt, hook, ToolCall{ToolName: "bash"}, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRunWithHook_MarkerProtocol(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_hook", `
echo "before"
echo "$MUX_EXEC"
read -r line
echo "$line" > "`+filepath.Join(dir, "captured.json")+`"
echo "after marker"
exit 0
`)
	r := New(Config{PreHookTimeout: 2 * time.Second, PostHookTimeout: 2 * time.Second})

	called := false
	exec := func(ctx context.Context) (json.RawMessage, bool, error) {
		called = true
		return json.RawMessage(`{"value":42}`), false, nil
	}

	res, err := r.RunWithHook(context.Background(), hook, ToolCall{ToolName: "bash", WorkspaceID: "ws1", ProjectDir: dir}, exec)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, res.StdoutBeforeMarker, "before")
	assert.Contains(t, res.StdoutAfterMarker, "after marker")

	captured, err := os.ReadFile(filepath.Join(dir, "captured.json"))
	require.NoError(t, err)
	var payload outputPayload
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.JSONEq(t, `{"value":42}`, string(payload.Result))
}

func TestRunWithHook_MarkerSubstringInLogLineDoesNotTrigger(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_hook", `
echo "starting hook for $MUX_EXEC now"
echo "$MUX_EXEC"
read -r line
echo "$line" > "`+filepath.Join(dir, "captured.json")+`"
echo "after marker"
exit 0
`)
	r := New(Config{PreHookTimeout: 2 * time.Second, PostHookTimeout: 2 * time.Second})

	called := false
	exec := func(ctx context.Context) (json.RawMessage, bool, error) {
		called = true
		return json.RawMessage(`{"value":42}`), false, nil
	}

	res, err := r.RunWithHook(context.Background(), hook, ToolCall{ToolName: "bash", WorkspaceID: "ws1", ProjectDir: dir}, exec)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, res.StdoutBeforeMarker, "starting hook for")
	assert.Contains(t, res.StdoutAfterMarker, "after marker")

	captured, err := os.ReadFile(filepath.Join(dir, "captured.json"))
	require.NoError(t, err)
	var payload outputPayload
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.JSONEq(t, `{"value":42}`, string(payload.Result))
}

func TestRunWithHook_ToolErrorIsSerializedAndReturned(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_hook", `
echo "$MUX_EXEC"
read -r line
echo "$line" > "`+filepath.Join(dir, "captured.json")+`"
exit 0
`)
	r := New(Config{PreHookTimeout: 2 * time.Second, PostHookTimeout: 2 * time.Second})

	exec := func(ctx context.Context) (json.RawMessage, bool, error) {
		return nil, false, assert.AnError
	}

	_, err := r.RunWithHook(context.Background(), hook, ToolCall{ToolName: "bash", ProjectDir: dir}, exec)
	require.Error(t, err)

	captured, readErr := os.ReadFile(filepath.Join(dir, "captured.json"))
	require.NoError(t, readErr)
	var payload outputPayload
	require.NoError(t, json.Unmarshal(captured, &payload))
	assert.NotEmpty(t, payload.Error)
}

func TestRunWithHook_PreHookTimeout(t *testing.T) {
	dir := t.TempDir()
	hook := writeScript(t, dir, "tool_hook", "sleep 5\n")
	r := New(Config{PreHookTimeout: 30 * time.Millisecond, PostHookTimeout: time.Second})

	exec := func(ctx context.Context) (json.RawMessage, bool, error) {
		t.Fatal("tool should not run when the hook never emits its marker")
		return nil, false, nil
	}

	_, err := r.RunWithHook(context.Background(), hook, ToolCall{ToolName: "bash", ProjectDir: dir}, exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-hook timed out")
}
