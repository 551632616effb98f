// Package toolhook implements ToolHookRunner: user-supplied hook scripts
// at .mux/tool_hook (project) or ~/.mux/tool_hook (user), run around every
// tool call, plus the simpler split tool_pre/tool_post variant.
package toolhook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"muxcore/internal/observability"
	"muxcore/internal/runtime"
)

// toolInputEnvLimit is TOOL_INPUT_ENV_LIMIT.
const toolInputEnvLimit = 8000

const (
	defaultPreHookTimeout    = 10 * time.Second
	defaultPostHookTimeout   = 10 * time.Second
	defaultSlowHookThreshold = 2 * time.Second
)

// Hooks is the result of discovering which hook scripts apply to a project.
type Hooks struct {
	Combined string
	Pre      string
	Post     string
}

func (h Hooks) HasAny() bool { return h.Combined != "" || h.Pre != "" || h.Post != "" }

// Discover resolves tool_hook/tool_pre/tool_post independently, each
// checking projectDir/.mux before homeDir/.mux.
func Discover(projectDir, homeDir string) Hooks {
	return Hooks{
		Combined: discoverOne("tool_hook", projectDir, homeDir),
		Pre:      discoverOne("tool_pre", projectDir, homeDir),
		Post:     discoverOne("tool_post", projectDir, homeDir),
	}
}

func discoverOne(name, projectDir, homeDir string) string {
	for _, dir := range []string{projectDir, homeDir} {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, ".mux", name)
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p
		}
	}
	return ""
}

// ToolCall identifies the tool invocation a hook wraps.
type ToolCall struct {
	WorkspaceID string
	ProjectDir  string
	ToolName    string
	Input       json.RawMessage
}

// ToolExecutor runs the actual tool once a combined hook's pre-phase has
// let it through. streaming mirrors the "result is async-iterable" case in
// which the tool's own output isn't buffered here.
type ToolExecutor func(ctx context.Context) (result json.RawMessage, streaming bool, err error)

// Config holds ToolHookRunner's timeouts.
type Config struct {
	PreHookTimeout    time.Duration
	PostHookTimeout   time.Duration
	SlowHookThreshold time.Duration
	TempDir           string
}

// Runner executes hook scripts around tool calls.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Runner, applying Config defaults.
func New(cfg Config) *Runner {
	if cfg.PreHookTimeout <= 0 {
		cfg.PreHookTimeout = defaultPreHookTimeout
	}
	if cfg.PostHookTimeout <= 0 {
		cfg.PostHookTimeout = defaultPostHookTimeout
	}
	if cfg.SlowHookThreshold <= 0 {
		cfg.SlowHookThreshold = defaultSlowHookThreshold
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Runner{cfg: cfg, logger: *observability.LoggerWithTrace(nil)}
}

// Result is what a hook run reports back to the caller.
type Result struct {
	StdoutBeforeMarker string
	StdoutAfterMarker  string
	Stderr             string
	ExitCode           int
	PreHookDurationMs  int64
	PostHookDurationMs int64
	SlowPreHook        bool
	SlowPostHook       bool
}

func envPair(k, v string) string { return k + "=" + v }

// resolveLargeValue applies the inline-vs-file rule for oversized values,
// reused for both MUX_TOOL_INPUT and post-hook's MUX_TOOL_RESULT.
func (r *Runner) resolveLargeValue(prefix string, value json.RawMessage) (envVars []string, cleanup func(), err error) {
	s := string(value)
	if len(s) <= toolInputEnvLimit {
		return []string{envPair(prefix, s)}, func() {}, nil
	}
	name := fmt.Sprintf("mux-%s-%d-%s.json", strings.ToLower(prefix), time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(r.cfg.TempDir, name)
	if err := os.WriteFile(path, value, 0o600); err != nil {
		return nil, func() {}, fmt.Errorf("toolhook: write %s overflow file: %w", prefix, err)
	}
	envVars = []string{
		envPair(prefix, "__"+prefix+"_FILE__"),
		envPair(prefix+"_PATH", path),
	}
	cleanup = func() { _ = os.Remove(path) }
	return envVars, cleanup, nil
}

func baseEnv(call ToolCall, marker string) []string {
	env := []string{
		envPair("MUX_TOOL", call.ToolName),
		envPair("MUX_WORKSPACE_ID", call.WorkspaceID),
		envPair("MUX_PROJECT_DIR", call.ProjectDir),
	}
	if marker != "" {
		env = append(env, envPair("MUX_EXEC", marker))
	}
	return env
}

func randomMarker() string {
	return "MUX_EXEC_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RunPreHook runs the split tool_pre hook: exit 0 allows the call, non-zero
// blocks it.
func (r *Runner) RunPreHook(ctx context.Context, rt runtime.Runtime, hookPath string, call ToolCall) (allow bool, stderr string, err error) {
	inputEnv, cleanup, err := r.resolveLargeValue("MUX_TOOL_INPUT", call.Input)
	if err != nil {
		return false, "", err
	}
	defer cleanup()

	env := append(baseEnv(call, ""), inputEnv...)
	res, err := rt.Exec(ctx, runtime.ExecRequest{
		Command: hookPath,
		Env:     env,
		Dir:     call.ProjectDir,
		Timeout: r.cfg.PreHookTimeout,
	})
	if err != nil {
		return false, "", fmt.Errorf("tool_pre hook: %w", err)
	}
	return res.OK, res.Stderr, nil
}

// RunPostHook runs the split tool_post hook, receiving the tool's result in
// addition to the standard env.
func (r *Runner) RunPostHook(ctx context.Context, rt runtime.Runtime, hookPath string, call ToolCall, toolResult json.RawMessage) error {
	inputEnv, cleanupInput, err := r.resolveLargeValue("MUX_TOOL_INPUT", call.Input)
	if err != nil {
		return err
	}
	defer cleanupInput()
	resultEnv, cleanupResult, err := r.resolveLargeValue("MUX_TOOL_RESULT", toolResult)
	if err != nil {
		return err
	}
	defer cleanupResult()

	env := append(baseEnv(call, ""), inputEnv...)
	env = append(env, resultEnv...)
	res, err := rt.Exec(ctx, runtime.ExecRequest{
		Command: hookPath,
		Env:     env,
		Dir:     call.ProjectDir,
		Timeout: r.cfg.PostHookTimeout,
	})
	if err != nil {
		return fmt.Errorf("tool_post hook: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("tool_post hook exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// outputPayload is the JSON written to the hook's
// stdin once the tool has run.
type outputPayload struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Streaming bool            `json:"streaming,omitempty"`
}
