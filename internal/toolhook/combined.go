package toolhook

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// RunWithHook implements the combined hook protocol: spawn the script,
// stream its stdout watching for a per-invocation marker, run the tool once
// the marker appears, hand the tool's result back to the hook over stdin,
// then keep draining stdout until the hook exits.
//
// This needs a live stdin/stdout pipe pair mid-process, which
// runtime.Runtime's buffered Exec can't express, so the subprocess is
// supervised directly through os/exec, the same way the MCP stdio
// transport keeps a long-lived child's pipes open.
func (r *Runner) RunWithHook(ctx context.Context, hookPath string, call ToolCall, execTool ToolExecutor) (Result, error) {
	marker := randomMarker()
	inputEnv, cleanup, err := r.resolveLargeValue("MUX_TOOL_INPUT", call.Input)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, hookPath)
	cmd.Dir = call.ProjectDir
	cmd.Env = append(cmd.Environ(), baseEnv(call, marker)...)
	cmd.Env = append(cmd.Env, inputEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("toolhook: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("toolhook: stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("toolhook: start hook: %w", err)
	}

	res := Result{}
	// timeoutNote is appended to stderr at finalize time, not written into
	// stderrBuf directly: the exec machinery may still be copying the hook's
	// own stderr into that builder when a timeout fires.
	var timeoutNote string
	var beforeMarker, afterMarker strings.Builder
	markerSeen := make(chan struct{})
	scanDone := make(chan error, 1)

	var mu sync.Mutex
	sawMarker := false

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			seen := sawMarker
			if !seen && line == marker {
				sawMarker = true
				mu.Unlock()
				close(markerSeen)
				continue
			}
			if seen {
				afterMarker.WriteString(line)
				afterMarker.WriteByte('\n')
			} else {
				beforeMarker.WriteString(line)
				beforeMarker.WriteByte('\n')
			}
			mu.Unlock()
		}
		scanDone <- scanner.Err()
	}()

	preStart := time.Now()
	preTimeout := r.cfg.PreHookTimeout
	select {
	case <-markerSeen:
		res.PreHookDurationMs = time.Since(preStart).Milliseconds()
		res.SlowPreHook = time.Since(preStart) > r.cfg.SlowHookThreshold
		if res.SlowPreHook {
			r.logger.Warn().Str("tool", call.ToolName).Int64("durationMs", res.PreHookDurationMs).Msg("tool_hook_slow_pre")
		}
	case <-time.After(preTimeout):
		timeoutNote = "\ntool_hook: pre-hook phase timed out waiting for marker\n"
		_ = cmd.Process.Kill()
		<-scanDone
		_ = cmd.Wait()
		return r.finalizeResult(res, beforeMarker.String(), afterMarker.String(), stderrBuf.String()+timeoutNote, cmd), fmt.Errorf("toolhook: pre-hook timed out after %s", preTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-scanDone
		_ = cmd.Wait()
		return r.finalizeResult(res, beforeMarker.String(), afterMarker.String(), stderrBuf.String(), cmd), ctx.Err()
	}

	toolResult, streaming, toolErr := execTool(ctx)
	payload := outputPayload{Streaming: streaming}
	if toolErr != nil {
		payload.Error = toolErr.Error()
	} else if !streaming {
		payload.Result = toolResult
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		_, _ = stdin.Write(raw)
		_, _ = stdin.Write([]byte("\n"))
	}
	_ = stdin.Close()

	postStart := time.Now()
	select {
	case <-scanDone:
		res.PostHookDurationMs = time.Since(postStart).Milliseconds()
		res.SlowPostHook = time.Since(postStart) > r.cfg.SlowHookThreshold
		if res.SlowPostHook {
			r.logger.Warn().Str("tool", call.ToolName).Int64("durationMs", res.PostHookDurationMs).Msg("tool_hook_slow_post")
		}
	case <-time.After(r.cfg.PostHookTimeout):
		timeoutNote = "\ntool_hook: post-hook phase timed out draining output\n"
		_ = cmd.Process.Kill()
		<-scanDone
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-scanDone
	}

	waitErr := cmd.Wait()
	result := r.finalizeResult(res, beforeMarker.String(), afterMarker.String(), stderrBuf.String()+timeoutNote, cmd)
	if toolErr != nil {
		return result, toolErr
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return result, fmt.Errorf("toolhook: hook process: %w", waitErr)
		}
	}
	return result, nil
}

func (r *Runner) finalizeResult(res Result, before, after, stderr string, cmd *exec.Cmd) Result {
	res.StdoutBeforeMarker = before
	res.StdoutAfterMarker = after
	res.Stderr = stderr
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res
}
