// Package runtime abstracts process execution for TaskService's git
// plumbing and ToolHookRunner's split tool_pre/tool_post hooks, so a
// workspace backed by a local checkout or a remote SSH host is the same code
// path for them. The combined tool_hook protocol and MCPServerManager's
// stdio transport keep live pipes to a child process and use os/exec
// directly.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ExecRequest describes one command invocation.
type ExecRequest struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Stdin   string
}

// ExecResult is the outcome of Runtime.Exec.
type ExecResult struct {
	OK         bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	Truncated  bool
}

// Runtime executes a command against some backing host. Local is the only
// implementation with a real dial; SSH is deliberately stubbed: the
// non-goal (the SSH transport itself is out of scope, only this seam is
// built).
type Runtime interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
}

const defaultOutputLimit = 64 * 1024

// Local runs commands with os/exec on the current host.
type Local struct {
	defaultTimeout time.Duration
	outLimit       int
}

// NewLocal constructs a Local runtime. defaultTimeout applies when a
// request doesn't specify one; zero falls back to 2 minutes.
func NewLocal(defaultTimeout time.Duration) *Local {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Local{defaultTimeout: defaultTimeout, outLimit: defaultOutputLimit}
}

func (l *Local) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.Command == "" {
		return ExecResult{}, errors.New("runtime: command is required")
	}

	tracer := otel.Tracer("runtime")
	meter := otel.Meter("runtime")
	ctx, span := tracer.Start(ctx, "exec")
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, req.Command, req.Args...)
	c.Dir = req.Dir
	if len(req.Env) > 0 {
		c.Env = append(os.Environ(), req.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if req.Stdin != "" {
		c.Stdin = bytes.NewBufferString(req.Stdin)
	}

	start := time.Now()
	err := c.Run()
	dur := time.Since(start)

	cmdCounter, _ := meter.Int64Counter("runtime.commands.total")
	durHist, _ := meter.Int64Histogram("runtime.command.duration.ms")
	cmdCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("command", req.Command)))
	durHist.Record(ctx, dur.Milliseconds(), otelmetric.WithAttributes(attribute.String("command", req.Command)))

	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			exit = 124
		} else if errors.As(err, &ee) {
			exit = ee.ExitCode()
		} else {
			exit = 1
		}
	}
	span.SetAttributes(attribute.String("runtime.command", req.Command), attribute.Int("runtime.exit_code", exit))

	outS, outTrunc := truncate(stdout.String(), l.outLimit)
	errS, errTrunc := truncate(stderr.String(), l.outLimit)

	return ExecResult{
		OK:         err == nil,
		ExitCode:   exit,
		Stdout:     outS,
		Stderr:     errS,
		DurationMs: dur.Milliseconds(),
		Truncated:  outTrunc || errTrunc,
	}, nil
}

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit] + "\n[TRUNCATED]", true
}

// SSH is a stubbed Runtime for workspaces whose runtimeConfig is "ssh".
// Dialing a remote host is out of scope; Exec reports a descriptive error
// so callers fail loudly instead of silently running locally against the
// wrong filesystem.
type SSH struct {
	Host string
}

func NewSSH(host string) *SSH { return &SSH{Host: host} }

func (s *SSH) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return ExecResult{}, fmt.Errorf("runtime: ssh execution against %q is not implemented", s.Host)
}
