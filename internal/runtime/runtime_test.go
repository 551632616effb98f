package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Exec_Success(t *testing.T) {
	l := NewLocal(0)
	res, err := l.Exec(context.Background(), ExecRequest{Command: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestLocal_Exec_NonZeroExit(t *testing.T) {
	l := NewLocal(0)
	res, err := l.Exec(context.Background(), ExecRequest{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocal_Exec_Stdin(t *testing.T) {
	l := NewLocal(0)
	res, err := l.Exec(context.Background(), ExecRequest{Command: "cat", Stdin: "piped in"})
	require.NoError(t, err)
	assert.Equal(t, "piped in", res.Stdout)
}

func TestLocal_Exec_MissingCommand(t *testing.T) {
	l := NewLocal(0)
	_, err := l.Exec(context.Background(), ExecRequest{})
	assert.Error(t, err)
}

func TestLocal_Exec_Timeout(t *testing.T) {
	l := NewLocal(0)
	res, err := l.Exec(context.Background(), ExecRequest{Command: "sleep", Args: []string{"5"}, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 124, res.ExitCode)
}

func TestLocal_Exec_TruncatesLargeOutput(t *testing.T) {
	l := &Local{defaultTimeout: time.Second, outLimit: 16}
	res, err := l.Exec(context.Background(), ExecRequest{Command: "sh", Args: []string{"-c", "head -c 100 /dev/zero | tr '\\0' 'A'"}})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Stdout, "[TRUNCATED]"))
}

func TestSSH_Exec_NotImplemented(t *testing.T) {
	s := NewSSH("example.internal")
	_, err := s.Exec(context.Background(), ExecRequest{Command: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example.internal")
}
