package util

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	return "/bin/sh"
}

func TestDefaultRunnerCapturesOutput(t *testing.T) {
	r := NewDefaultRunner()
	res, err := r.Run(context.Background(), CmdSpec{
		Path:          shell(t),
		Args:          []string{"-c", "echo out; echo err >&2"},
		CaptureStdout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestDefaultRunnerNonZeroExit(t *testing.T) {
	r := NewDefaultRunner()
	res, err := r.Run(context.Background(), CmdSpec{
		Path: shell(t),
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, res.Code)
	assert.Contains(t, string(res.Stderr), "boom")
}

func TestDefaultRunnerStreamsLines(t *testing.T) {
	var lines []string
	r := NewDefaultRunner()
	res, err := r.Run(context.Background(), CmdSpec{
		Path:       shell(t),
		Args:       []string{"-c", "echo one; echo two"},
		StdoutLine: func(s string) { lines = append(lines, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
	// Without CaptureStdout the buffer stays empty when a line callback
	// is set.
	assert.Empty(t, res.Stdout)
}

func TestDefaultRunnerTimeout(t *testing.T) {
	r := NewDefaultRunner()
	_, err := r.Run(context.Background(), CmdSpec{
		Path:    shell(t),
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
}
