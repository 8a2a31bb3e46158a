package util

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// CmdSpec describes a subprocess to run.
type CmdSpec struct {
	Path    string        // Binary path
	Args    []string      // Arguments
	Env     []string      // Optional environment variables (KEY=VALUE). If nil, inherit.
	Dir     string        // Working directory; empty = inherit.
	Timeout time.Duration // Hard deadline; 0 = inherit parent cancellation only.

	// Per-line streaming and memory control:
	StdoutLine    func(string) // Called for each stdout line (if non-nil)
	StderrLine    func(string) // Called for each stderr line (if non-nil)
	CaptureStdout bool         // When false, do not buffer stdout into CmdResult (still invoke StdoutLine)
}

// CmdResult contains captured output and exit status.
type CmdResult struct {
	Stdout []byte
	Stderr []byte
	Code   int
	Err    error
}

// CmdRunner abstracts subprocess execution so tests can substitute a
// deterministic fake for yt-dlp, ffmpeg and fpcalc.
type CmdRunner interface {
	Run(ctx context.Context, spec CmdSpec) (CmdResult, error)
}

// DefaultRunner executes commands with os/exec.
type DefaultRunner struct{}

// NewDefaultRunner returns the process-backed runner.
func NewDefaultRunner() CmdRunner { return DefaultRunner{} }

// Run executes the command. It always captures stderr; stdout capture
// can be disabled with CaptureStdout=false. On non-zero exit it returns
// an error describing the exit code while still populating CmdResult.
func (DefaultRunner) Run(ctx context.Context, spec CmdSpec) (CmdResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CmdResult{Code: -1, Err: err}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CmdResult{Code: -1, Err: err}, err
	}

	if err := cmd.Start(); err != nil {
		return CmdResult{Code: -1, Err: err}, err
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// yt-dlp metadata JSON can exceed the default 64KB scanner buffer.
	const maxCapacity = 1024 * 1024

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdoutPipe)
		sc.Buffer(make([]byte, 0, 64*1024), maxCapacity)
		for sc.Scan() {
			line := sc.Text()
			if spec.StdoutLine != nil {
				spec.StdoutLine(line)
			}
			if spec.CaptureStdout || spec.StdoutLine == nil {
				stdoutBuf.WriteString(line)
				stdoutBuf.WriteByte('\n')
			}
		}
	}()

	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderrPipe)
		sc.Buffer(make([]byte, 0, 64*1024), maxCapacity)
		for sc.Scan() {
			line := sc.Text()
			if spec.StderrLine != nil {
				spec.StderrLine(line)
			}
			stderrBuf.WriteString(line)
			stderrBuf.WriteByte('\n')
		}
	}()

	// Drain both pipes before Wait; Wait closes them and would race the
	// scanners out of the tail of the output.
	wg.Wait()
	waitErr := cmd.Wait()

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	res := CmdResult{
		Stdout: stdoutBuf.Bytes(),
		Stderr: stderrBuf.Bytes(),
		Code:   code,
		Err:    waitErr,
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("command interrupted: %w", ctxErr)
		}
		return res, fmt.Errorf("command failed (exit %d): %w", code, waitErr)
	}
	return res, nil
}
