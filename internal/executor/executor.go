package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// defaultMaxCapture bounds how much stdout/stderr is kept per stream.
// Lease-guarded jobs can run for a full lock window; an unbounded buffer
// on a chatty command would grow for the whole window.
const defaultMaxCapture = 1 << 20 // 1 MiB

// Result represents the result of a command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

// Success returns true if the command executed successfully (exit code 0).
func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Executor handles shell command execution.
type Executor struct {
	shell      string
	maxCapture int
}

// New creates a new Executor.
func New() *Executor {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Executor{shell: shell, maxCapture: defaultMaxCapture}
}

// capBuffer keeps at most limit bytes and silently drops the rest.
type capBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Execute runs a command with the given options.
func (e *Executor) Execute(ctx context.Context, opts Options) *Result {
	start := time.Now()
	result := &Result{}

	// Create command with shell
	cmd := exec.CommandContext(ctx, e.shell, "-c", opts.Command)

	// Set working directory if specified
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	// Set environment variables
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	// Capture stdout and stderr, bounded
	stdout := &capBuffer{limit: e.maxCapture}
	stderr := &capBuffer{limit: e.maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Run the command
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.buf.String()
	result.Stderr = stderr.buf.String()

	if err != nil {
		result.Err = err
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	return result
}

// Options contains execution options for a command.
type Options struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
}
