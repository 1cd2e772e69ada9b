// Package agent invokes the external coding-agent binary as a subprocess,
// feeding it the instruction file and capturing its combined output to a
// per-loop log file. It treats the agent as a black box: ralph only ever
// reads its stdout/stderr and exit code, never its internals.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Invocation describes one agent call.
type Invocation struct {
	// Command is the argv to run, e.g. ["claude", "--dangerously-skip-permissions"].
	Command []string
	// WorkingDir is the directory the agent process runs in.
	WorkingDir string
	// InstructionFile is piped to the agent's stdin.
	InstructionFile string
	// LogPath is where combined stdout+stderr is captured, written to the
	// file unbuffered, so a concurrent reader (the progress writer) can tail it mid-run.
	LogPath string
	// Timeout bounds the invocation's wall-clock duration.
	Timeout time.Duration
}

// Result is what the loop controller needs from one invocation.
type Result struct {
	ExitCode   int
	TimedOut   bool
	Aborted    bool
	Duration   time.Duration
	OutputSize int
}

// Run executes the agent subprocess per inv, streaming its combined output
// to inv.LogPath as it is produced (so the output is available to readers
// before the process exits) and returns once the process exits or the
// timeout elapses.
func Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("agent command must not be empty")
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.Create(inv.LogPath)
	if err != nil {
		return nil, fmt.Errorf("creating loop log %s: %w", inv.LogPath, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(runCtx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.WorkingDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if inv.InstructionFile != "" {
		stdin, err := os.Open(inv.InstructionFile)
		if err != nil {
			return nil, fmt.Errorf("opening instruction file %s: %w", inv.InstructionFile, err)
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	size, _ := outputSize(inv.LogPath)

	result := &Result{Duration: duration, OutputSize: size}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if runCtx.Err() == context.Canceled {
		// Parent context was canceled (SIGINT/SIGTERM via cmd/ralph), not an
		// agent failure: the subprocess was asked to stop, not that it erred.
		result.Aborted = true
		result.ExitCode = -1
		return result, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("running agent: %w", runErr)
	}
	return result, nil
}

func outputSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(io.Discard, f)
	return int(n), err
}
