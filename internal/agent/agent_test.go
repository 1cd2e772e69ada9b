package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "loop.log")

	result, err := Run(context.Background(), Invocation{
		Command:    []string{"/bin/sh", "-c", "echo hello; exit 0"},
		WorkingDir: dir,
		LogPath:    logPath,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.False(t, result.Aborted)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Equal(t, len(data), result.OutputSize)
}

func TestRun_ReportsNonZeroExitCode(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), Invocation{
		Command:    []string{"/bin/sh", "-c", "exit 7"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "loop.log"),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRun_TimesOutLongRunningCommand(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), Invocation{
		Command:    []string{"/bin/sh", "-c", "sleep 5"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "loop.log"),
		Timeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.False(t, result.Aborted)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRun_ReportsAbortedOnParentCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := Run(ctx, Invocation{
		Command:    []string{"/bin/sh", "-c", "sleep 5"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "loop.log"),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.False(t, result.TimedOut)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRun_PipesInstructionFileToStdin(t *testing.T) {
	dir := t.TempDir()
	instrPath := filepath.Join(dir, "PROMPT.md")
	require.NoError(t, os.WriteFile(instrPath, []byte("do the thing"), 0o644))

	logPath := filepath.Join(dir, "loop.log")
	result, err := Run(context.Background(), Invocation{
		Command:         []string{"/bin/sh", "-c", "cat"},
		WorkingDir:      dir,
		InstructionFile: instrPath,
		LogPath:         logPath,
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(data))
}

func TestRun_EmptyCommandReturnsError(t *testing.T) {
	_, err := Run(context.Background(), Invocation{})
	assert.Error(t, err)
}

func TestRun_MissingInstructionFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Invocation{
		Command:         []string{"/bin/sh", "-c", "true"},
		WorkingDir:      dir,
		InstructionFile: filepath.Join(dir, "missing.md"),
		LogPath:         filepath.Join(dir, "loop.log"),
		Timeout:         5 * time.Second,
	})
	assert.Error(t, err)
}
