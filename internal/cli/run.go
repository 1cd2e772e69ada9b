package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/loopctl"
	"github.com/revsmoke/ralph-claude-code/internal/logging"
)

// runLoop is the default (no-mode-flag) action: it runs the supervisor loop
// to completion or halt, canceling on SIGINT/SIGTERM exactly as the
// teacher's execute.go cancels a long-running command.
func runLoop(cmd *cobra.Command, stateDir, workingDir string) (code int, err error) {
	cfg, err := loadConfig(cmd, stateDir, workingDir)
	if err != nil {
		return ExitInvalidArgs, err
	}

	zl, err := logging.New(cfg.LogDir)
	if err != nil {
		return ExitGateOrHalt, fmt.Errorf("opening logs: %w", err)
	}
	defer zl.Sync()

	console := logging.NewConsole()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, console.Label("signal received, stopping..."))
		cancel()
	}()
	defer signal.Stop(sigCh)

	ctl, err := loopctl.New(ctx, stateDir, cfg, clock.Real{}, zl)
	if err != nil {
		return ExitGateOrHalt, fmt.Errorf("initializing loop controller: %w", err)
	}

	outcome, err := ctl.Run(ctx)
	if err != nil {
		return ExitGateOrHalt, err
	}

	switch outcome.ExitCode {
	case loopctl.ExitClean:
		fmt.Println(console.Success(fmt.Sprintf("done after %d loop(s): %s", outcome.Loops, outcome.ExitReason)))
	case loopctl.ExitHalted:
		fmt.Println(console.Failure(fmt.Sprintf("halted after %d loop(s): %s", outcome.Loops, outcome.ExitReason)))
	default:
		fmt.Println(console.Failure(fmt.Sprintf("failed after %d loop(s): %s", outcome.Loops, outcome.ExitReason)))
	}
	return outcomeToCLIExit(outcome.ExitCode), nil
}

// outcomeToCLIExit maps loopctl's internal exit codes onto the CLI's
// documented contract: 0 clean, 1 for anything that isn't a clean exit
// (halted or failed), 2 reserved for argument errors caught before the loop
// ever starts.
func outcomeToCLIExit(loopctlCode int) int {
	if loopctlCode == loopctl.ExitClean {
		return ExitOK
	}
	return ExitGateOrHalt
}
