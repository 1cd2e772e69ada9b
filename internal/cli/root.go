// Package cli wires cobra's command tree for the ralph binary: one file per
// concern (reset, verify, evidence status, the main loop), mirroring the
// teacher's cmd/vc layout of one file per subcommand plus a shared set of
// flags on the root command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit code values, matching SPEC_FULL.md §6.
const (
	ExitOK          = 0
	ExitGateOrHalt  = 1
	ExitInvalidArgs = 2
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous agent-loop supervisor",
	Long: `ralph repeatedly invokes a coding-agent subprocess against a fixed
instruction file, classifies each invocation's output, and decides whether
to iterate again, halt on stagnation, or exit once verifiable evidence
confirms the work is actually done.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := runRoot(cmd)
		exitCode = code
		return err
	},
}

// exitCode is set by whichever runX function the root command dispatches
// to, and read back by Execute after rootCmd.Execute returns.
var exitCode int

// Execute parses flags, dispatches to the selected action, and returns the
// process exit code the caller should use. It never calls os.Exit itself.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == ExitOK {
			exitCode = ExitInvalidArgs
		}
		return exitCode
	}
	return exitCode
}

func init() {
	flags := rootCmd.Flags()
	flags.Bool("reset-all", false, "delete all state files and exit")
	flags.Bool("verify-evidence", false, "run all verification gates once and print the summary")
	flags.Bool("evidence-status", false, "print the current evidence record without running gates")
	flags.Bool("skip-evidence", false, "trust an exit signal without collecting evidence")
	flags.Bool("skip-tests", false, "skip the tests_passed evidence gate")
	flags.Bool("skip-cli", false, "skip the cli_functional evidence gate")
	flags.Int("timeout", 30, "per-invocation wall-clock timeout, in minutes")
	flags.String("schedule", "", "cron expression; each loop iteration starts only when this schedule is due")
	flags.String("working-dir", ".", "agent's repository checkout")
	flags.String("state-dir", "", "directory for ralph's own state files (defaults to working-dir)")
	flags.String("config", "", "path to an explicit ralph.yaml (defaults to searching state-dir)")
}

// runRoot dispatches to exactly one action based on the mutually exclusive
// mode flags, matching the teacher's execute.go pattern of a Run closure
// delegating to a separate runX(cmd) (int, error) function so deferred
// cleanup in that function always executes before the process exit code is
// decided by the caller.
func runRoot(cmd *cobra.Command) (int, error) {
	flags := cmd.Flags()

	modes := 0
	for _, name := range []string{"reset-all", "verify-evidence", "evidence-status"} {
		if v, _ := flags.GetBool(name); v {
			modes++
		}
	}
	if modes > 1 {
		return ExitInvalidArgs, fmt.Errorf("--reset-all, --verify-evidence, and --evidence-status are mutually exclusive")
	}

	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return ExitInvalidArgs, err
	}
	workingDir, err := flags.GetString("working-dir")
	if err != nil {
		return ExitInvalidArgs, err
	}
	if stateDir == "" {
		stateDir = workingDir
	}

	if v, _ := flags.GetBool("reset-all"); v {
		return runReset(stateDir)
	}
	if v, _ := flags.GetBool("verify-evidence"); v {
		return runVerify(cmd, stateDir, workingDir)
	}
	if v, _ := flags.GetBool("evidence-status"); v {
		return runEvidenceStatus(stateDir)
	}
	return runLoop(cmd, stateDir, workingDir)
}
