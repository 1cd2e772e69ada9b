package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/evidence"
	"github.com/revsmoke/ralph-claude-code/internal/gitutil"
	"github.com/revsmoke/ralph-claude-code/internal/logging"
)

// runVerify runs all six evidence gates once, outside of the loop
// controller, and prints the same summary a loop iteration would have
// recorded to .ralph_evidence.json.
func runVerify(cmd *cobra.Command, stateDir, workingDir string) (int, error) {
	cfg, err := loadConfig(cmd, stateDir, workingDir)
	if err != nil {
		return ExitInvalidArgs, err
	}

	ctx := cmd.Context()
	git, err := gitutil.New(ctx)
	if err != nil {
		git = nil
	}

	collector := evidence.New(stateDir, uuid.NewString(), clock.Real{}, git, evidence.ShellRunner{})
	doc, err := collector.Collect(ctx, 0, evidence.Options{
		WorkingDir:  cfg.WorkingDir,
		RepoRoot:    cfg.WorkingDir,
		FixPlanPath: filepath.Join(cfg.WorkingDir, cfg.FixPlanFile),
		SkipTests:   cfg.SkipTestVerification,
		SkipCLI:     cfg.SkipCLIVerification,
	})
	if err != nil {
		return ExitGateOrHalt, fmt.Errorf("collecting evidence: %w", err)
	}

	printEvidence(doc)
	if doc.OverallStatus.ExitAllowed {
		return ExitOK, nil
	}
	return ExitGateOrHalt, nil
}

func printEvidence(doc *evidence.Document) {
	console := logging.NewConsole()
	fmt.Println(console.Header("verification gates"))
	for _, name := range evidence.GateOrder {
		rec, ok := doc.VerificationGates[name]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-22s %s", name, rec.Status)
		switch rec.Status {
		case evidence.Verified:
			fmt.Println(console.Success(line))
		case evidence.Failed:
			fmt.Println(console.Failure(line))
		default:
			fmt.Println(console.Detail(line))
		}
		if rec.Detail != "" {
			fmt.Println(console.Detail("    " + rec.Detail))
		}
	}
	fmt.Printf("%s verified=%d failed=%d skipped=%d exit_allowed=%v\n",
		console.Label("overall:"),
		doc.OverallStatus.GatesVerified,
		doc.OverallStatus.GatesFailed,
		doc.OverallStatus.GatesSkipped,
		doc.OverallStatus.ExitAllowed,
	)
}
