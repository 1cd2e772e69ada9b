package cli

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/evidence"
	"github.com/revsmoke/ralph-claude-code/internal/logging"
)

// runEvidenceStatus prints the last-persisted evidence record without
// running any gate, for checking where a prior loop left off.
func runEvidenceStatus(stateDir string) (int, error) {
	collector := evidence.New(stateDir, uuid.NewString(), clock.Real{}, nil, evidence.ShellRunner{})
	doc, exists, err := collector.Load()
	if err != nil {
		return ExitGateOrHalt, fmt.Errorf("loading evidence: %w", err)
	}
	if !exists {
		console := logging.NewConsole()
		fmt.Println(console.Detail("no evidence recorded yet"))
		return ExitOK, nil
	}
	printEvidence(doc)
	return ExitOK, nil
}
