package cli

import (
	"fmt"
	"path/filepath"

	"github.com/revsmoke/ralph-claude-code/internal/logging"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// resetFiles is every state document ralph persists as its own state,
// named relative to stateDir.
var resetFiles = []string{
	"status.json",
	"progress.json",
	".response_analysis",
	".exit_signals",
	".circuit_breaker_state",
	".circuit_breaker_history",
	".ralph_evidence.json",
	".rate_limit_state",
}

// runReset deletes every state file, idempotently: a file that is already
// absent is not an error, matching statefile.Store.Remove's semantics.
func runReset(stateDir string) (int, error) {
	console := logging.NewConsole()
	for _, name := range resetFiles {
		store := statefile.New(filepath.Join(stateDir, name), nil)
		if err := store.Remove(); err != nil {
			return ExitGateOrHalt, fmt.Errorf("removing %s: %w", name, err)
		}
		fmt.Println(console.Detail("removed " + name))
	}
	fmt.Println(console.Success("all state reset"))
	return ExitOK, nil
}
