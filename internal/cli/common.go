package cli

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/revsmoke/ralph-claude-code/internal/config"
)

// loadConfig layers ralph.yaml (searched in stateDir) and RALPH_-prefixed
// env vars under config.Load's existing priority rules, then applies the
// handful of CLI flags the spec singles out for direct override — flags
// win over everything else, since the operator typed them on this exact
// invocation.
func loadConfig(cmd *cobra.Command, stateDir, workingDir string) (*config.Config, error) {
	flags := cmd.Flags()

	explicitPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(viper.New(), explicitPath, []string{stateDir})
	if err != nil {
		return nil, err
	}

	cfg.WorkingDir = workingDir

	if flags.Changed("timeout") {
		minutes, _ := flags.GetInt("timeout")
		cfg.LoopTimeout = time.Duration(minutes) * time.Minute
	}
	if flags.Changed("schedule") {
		cfg.Schedule, _ = flags.GetString("schedule")
	}
	if v, _ := flags.GetBool("skip-evidence"); v {
		cfg.SkipEvidence = true
	}
	if v, _ := flags.GetBool("skip-tests"); v {
		cfg.SkipTestVerification = true
	}
	if v, _ := flags.GetBool("skip-cli"); v {
		cfg.SkipCLIVerification = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
