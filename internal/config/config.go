// Package config loads ralph's configuration by layering, highest priority
// first: CLI flags, environment variables (RALPH_ prefixed), an optional
// ralph.yaml project file, and built-in defaults — the same layering order
// the teacher's sibling projects use for their own viper-backed config.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the loop controller, circuit breaker,
// rate limiter, and evidence collector read at startup.
type Config struct {
	// AgentCommand is the argv used to invoke the coding agent, e.g.
	// ["claude", "--dangerously-skip-permissions"].
	AgentCommand []string `mapstructure:"agent_command"`

	// InstructionFile is the file handed to the agent each loop (PROMPT.md
	// or similar).
	InstructionFile string `mapstructure:"instruction_file"`

	// FixPlanFile is the optional document the fix_plan_complete evidence
	// gate inspects for unchecked items.
	FixPlanFile string `mapstructure:"fix_plan_file"`

	// WorkingDir is the repository root the agent operates in.
	WorkingDir string `mapstructure:"working_dir"`

	// Schedule is an optional cron expression gating when loops may start
	// (empty means "run continuously").
	Schedule string `mapstructure:"schedule"`

	// MaxCallsPerHour caps agent invocations within one wall-clock hour;
	// the count resets when the clock enters a new hour.
	MaxCallsPerHour int `mapstructure:"max_calls_per_hour"`

	// MaxConsecutiveTestLoops is the number of consecutive test-only loops
	// that makes the loop an exit candidate (evidence is then collected
	// unless SkipEvidence is set).
	MaxConsecutiveTestLoops int `mapstructure:"max_consecutive_test_loops"`

	// MaxConsecutiveDoneSignals is the number of consecutive completion
	// signals that makes the loop an exit candidate, as above.
	MaxConsecutiveDoneSignals int `mapstructure:"max_consecutive_done_signals"`

	// SkipTestVerification bypasses the tests_passed evidence gate.
	SkipTestVerification bool `mapstructure:"skip_test_verification"`

	// SkipCLIVerification bypasses the cli_functional evidence gate.
	SkipCLIVerification bool `mapstructure:"skip_cli_verification"`

	// SkipEvidence bypasses the evidence collector entirely: an exit signal
	// is trusted as soon as the analyzer reports it, with no gate checks.
	SkipEvidence bool `mapstructure:"skip_evidence"`

	// LoopTimeout bounds a single agent invocation's wall-clock duration.
	LoopTimeout time.Duration `mapstructure:"loop_timeout"`

	// LogDir is where logs/ralph.jsonl and per-loop capture logs are
	// written.
	LogDir string `mapstructure:"log_dir"`
}

// Load builds a Config by layering defaults, the optional file at
// explicitPath (or ralph.yaml discovered in searchDirs), and RALPH_-prefixed
// environment variables, in that order of increasing priority. Flags are
// applied by the caller, which overwrites the returned Config's fields
// after Load, since cobra owns flag parsing; Load itself only handles
// file/env/defaults.
func Load(v *viper.Viper, explicitPath string, searchDirs []string) (*Config, error) {
	setDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("ralph")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix("RALPH")
	v.AutomaticEnv()

	// The five tunables the spec documents as bare (unprefixed) environment
	// variables get an explicit binding so they work without RALPH_, while
	// everything else still follows the RALPH_-prefixed convention above.
	bareEnv := map[string]string{
		"max_calls_per_hour":           "MAX_CALLS_PER_HOUR",
		"max_consecutive_test_loops":   "MAX_CONSECUTIVE_TEST_LOOPS",
		"max_consecutive_done_signals": "MAX_CONSECUTIVE_DONE_SIGNALS",
		"skip_test_verification":       "SKIP_TEST_VERIFICATION",
		"skip_cli_verification":        "SKIP_CLI_VERIFICATION",
	}
	for key, env := range bareEnv {
		if err := v.BindEnv(key, "RALPH_"+env, env); err != nil {
			return nil, fmt.Errorf("binding env var %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent_command", []string{"claude", "--dangerously-skip-permissions"})
	v.SetDefault("instruction_file", "PROMPT.md")
	v.SetDefault("fix_plan_file", "fix_plan.md")
	v.SetDefault("working_dir", ".")
	v.SetDefault("schedule", "")
	v.SetDefault("max_calls_per_hour", 100)
	v.SetDefault("max_consecutive_test_loops", 3)
	v.SetDefault("max_consecutive_done_signals", 2)
	v.SetDefault("skip_test_verification", false)
	v.SetDefault("skip_cli_verification", false)
	v.SetDefault("skip_evidence", false)
	v.SetDefault("loop_timeout", 30*time.Minute)
	v.SetDefault("log_dir", "logs")
}

// Validate checks the loaded config for obviously unusable values.
func (c *Config) Validate() error {
	if len(c.AgentCommand) == 0 {
		return fmt.Errorf("agent_command must not be empty")
	}
	if c.MaxCallsPerHour <= 0 {
		return fmt.Errorf("max_calls_per_hour must be positive, got %d", c.MaxCallsPerHour)
	}
	if c.MaxConsecutiveTestLoops <= 0 {
		return fmt.Errorf("max_consecutive_test_loops must be positive, got %d", c.MaxConsecutiveTestLoops)
	}
	if c.MaxConsecutiveDoneSignals <= 0 {
		return fmt.Errorf("max_consecutive_done_signals must be positive, got %d", c.MaxConsecutiveDoneSignals)
	}
	if c.LoopTimeout <= 0 {
		return fmt.Errorf("loop_timeout must be positive, got %s", c.LoopTimeout)
	}
	return nil
}
