// Package loopctl implements the main supervisor loop: it repeatedly
// invokes the coding agent, classifies its output, feeds the circuit
// breaker, collects evidence, and decides whether to continue, exit
// cleanly, or halt on stagnation. Session state lives in status.json; every
// other document (circuit state, exit-signal history, evidence) is owned by
// its respective package.
package loopctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/revsmoke/ralph-claude-code/internal/agent"
	"github.com/revsmoke/ralph-claude-code/internal/analyzer"
	"github.com/revsmoke/ralph-claude-code/internal/circuit"
	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/config"
	"github.com/revsmoke/ralph-claude-code/internal/evidence"
	"github.com/revsmoke/ralph-claude-code/internal/gitutil"
	"github.com/revsmoke/ralph-claude-code/internal/logging"
	"github.com/revsmoke/ralph-claude-code/internal/progress"
	"github.com/revsmoke/ralph-claude-code/internal/ratelimit"
	"github.com/revsmoke/ralph-claude-code/internal/schedule"
	"github.com/revsmoke/ralph-claude-code/internal/schema"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"

	"go.uber.org/zap"
)

// Session status values, persisted in status.json.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusWaiting      = "waiting"
	StatusExited       = "exited"
	StatusHalted       = "halted"
	StatusFailed       = "failed"
)

// LoopState is the status.json document: the single source of truth for
// "what is ralph doing right now" that external tooling (and the terminal
// dashboard) reads.
type LoopState struct {
	SessionID       string            `json:"session_id"`
	Loop            int               `json:"loop_count"`
	Status          string            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	LastUpdated     time.Time         `json:"last_updated"`
	ExitReason      string            `json:"exit_reason,omitempty"`
	CircuitState    string            `json:"circuit_state"`
	ConsecutiveTest int               `json:"consecutive_test_only"`
	ConsecutiveDone int               `json:"consecutive_done_signals"`
	Evidence        *EvidenceSnapshot `json:"evidence,omitempty"`
}

// EvidenceSnapshot is the evidence summary embedded in status.json, so the
// dashboard doesn't need to cross-reference .ralph_evidence.json for the headline
// numbers.
type EvidenceSnapshot struct {
	AllGatesPassed bool `json:"all_gates_passed"`
	GatesVerified  int  `json:"gates_verified"`
	GatesFailed    int  `json:"gates_failed"`
	GatesSkipped   int  `json:"gates_skipped"`
	ExitAllowed    bool `json:"exit_allowed"`
}

// ExitCode values for Outcome. The CLI passes ExitClean through as 0 and
// maps both ExitHalted and ExitFailed to its own exit code 1.
const (
	ExitClean  = 0
	ExitHalted = 1
	ExitFailed = 2
)

// Controller drives the loop.
type Controller struct {
	cfg       *config.Config
	dir       string
	sessionID string
	clock     clock.Clock

	statusIO  *statefile.Store
	analyzer  *analyzer.History
	circuit   *circuit.Breaker
	limiter   *ratelimit.Limiter
	evidence  *evidence.Collector
	git       *gitutil.Git
	gate      *schedule.Gate
	watcher   *progress.Watcher
	logger    *zap.Logger
	console   *logging.Console
}

// New wires together every collaborator the loop controller needs, rooted
// at dir (the working/session directory, distinct from cfg.WorkingDir which
// is the agent's repo checkout).
func New(ctx context.Context, dir string, cfg *config.Config, clk clock.Clock, zl *zap.Logger) (*Controller, error) {
	git, err := gitutil.New(ctx)
	if err != nil {
		git = nil // degraded mode: files_modified/commits_made gates report SKIPPED
	}

	gate, err := schedule.NewGate(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}

	watcher, err := progress.NewWatcher(
		resolveAgentPath(cfg.WorkingDir, cfg.InstructionFile),
		resolveAgentPath(cfg.WorkingDir, cfg.FixPlanFile),
	)
	if err != nil {
		watcher = nil // degraded mode: progress.json simply never reports instructions_changed
	}

	sessionID := uuid.NewString()
	return &Controller{
		cfg:       cfg,
		dir:       dir,
		sessionID: sessionID,
		clock:     clk,
		statusIO: statefile.New(filepath.Join(dir, "status.json"), func(data []byte) error {
			return schema.Validate(schema.Status, data)
		}),
		analyzer: analyzer.NewHistory(dir),
		circuit:  circuit.New(dir, circuit.DefaultConfig(), clk),
		limiter:  ratelimit.New(dir, cfg.MaxCallsPerHour, clk),
		evidence: evidence.New(dir, sessionID, clk, git, evidence.ShellRunner{}),
		git:      git,
		gate:     gate,
		watcher:  watcher,
		logger:   zl,
		console:  logging.NewConsole(),
	}, nil
}

// Outcome summarizes how Run ended.
type Outcome struct {
	ExitCode   int
	ExitReason string
	Loops      int
}

// Run executes loop iterations until an exit condition fires or ctx is
// canceled. This is the per-iteration protocol: schedule gate, circuit
// check, rate limit, agent invocation, analysis, circuit update, evidence
// collection, exit decision, status.json publish.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	if c.watcher != nil {
		defer c.watcher.Close()
	}

	state := &LoopState{
		SessionID: c.sessionID,
		Status:    StatusInitializing,
		StartedAt: c.clock.Now(),
	}
	if err := c.publish(state); err != nil {
		return nil, err
	}

	var previousOutputLength int
	loop := 0
	noProgressStreak := 0

	for {
		loop++
		select {
		case <-ctx.Done():
			state.Status = StatusHalted
			state.ExitReason = "canceled by signal"
			c.publish(state)
			return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop - 1}, nil
		default:
		}

		if !c.gate.Due(c.clock.Now()) {
			state.Status = StatusWaiting
			c.publish(state)
			if err := ratelimit.Sleep(ctx, 30*time.Second); err != nil {
				state.Status = StatusHalted
				state.ExitReason = "canceled by signal while waiting for schedule"
				c.publish(state)
				return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop - 1}, nil
			}
			loop--
			continue
		}

		halt, err := c.circuit.ShouldHaltExecution()
		if err != nil {
			return nil, fmt.Errorf("checking circuit breaker: %w", err)
		}
		if halt {
			state.Status = StatusHalted
			state.ExitReason = "circuit breaker open"
			c.publish(state)
			return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop - 1}, nil
		}

		allowed, err := c.limiter.Allow()
		if err != nil {
			return nil, fmt.Errorf("checking rate limit: %w", err)
		}
		if !allowed {
			state.Status = StatusWaiting
			c.publish(state)
			wait := time.Until(c.limiter.NextResetAt())
			if err := ratelimit.Sleep(ctx, wait); err != nil {
				state.Status = StatusHalted
				state.ExitReason = "canceled by signal while waiting for rate limit"
				c.publish(state)
				return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop - 1}, nil
			}
			loop--
			continue
		}

		state.Status = StatusRunning
		state.Loop = loop
		c.publish(state)

		logPath := filepath.Join(c.dir, "logs", fmt.Sprintf("loop-%04d.log", loop))

		progCtx, stopProgress := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(progCtx)
		writer := progress.NewWriter(c.dir, c.clock, 2*time.Second)
		writer.Run(gctx, g, loop, func() string { return tailFile(logPath, 4096) }, c.watcherEvents())

		result, runErr := agent.Run(ctx, agent.Invocation{
			Command:         c.cfg.AgentCommand,
			WorkingDir:      c.cfg.WorkingDir,
			InstructionFile: c.resolvePath(c.cfg.InstructionFile),
			LogPath:         logPath,
			Timeout:         c.cfg.LoopTimeout,
		})
		stopProgress()
		g.Wait()

		if runErr != nil {
			c.logger.Error("agent invocation failed", zap.Int("loop", loop), zap.Error(runErr))
			state.Status = StatusFailed
			state.ExitReason = runErr.Error()
			c.publish(state)
			return &Outcome{ExitCode: ExitFailed, ExitReason: state.ExitReason, Loops: loop}, nil
		}
		if result.Aborted {
			state.Status = StatusHalted
			state.ExitReason = "canceled by signal during agent invocation"
			c.publish(state)
			return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop}, nil
		}

		ra := analyzer.Analyze(ctx, logPath, loop, c.cfg.WorkingDir, gitDiffCounter{c.git}, previousOutputLength)
		previousOutputLength = ra.OutputLength

		hist, err := c.analyzer.Update(ra)
		if err != nil {
			return nil, fmt.Errorf("updating exit-signal history: %w", err)
		}

		hadError := ra.ErrorSignature != "" || result.ExitCode != 0
		decision, err := c.circuit.RecordLoopResult(circuit.LoopResult{
			Loop:             loop,
			FilesChanged:     ra.FilesModified,
			HadError:         hadError,
			DurationMS:       result.Duration.Milliseconds(),
			ErrorFingerprint: ra.ErrorSignature,
			OutputSize:       ra.OutputLength,
			Blocked:          ra.StatusField == analyzer.StatusBlocked,
		})
		if err != nil {
			return nil, fmt.Errorf("recording loop result: %w", err)
		}

		if cs, cserr := c.circuit.CurrentState(); cserr == nil {
			state.CircuitState = cs
		}
		state.ConsecutiveTest = analyzer.ConsecutiveTail(hist.TestOnlyLoops, loop)
		state.ConsecutiveDone = analyzer.ConsecutiveTail(hist.DoneSignals, loop)

		if decision.Halt {
			state.Status = StatusHalted
			state.ExitReason = decision.Reason
			c.publish(state)
			return &Outcome{ExitCode: ExitHalted, ExitReason: decision.Reason, Loops: loop}, nil
		}

		exitCandidate := ra.ExitSignal ||
			state.ConsecutiveTest >= c.cfg.MaxConsecutiveTestLoops ||
			state.ConsecutiveDone >= c.cfg.MaxConsecutiveDoneSignals

		if exitCandidate {
			if c.cfg.SkipEvidence {
				state.Status = StatusExited
				state.ExitReason = "exit signal trusted, evidence collection skipped by configuration"
				c.publish(state)
				return &Outcome{ExitCode: ExitClean, ExitReason: state.ExitReason, Loops: loop}, nil
			}

			doc, everr := c.evidence.Collect(ctx, loop, evidence.Options{
				WorkingDir:    c.cfg.WorkingDir,
				RepoRoot:      c.cfg.WorkingDir,
				FixPlanPath:   c.resolvePath(c.cfg.FixPlanFile),
				SkipTests:     c.cfg.SkipTestVerification,
				SkipCLI:       c.cfg.SkipCLIVerification,
				LoopStartedAt: state.StartedAt,
			})
			if everr != nil {
				return nil, fmt.Errorf("collecting evidence: %w", everr)
			}
			state.Evidence = &EvidenceSnapshot{
				AllGatesPassed: doc.OverallStatus.AllGatesPassed,
				GatesVerified:  doc.OverallStatus.GatesVerified,
				GatesFailed:    doc.OverallStatus.GatesFailed,
				GatesSkipped:   doc.OverallStatus.GatesSkipped,
				ExitAllowed:    doc.OverallStatus.ExitAllowed,
			}
			if doc.OverallStatus.ExitAllowed {
				state.Status = StatusExited
				state.ExitReason = "exit signal confirmed by evidence"
				c.publish(state)
				return &Outcome{ExitCode: ExitClean, ExitReason: state.ExitReason, Loops: loop}, nil
			}
			c.logger.Info("exit signal seen but evidence incomplete, continuing",
				zap.Int("loop", loop), zap.Int("gates_failed", doc.OverallStatus.GatesFailed))
			c.publish(state)
			continue
		}

		if ra.FilesModified == 0 && !hadError {
			noProgressStreak++
		} else {
			noProgressStreak = 0
		}
		c.publish(state)
		if wait := ratelimit.Backoff(noProgressStreak, 2*time.Second, 2*time.Minute); wait > 0 {
			if err := ratelimit.Sleep(ctx, wait); err != nil {
				state.Status = StatusHalted
				state.ExitReason = "canceled by signal during backoff"
				c.publish(state)
				return &Outcome{ExitCode: ExitHalted, ExitReason: state.ExitReason, Loops: loop}, nil
			}
		}
	}
}

// Console exposes the controller's color palette so cmd/ralph can print
// consistent status lines without constructing its own.
func (c *Controller) Console() *logging.Console {
	return c.console
}

// resolvePath joins a relative config path (instruction file, fix-plan
// file) against the agent's working directory, leaving absolute paths
// untouched. An empty path stays empty.
func (c *Controller) resolvePath(p string) string {
	return resolveAgentPath(c.cfg.WorkingDir, p)
}

// resolveAgentPath is the standalone form of resolvePath, usable from New
// before a Controller exists (to build the instruction/fix-plan watcher).
func resolveAgentPath(workingDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workingDir, p)
}

// watcherEvents returns the instruction/fix-plan file-change channel for
// the progress writer, or nil in degraded mode (fsnotify unavailable).
func (c *Controller) watcherEvents() <-chan string {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Events
}

func (c *Controller) publish(state *LoopState) error {
	state.LastUpdated = c.clock.Now()
	return c.statusIO.Store(state)
}

type gitDiffCounter struct{ git *gitutil.Git }

func (g gitDiffCounter) ChangedFileCount(ctx context.Context, repoRoot string) (int, error) {
	if g.git == nil {
		return 0, fmt.Errorf("git unavailable")
	}
	return g.git.ChangedFileCount(ctx, repoRoot)
}

// tailFile returns the last maxBytes of the file at path, or "" if it
// cannot be read (most commonly because the agent hasn't written anything
// yet). It feeds progress.json's last_output field.
func tailFile(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
