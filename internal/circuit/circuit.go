// Package circuit implements the three-state (CLOSED/HALF_OPEN/OPEN)
// circuit breaker that detects stagnation and repeated failure across loop
// iterations, persisting its state to .circuit_breaker_state and appending
// every transition to .circuit_breaker_history.
package circuit

import (
	"path/filepath"
	"time"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// State names.
const (
	Closed   = "CLOSED"
	HalfOpen = "HALF_OPEN"
	Open     = "OPEN"
)

// Default thresholds, overridable via Config.
const (
	DefaultNoProgressHalfOpen     = 2
	DefaultNoProgressOpen         = 3
	DefaultSameErrorThreshold     = 5
	DefaultOutputDeclinePercent   = 40
	DefaultOutputDeclineConsec    = 2
)

// Config tunes the breaker's transition thresholds.
type Config struct {
	// NoProgressHalfOpen is the no_progress_count at which CLOSED -> HALF_OPEN.
	NoProgressHalfOpen int
	// NoProgressOpen is the no_progress_count at which HALF_OPEN -> OPEN.
	NoProgressOpen int
	// SameErrorThreshold is the consecutive_same_error count that forces OPEN
	// from any state.
	SameErrorThreshold int
	// OutputDeclinePercent is the percentage shrink in output size that
	// counts as a "decline" loop.
	OutputDeclinePercent int
	// OutputDeclineConsecutive is how many consecutive decline loops trip
	// the breaker.
	OutputDeclineConsecutive int
}

// DefaultConfig returns the thresholds named in SPEC_FULL.md §3.
func DefaultConfig() Config {
	return Config{
		NoProgressHalfOpen:       DefaultNoProgressHalfOpen,
		NoProgressOpen:           DefaultNoProgressOpen,
		SameErrorThreshold:       DefaultSameErrorThreshold,
		OutputDeclinePercent:     DefaultOutputDeclinePercent,
		OutputDeclineConsecutive: DefaultOutputDeclineConsec,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NoProgressHalfOpen <= 0 {
		c.NoProgressHalfOpen = d.NoProgressHalfOpen
	}
	if c.NoProgressOpen <= 0 {
		c.NoProgressOpen = d.NoProgressOpen
	}
	if c.SameErrorThreshold <= 0 {
		c.SameErrorThreshold = d.SameErrorThreshold
	}
	if c.OutputDeclinePercent <= 0 {
		c.OutputDeclinePercent = d.OutputDeclinePercent
	}
	if c.OutputDeclineConsecutive <= 0 {
		c.OutputDeclineConsecutive = d.OutputDeclineConsecutive
	}
	return c
}

// State is the persisted circuit-breaker document (.circuit_breaker_state).
type State struct {
	State                string     `json:"state"`
	NoProgressCount       int        `json:"no_progress_count"`
	ErrorCount            int        `json:"error_count"`
	ConsecutiveSameError  int        `json:"consecutive_same_error"`
	LastErrorFingerprint  string     `json:"last_error_fingerprint,omitempty"`
	OutputDeclineCount    int        `json:"output_decline_count"`
	LastOutputSize        int        `json:"last_output_size"`
	LastTransitionAt      *time.Time `json:"last_transition_at,omitempty"`
	OpenedAt              *time.Time `json:"opened_at,omitempty"`
}

// Transition is one entry in the append-only .circuit_breaker_history
// journal.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Loop   int       `json:"loop"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// LoopResult is the single typed event the breaker's transition function
// evaluates, matching SPEC_FULL.md §4.2's record_loop_result signature.
type LoopResult struct {
	Loop          int
	FilesChanged  int
	HadError      bool
	DurationMS    int64
	ErrorFingerprint string
	OutputSize    int
	Blocked       bool
}

// Decision is the outcome of recording a LoopResult: whether the breaker
// transitioned, to what, and why.
type Decision struct {
	Transitioned bool
	Reason       string
	Halt         bool
}

// Breaker persists State and History at dir/.circuit_breaker_state and
// dir/.circuit_breaker_history.
type Breaker struct {
	cfg     Config
	clock   clock.Clock
	stateIO *statefile.Store
	histIO  *statefile.Store
}

// New creates a Breaker rooted at dir using cfg (zero values defaulted) and
// clk for timestamps.
func New(dir string, cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		stateIO: statefile.New(filepath.Join(dir, ".circuit_breaker_state"), nil),
		histIO:  statefile.New(filepath.Join(dir, ".circuit_breaker_history"), nil),
	}
}

// Init loads the persisted state, writing a fresh CLOSED record if the file
// is absent or corrupt.
func (b *Breaker) Init() (*State, error) {
	st := &State{State: Closed}
	exists, err := b.stateIO.Load(st)
	if err != nil || !exists {
		st = &State{State: Closed}
		if serr := b.stateIO.Store(st); serr != nil {
			return nil, serr
		}
	}
	return st, nil
}

// ShouldHaltExecution reports whether the persisted state is OPEN.
func (b *Breaker) ShouldHaltExecution() (bool, error) {
	st, err := b.Init()
	if err != nil {
		return false, err
	}
	return st.State == Open, nil
}

// RecordLoopResult updates the breaker's counters and state per the
// transition table, persists the result, appends a history entry on any
// transition, and returns a Decision. Evaluation order is fixed: blocked
// status, same-error, output decline, then no-progress. Three consecutive
// test-only loops do not transition the breaker directly; that signal
// instead forces an evidence check at the loop-controller level (the
// analyzer's own exit-signal history tracks it). A breaker that is already
// OPEN is a no-op: OPEN is terminal until an explicit Reset.
func (b *Breaker) RecordLoopResult(lr LoopResult) (*Decision, error) {
	st, err := b.Init()
	if err != nil {
		return nil, err
	}
	if st.State == Open {
		return &Decision{Halt: true, Reason: "circuit already open"}, nil
	}

	now := b.clock.Now()
	from := st.State

	transition := func(to, reason string) *Decision {
		st.State = to
		st.LastTransitionAt = &now
		if to == Open {
			st.OpenedAt = &now
		}
		return &Decision{Transitioned: from != to, Reason: reason, Halt: to == Open}
	}

	// 1. Blocked status trips immediately, from any state.
	if lr.Blocked {
		decision := transition(Open, "agent reported BLOCKED status")
		if serr := b.persist(st, from, lr.Loop, decision); serr != nil {
			return nil, serr
		}
		return decision, nil
	}

	// 2. Same-error tracking.
	if lr.ErrorFingerprint != "" {
		if lr.ErrorFingerprint == st.LastErrorFingerprint {
			st.ConsecutiveSameError++
		} else {
			st.ConsecutiveSameError = 1
			st.LastErrorFingerprint = lr.ErrorFingerprint
		}
	} else {
		st.ConsecutiveSameError = 0
		st.LastErrorFingerprint = ""
	}
	if lr.HadError {
		st.ErrorCount++
	} else {
		st.ErrorCount = 0
	}
	if st.ConsecutiveSameError >= b.cfg.SameErrorThreshold {
		decision := transition(Open, "same error repeated")
		if serr := b.persist(st, from, lr.Loop, decision); serr != nil {
			return nil, serr
		}
		return decision, nil
	}

	// 3. Output decline tracking.
	if lr.OutputSize > 0 && st.LastOutputSize > 0 {
		decline := (st.LastOutputSize - lr.OutputSize) * 100 / st.LastOutputSize
		if decline >= b.cfg.OutputDeclinePercent {
			st.OutputDeclineCount++
		} else {
			st.OutputDeclineCount = 0
		}
	}
	st.LastOutputSize = lr.OutputSize
	if st.OutputDeclineCount >= b.cfg.OutputDeclineConsecutive {
		decision := transition(Open, "output size declined for multiple consecutive loops")
		if serr := b.persist(st, from, lr.Loop, decision); serr != nil {
			return nil, serr
		}
		return decision, nil
	}

	// 4. No-progress / recovery tracking.
	noProgress := lr.FilesChanged == 0 && !lr.HadError
	if lr.FilesChanged >= 1 {
		st.NoProgressCount = 0
		if st.State == HalfOpen {
			decision := transition(Closed, "progress resumed")
			if serr := b.persist(st, from, lr.Loop, decision); serr != nil {
				return nil, serr
			}
			return decision, nil
		}
	} else if noProgress {
		st.NoProgressCount++
	}

	var decision *Decision
	switch {
	case st.State == Closed && st.NoProgressCount >= b.cfg.NoProgressHalfOpen:
		decision = transition(HalfOpen, "no progress for multiple loops")
	case st.State == HalfOpen && st.NoProgressCount >= b.cfg.NoProgressOpen:
		decision = transition(Open, "no progress persisted through half-open")
	default:
		decision = &Decision{}
	}

	if serr := b.persist(st, from, lr.Loop, decision); serr != nil {
		return nil, serr
	}
	return decision, nil
}

func (b *Breaker) persist(st *State, from string, loop int, decision *Decision) error {
	if err := b.stateIO.Store(st); err != nil {
		return err
	}
	if decision.Transitioned {
		hist, err := b.loadHistory()
		if err != nil {
			return err
		}
		hist = append(hist, Transition{
			From:   from,
			To:     st.State,
			Loop:   loop,
			Reason: decision.Reason,
			At:     b.clock.Now(),
		})
		if err := b.histIO.Store(hist); err != nil {
			return err
		}
	}
	return nil
}

func (b *Breaker) loadHistory() ([]Transition, error) {
	var hist []Transition
	_, err := b.histIO.Load(&hist)
	if err != nil {
		return nil, nil
	}
	return hist, nil
}

// History returns the full transition journal.
func (b *Breaker) History() ([]Transition, error) {
	return b.loadHistory()
}

// CurrentState returns the persisted state name (CLOSED/HALF_OPEN/OPEN),
// for display purposes (status.json, the terminal dashboard).
func (b *Breaker) CurrentState() (string, error) {
	st, err := b.Init()
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// Reset forces the breaker back to CLOSED, zeroes all counters, and appends
// a history entry recording reason.
func (b *Breaker) Reset(reason string) error {
	st, err := b.Init()
	if err != nil {
		return err
	}
	from := st.State
	now := b.clock.Now()
	fresh := &State{State: Closed, LastTransitionAt: &now}
	if err := b.stateIO.Store(fresh); err != nil {
		return err
	}
	if from != Closed {
		hist, err := b.loadHistory()
		if err != nil {
			return err
		}
		hist = append(hist, Transition{From: from, To: Closed, Reason: reason, At: now})
		if err := b.histIO.Store(hist); err != nil {
			return err
		}
	}
	return nil
}
