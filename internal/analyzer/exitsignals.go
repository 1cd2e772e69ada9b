package analyzer

import (
	"path/filepath"

	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// MaxHistoryEntries is the cap on each ExitSignalHistory sequence: only the
// five most recent matching loop numbers are retained.
const MaxHistoryEntries = 5

// ExitSignalHistory tracks the rolling windows of loop numbers that
// exhibited each of three signals, persisted to .exit_signals. Every
// sequence is strictly non-decreasing in loop number and capped at
// MaxHistoryEntries, oldest evicted first.
type ExitSignalHistory struct {
	TestOnlyLoops        []int `json:"test_only_loops"`
	DoneSignals          []int `json:"done_signals"`
	CompletionIndicators []int `json:"completion_indicators"`
}

// History wraps ExitSignalHistory persistence at a fixed path, plus the
// most recent ResponseAnalysis record at .response_analysis.
type History struct {
	store    *statefile.Store
	analysis *statefile.Store
}

// NewHistory opens the exit-signal history file at dir/.exit_signals and the
// latest-response-analysis file at dir/.response_analysis.
func NewHistory(dir string) *History {
	return &History{
		store:    statefile.New(filepath.Join(dir, ".exit_signals"), nil),
		analysis: statefile.New(filepath.Join(dir, ".response_analysis"), nil),
	}
}

// Load reads the current history, returning a zero-valued History if the
// file does not yet exist. A corrupt file is discarded and a fresh history
// returned, matching the state-file-corruption policy.
func (h *History) Load() (*ExitSignalHistory, error) {
	hist := &ExitSignalHistory{}
	_, err := h.store.Load(hist)
	if err != nil {
		return &ExitSignalHistory{}, nil
	}
	return hist, nil
}

// Update persists ra to .response_analysis, appends loop to the sequences
// it implies, truncates each to the last MaxHistoryEntries entries,
// persists the result to .exit_signals, and returns it. Writing the
// per-loop analysis before the rolling history matches the ordering
// guarantee that .response_analysis for loop N precedes every document
// derived from it.
func (h *History) Update(ra *ResponseAnalysis) (*ExitSignalHistory, error) {
	if err := h.analysis.Store(ra); err != nil {
		return nil, err
	}

	hist, err := h.Load()
	if err != nil {
		return nil, err
	}

	if ra.IsTestOnly {
		hist.TestOnlyLoops = appendCapped(hist.TestOnlyLoops, ra.Loop)
	}
	if ra.HasCompletionSignal {
		hist.DoneSignals = appendCapped(hist.DoneSignals, ra.Loop)
	}
	if ra.StatusField == StatusComplete {
		hist.CompletionIndicators = appendCapped(hist.CompletionIndicators, ra.Loop)
	}

	if err := h.store.Store(hist); err != nil {
		return nil, err
	}
	return hist, nil
}

func appendCapped(seq []int, loop int) []int {
	seq = append(seq, loop)
	if len(seq) > MaxHistoryEntries {
		seq = seq[len(seq)-MaxHistoryEntries:]
	}
	return seq
}

// ConsecutiveTail returns the length of the run of consecutive loop numbers
// at the end of seq ending at currentLoop (inclusive). It is used to detect
// "N consecutive loops" conditions (test-only, done-signal) without
// requiring every intervening loop to also have appended to the sequence
// out of order, since sequences are append-only and non-decreasing.
func ConsecutiveTail(seq []int, currentLoop int) int {
	count := 0
	want := currentLoop
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i] != want {
			break
		}
		count++
		want--
	}
	return count
}
