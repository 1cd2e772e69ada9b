// Package progress runs the background writer that keeps progress.json
// fresh while an agent invocation is in flight, and watches the instruction
// file and fix-plan document for concurrent edits so the loop controller
// can react to an operator editing them mid-run.
package progress

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// Status values for the State document.
const (
	StatusIdle    = "idle"
	StatusRunning = "executing"
)

// State is the persisted progress.json document.
type State struct {
	Status              string `json:"status"`
	Loop                int    `json:"loop"`
	ElapsedSeconds      int64  `json:"elapsed_seconds"`
	LastOutput          string `json:"last_output,omitempty"`
	InstructionsChanged bool   `json:"instructions_changed,omitempty"`
}

// TailFunc returns the most recent chunk of captured agent output, used to
// populate LastOutput on each tick.
type TailFunc func() string

// Writer periodically persists progress.json while an invocation runs.
type Writer struct {
	store *statefile.Store
	clock clock.Clock
	every time.Duration
}

// NewWriter creates a Writer persisting to dir/progress.json, ticking at
// most every `every` (the spec caps this at 2 seconds).
func NewWriter(dir string, clk clock.Clock, every time.Duration) *Writer {
	if every <= 0 || every > 2*time.Second {
		every = 2 * time.Second
	}
	return &Writer{
		store: statefile.New(filepath.Join(dir, "progress.json"), nil),
		clock: clk,
		every: every,
	}
}

// Run drives the writer inside an errgroup.Group tied to ctx: it ticks
// until ctx is canceled (the invocation finished or the caller gave up),
// then writes a final idle record before returning, so progress.json never
// reports "executing" after the agent has actually stopped. changes, if
// non-nil, is a Watcher.Events channel for the instruction file and
// fix-plan document; any event received latches InstructionsChanged for
// the remainder of this invocation, so an operator editing either file
// mid-run shows up in progress.json without the writer needing to re-stat
// the files itself.
func (w *Writer) Run(ctx context.Context, g *errgroup.Group, loop int, tail TailFunc, changes <-chan string) {
	g.Go(func() error {
		start := w.clock.Now()
		ticker := time.NewTicker(w.every)
		defer ticker.Stop()

		var changed bool
		write := func(status string) error {
			return w.store.Store(State{
				Status:              status,
				Loop:                loop,
				ElapsedSeconds:      int64(w.clock.Now().Sub(start).Seconds()),
				LastOutput:          tail(),
				InstructionsChanged: changed,
			})
		}

		for {
			select {
			case <-ctx.Done():
				return write(StatusIdle)
			case <-ticker.C:
				if err := write(StatusRunning); err != nil {
					return err
				}
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				changed = true
			}
		}
	})
}

// Watcher watches a fixed set of files and reports changes on Events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	Events chan string
}

// NewWatcher starts watching paths (typically the instruction file and the
// fix-plan document) for writes, so the loop controller can detect an
// operator editing them mid-run.
func NewWatcher(paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsw.Add(filepath.Dir(p)); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{fsw: fsw, Events: make(chan string, 8)}
	go w.pump(paths)
	return w, nil
}

func (w *Watcher) pump(watched []string) {
	defer close(w.Events)
	interesting := make(map[string]struct{}, len(watched))
	for _, p := range watched {
		interesting[filepath.Clean(p)] = struct{}{}
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if _, ok := interesting[filepath.Clean(ev.Name)]; !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.Events <- ev.Name
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
