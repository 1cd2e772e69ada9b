// Package evidence implements the six independent verification gates that
// decide whether a loop's exit signal can actually be trusted, persisting
// the result to .ralph_evidence.json. Each gate runs in its own fault
// domain: a panicking or erroring gate is recorded as FAILED rather than
// aborting the whole collection run, so one bad verifier can never mask the
// other five, and overall_status is always written even if a gate misbehaves.
package evidence

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
	"github.com/revsmoke/ralph-claude-code/internal/gitutil"
	"github.com/revsmoke/ralph-claude-code/internal/schema"
	"github.com/revsmoke/ralph-claude-code/internal/statefile"
)

// GateStatus is the outcome of a single verification gate.
type GateStatus string

const (
	Pending  GateStatus = "PENDING"
	Verified GateStatus = "VERIFIED"
	Failed   GateStatus = "FAILED"
	Skipped  GateStatus = "SKIPPED"
)

// Gate names, fixed and in collection order.
const (
	GateTestsPassed        = "tests_passed"
	GateDocumentationExists = "documentation_exists"
	GateCLIFunctional      = "cli_functional"
	GateFilesModified      = "files_modified"
	GateCommitsMade        = "commits_made"
	GateFixPlanComplete    = "fix_plan_complete"
)

// gateOrder is the fixed evaluation order. Order has no effect on the
// result (gates are independent) but keeps .ralph_evidence.json diffs
// stable across runs.
var gateOrder = []string{
	GateTestsPassed,
	GateDocumentationExists,
	GateCLIFunctional,
	GateFilesModified,
	GateCommitsMade,
	GateFixPlanComplete,
}

// GateOrder exposes the fixed gate evaluation order for callers (such as
// the CLI's --verify-evidence printer) that want to display gates in a
// stable sequence rather than map iteration order.
var GateOrder = gateOrder

// GateRecord is one gate's persisted verdict.
type GateRecord struct {
	Status     GateStatus        `json:"status"`
	Detail     string            `json:"detail,omitempty"`
	VerifiedAt *time.Time        `json:"verified_at,omitempty"`
	Evidence   map[string]string `json:"evidence,omitempty"`
}

// OverallStatus summarizes the six gates into a single exit-eligibility
// verdict.
type OverallStatus struct {
	AllGatesPassed bool `json:"all_gates_passed"`
	GatesVerified  int  `json:"gates_verified"`
	GatesFailed    int  `json:"gates_failed"`
	GatesSkipped   int  `json:"gates_skipped"`
	ExitAllowed    bool `json:"exit_allowed"`
}

// Document is the full .ralph_evidence.json record.
type Document struct {
	SchemaVersion     int                   `json:"schema_version"`
	SessionID         string                `json:"session_id"`
	Loop              int                   `json:"loop_number"`
	CreatedAt         time.Time             `json:"created_at"`
	LastUpdated       time.Time             `json:"last_updated"`
	VerificationGates map[string]GateRecord `json:"verification_gates"`
	OverallStatus     OverallStatus         `json:"overall_status"`
}

// Options configures which gates run and against what working directory.
type Options struct {
	WorkingDir    string
	RepoRoot      string
	FixPlanPath   string
	CLICommand    []string // argv of a smoke-test invocation, e.g. []string{"./bin/ralph", "--help"}
	TestCommand   []string
	SkipTests     bool
	SkipCLI       bool
	LoopStartedAt time.Time // commits_made cutoff; the loop controller passes the session start
}

// Collector runs the six gates and persists the resulting Document.
type Collector struct {
	sessionID string
	clock     clock.Clock
	git       *gitutil.Git
	store     *statefile.Store
	runner    CommandRunner
}

// CommandRunner executes an external command and reports whether it
// succeeded, abstracting os/exec so gates are unit-testable.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string) (output string, err error)
}

// New creates a Collector persisting to dir/.ralph_evidence.json, validated
// against the evidence JSON Schema on every load.
func New(dir, sessionID string, clk clock.Clock, git *gitutil.Git, runner CommandRunner) *Collector {
	return &Collector{
		sessionID: sessionID,
		clock:     clk,
		git:       git,
		runner:    runner,
		store: statefile.New(filepath.Join(dir, ".ralph_evidence.json"), func(data []byte) error {
			return schema.Validate(schema.Evidence, data)
		}),
	}
}

type gateFunc func(c *Collector, ctx context.Context, opts Options) GateRecord

var gateFuncs = map[string]gateFunc{
	GateTestsPassed:         (*Collector).gateTestsPassed,
	GateDocumentationExists: (*Collector).gateDocumentationExists,
	GateCLIFunctional:       (*Collector).gateCLIFunctional,
	GateFilesModified:       (*Collector).gateFilesModified,
	GateCommitsMade:         (*Collector).gateCommitsMade,
	GateFixPlanComplete:     (*Collector).gateFixPlanComplete,
}

// Collect runs all six gates, isolating each in its own recover domain, and
// persists the resulting Document regardless of whether individual gates
// panicked, errored, or passed. It never returns an error for gate
// failures — only for the final persistence write failing.
func (c *Collector) Collect(ctx context.Context, loop int, opts Options) (doc *Document, persistErr error) {
	doc = &Document{
		SchemaVersion:     1,
		SessionID:         c.sessionID,
		Loop:              loop,
		CreatedAt:         c.clock.Now(),
		VerificationGates: make(map[string]GateRecord, len(gateOrder)),
	}

	// Guarantee overall_status (and a best-effort persist) even if this
	// function panics partway through a gate that the per-gate recover
	// below somehow failed to contain.
	defer func() {
		if r := recover(); r != nil {
			doc.VerificationGates["collector"] = GateRecord{
				Status: Failed,
				Detail: fmt.Sprintf("collector panic: %v", r),
			}
		}
		doc.LastUpdated = c.clock.Now()
		doc.OverallStatus = computeOverallStatus(doc.VerificationGates)
		persistErr = c.store.Store(doc)
	}()

	for _, name := range gateOrder {
		doc.VerificationGates[name] = c.runGateIsolated(ctx, name, opts)
	}
	return doc, nil
}

// runGateIsolated calls the named gate function, converting any panic into
// a FAILED record so one broken verifier cannot take down the other five.
func (c *Collector) runGateIsolated(ctx context.Context, name string, opts Options) (rec GateRecord) {
	defer func() {
		if r := recover(); r != nil {
			rec = GateRecord{Status: Failed, Detail: fmt.Sprintf("gate panicked: %v", r)}
		}
	}()

	fn, ok := gateFuncs[name]
	if !ok {
		return GateRecord{Status: Skipped, Detail: "unknown gate"}
	}
	rec = fn(c, ctx, opts)
	return rec
}

func computeOverallStatus(gates map[string]GateRecord) OverallStatus {
	var os OverallStatus
	for _, name := range gateOrder {
		rec, ok := gates[name]
		if !ok {
			continue
		}
		switch rec.Status {
		case Verified:
			os.GatesVerified++
		case Failed:
			os.GatesFailed++
		case Skipped:
			os.GatesSkipped++
		}
	}
	os.AllGatesPassed = os.GatesFailed == 0 && os.GatesVerified+os.GatesSkipped == len(gateOrder)
	os.ExitAllowed = os.AllGatesPassed
	return os
}

// Load reads the last-persisted Document, if any.
func (c *Collector) Load() (*Document, bool, error) {
	doc := &Document{}
	exists, err := c.store.Load(doc)
	if err != nil {
		return nil, false, err
	}
	return doc, exists, nil
}
