// Package analyzer classifies a single agent invocation's captured output
// (and the working-tree diff it produced) into a structured
// ResponseAnalysis record, and maintains the rolling exit-signal history
// the loop controller and circuit breaker both read from.
package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Sentinel delimiters for the structured agent-output contract (spec §6).
const (
	SentinelStart = "---RALPH_STATUS---"
	SentinelEnd   = "---END_RALPH_STATUS---"
)

// Recognized STATUS values within the structured block.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusComplete   = "COMPLETE"
	StatusBlocked    = "BLOCKED"
)

// Recognized TESTS_STATUS values within the structured block.
const (
	TestsPassing = "PASSING"
	TestsFailing = "FAILING"
	TestsNotRun  = "NOT_RUN"
)

// Output format classifications.
const (
	FormatStructured = "structured"
	FormatText       = "text"
)

// Confidence score weights. These are additive signals, not probabilities;
// the structured block alone is enough to cross the exit threshold.
const (
	ScoreStructuredBlock   = 100
	ScoreCompletionKeyword = 20
	ScoreShortAfterLong    = 20
	ScoreTestOnly          = 10
	ScoreExitThreshold     = 100
)

// completionPatterns are matched case-insensitively, and fuzzily (every
// pattern character must appear in the line in order; extra characters in
// between are tolerated) per SPEC_FULL.md §2.2, against the last 20% of the
// output so early planning text doesn't trigger false positives.
var completionPatterns = []string{
	"all tasks complete",
	"project ready",
	"work is done",
	"implementation complete",
	"no more work",
	"finished",
	"task complete",
	"all done",
	"nothing left to do",
	"completed successfully",
	"ready for review",
}

// fuzzyMatchThreshold is the minimum sahilm/fuzzy score (roughly,
// characters matched in order minus gaps) a line must achieve against a
// completion pattern to count as a fuzzy hit. sahilm/fuzzy only matches a
// line that contains every pattern character in order, so a dropped or
// transposed character is never a hit; the threshold limits how many extra
// characters may sit between the matched ones, rejecting unrelated lines
// that merely contain the letters spread far apart.
const fuzzyMatchThreshold = -6

var (
	statusBlockRe = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(SentinelStart) + `(.+?)` + regexp.QuoteMeta(SentinelEnd))
	fieldRe       = regexp.MustCompile(`(?m)^\s*([A-Z_]+)\s*:\s*(.*?)\s*$`)

	testRunnerLineRe = regexp.MustCompile(`(?i)^(running tests|pass(ed)?|fail(ed)?|passing|failing)\b`)
	fileVerbRe       = regexp.MustCompile(`(?i)\b(created|wrote|modified|edited|deleted|added)\b`)

	errorLineRe = regexp.MustCompile(`(?i)(error|exception|failed|failure|cannot|unable|refused|denied|timeout|crash)[\s:]+([^\n]{0,100})`)
	lineNumRe   = regexp.MustCompile(`:\d+|line\s+\d+`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{2}:\d{2}:\d{2}`)
	addrRe      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// ResponseAnalysis is the classification of one invocation's output,
// persisted verbatim to .response_analysis.
type ResponseAnalysis struct {
	Loop                int               `json:"loop"`
	OutputFormat        string            `json:"output_format"`
	StructuredFields    map[string]string `json:"structured_fields,omitempty"`
	HasCompletionSignal bool              `json:"has_completion_signal"`
	IsTestOnly          bool              `json:"is_test_only"`
	FilesModified       int               `json:"files_modified"`
	OutputLength        int               `json:"output_length"`
	ConfidenceScore     int               `json:"confidence_score"`
	ExitSignal          bool              `json:"exit_signal"`

	// ErrorSignature is the normalized, hashed last error line, if any. It
	// feeds the circuit breaker's same-error detector so the two
	// components never disagree about what "the same error" means.
	ErrorSignature string `json:"error_signature,omitempty"`

	// StatusField mirrors STRUCTURED_FIELDS["STATUS"] for convenience.
	StatusField string `json:"status_field,omitempty"`
}

// DiffCounter counts files changed in the working tree, implemented by
// internal/gitutil. It is an interface here to keep the analyzer testable
// without shelling out to git.
type DiffCounter interface {
	ChangedFileCount(ctx context.Context, repoRoot string) (int, error)
}

// Analyze reads the captured log at logPath (a missing file is not an
// error — it is treated as empty output) and the working-tree diff at
// repoRoot, and produces a ResponseAnalysis for the given loop number.
// previousOutputLength is the OutputLength of the prior loop's analysis (0
// if there was none), used for the short-after-long signal.
//
// Analyze never returns an error that should abort the loop: a missing or
// unreadable log is folded into a zero-valued text-format analysis.
func Analyze(ctx context.Context, logPath string, loop int, repoRoot string, diff DiffCounter, previousOutputLength int) *ResponseAnalysis {
	output, err := os.ReadFile(logPath)
	if err != nil {
		output = nil
	}

	filesModified := 0
	if diff != nil {
		if n, derr := diff.ChangedFileCount(ctx, repoRoot); derr == nil {
			filesModified = n
		}
	}

	return AnalyzeOutput(string(output), loop, filesModified, previousOutputLength)
}

// AnalyzeOutput is the pure classification function: given the already-read
// output text, the loop number, the files-modified count from the diff
// collaborator, and the previous loop's output length, it produces a
// deterministic ResponseAnalysis. Splitting this out from Analyze keeps the
// scoring logic unit-testable without a filesystem or git.
func AnalyzeOutput(output string, loop int, filesModified int, previousOutputLength int) *ResponseAnalysis {
	ra := &ResponseAnalysis{
		Loop:          loop,
		OutputFormat:  FormatText,
		FilesModified: filesModified,
		OutputLength:  len(output),
	}

	fields := parseStructuredBlock(output)
	exitSignalField := false
	if fields != nil {
		ra.OutputFormat = FormatStructured
		ra.StructuredFields = fields
		ra.StatusField = fields["STATUS"]
		exitSignalField = strings.EqualFold(fields["EXIT_SIGNAL"], "true")
	}

	ra.ErrorSignature = ExtractErrorSignature(output)
	ra.IsTestOnly = isTestOnly(output)

	score := 0
	if fields != nil {
		score += ScoreStructuredBlock
	}
	completionHit := hasCompletionKeyword(output) || exitSignalField
	if completionHit {
		score += ScoreCompletionKeyword
	}
	if previousOutputLength > 0 && ra.OutputLength > 0 && ra.OutputLength*2 < previousOutputLength {
		score += ScoreShortAfterLong
	}
	if ra.IsTestOnly {
		score += ScoreTestOnly
	}
	ra.ConfidenceScore = score
	ra.HasCompletionSignal = completionHit

	ra.ExitSignal = exitSignalField || score >= ScoreExitThreshold
	return ra
}

// parseStructuredBlock extracts and parses the RALPH_STATUS block. It
// returns nil if no block is present; a present-but-empty block returns a
// non-nil empty map so callers can distinguish "absent" from "empty".
func parseStructuredBlock(output string) map[string]string {
	m := statusBlockRe.FindStringSubmatch(output)
	if len(m) < 2 {
		return nil
	}

	fields := map[string]string{}
	for _, match := range fieldRe.FindAllStringSubmatch(m[1], -1) {
		if len(match) < 3 {
			continue
		}
		fields[strings.TrimSpace(match[1])] = strings.TrimSpace(match[2])
	}
	return fields
}

// hasCompletionKeyword checks the last 20% of the output (by line count)
// for a completion phrase, matched case-insensitively and fuzzily, so that
// early planning text ("I'll mark this complete once tests pass") doesn't
// trigger a false positive.
func hasCompletionKeyword(output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	lines := strings.Split(output, "\n")
	start := len(lines) - len(lines)/5
	if start < 0 {
		start = 0
	}
	tail := strings.ToLower(strings.Join(lines[start:], "\n"))

	for _, pattern := range completionPatterns {
		if strings.Contains(tail, pattern) {
			return true
		}
	}

	// Fuzzy pass: tolerate minor phrasing drift against the tail lines.
	tailLines := lines[start:]
	lowerTailLines := make([]string, len(tailLines))
	for i, l := range tailLines {
		lowerTailLines[i] = strings.ToLower(l)
	}
	for _, pattern := range completionPatterns {
		matches := fuzzy.Find(pattern, lowerTailLines)
		for _, m := range matches {
			if m.Score >= fuzzyMatchThreshold {
				return true
			}
		}
	}
	return false
}

// isTestOnly implements the spec's work-indicator heuristic: every
// work-indicating line must match a known test-runner pattern, and no line
// may match a file-modification verb.
func isTestOnly(output string) bool {
	sawTestLine := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if fileVerbRe.MatchString(trimmed) {
			return false
		}
		if testRunnerLineRe.MatchString(trimmed) {
			sawTestLine = true
		}
	}
	return sawTestLine
}

// ExtractErrorSignature extracts and normalizes the last error-matching
// line in output, then hashes it into a fixed-width digest. It returns the
// empty string when no error pattern is found. The circuit breaker's
// same-error detector and this function share the exact same normalization
// rules so the two components never disagree about what counts as "the
// same error".
func ExtractErrorSignature(output string) string {
	matches := errorLineRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	last := matches[len(matches)-1]
	errType := strings.ToLower(strings.TrimSpace(last[1]))
	errMsg := normalizeErrorMessage(strings.ToLower(strings.TrimSpace(last[2])))

	combined := errType + ":" + errMsg
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:8])
}

func normalizeErrorMessage(msg string) string {
	msg = lineNumRe.ReplaceAllString(msg, "")
	msg = timestampRe.ReplaceAllString(msg, "")
	msg = addrRe.ReplaceAllString(msg, "")
	return strings.Join(strings.Fields(msg), " ")
}

// ParseIntField reads a numeric structured field (e.g.
// TASKS_COMPLETED_THIS_LOOP, FILES_MODIFIED) without re-parsing the block.
// Missing or non-numeric values return 0.
func ParseIntField(fields map[string]string, key string) int {
	if fields == nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(fields[key]))
	if err != nil {
		return 0
	}
	return v
}
