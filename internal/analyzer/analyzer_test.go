package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func structuredOutput(fields map[string]string) string {
	var b strings.Builder
	b.WriteString("Working on the task.\n")
	b.WriteString(SentinelStart + "\n")
	for k, v := range fields {
		b.WriteString(k + ": " + v + "\n")
	}
	b.WriteString(SentinelEnd + "\n")
	return b.String()
}

func TestAnalyzeOutput_StructuredBlockParsesFieldsAndExitSignal(t *testing.T) {
	output := structuredOutput(map[string]string{
		"STATUS":                    StatusComplete,
		"EXIT_SIGNAL":               "true",
		"TASKS_COMPLETED_THIS_LOOP": "3",
	})

	ra := AnalyzeOutput(output, 5, 2, 0)

	assert.Equal(t, FormatStructured, ra.OutputFormat)
	assert.Equal(t, StatusComplete, ra.StatusField)
	assert.Equal(t, "3", ra.StructuredFields["TASKS_COMPLETED_THIS_LOOP"])
	assert.True(t, ra.ExitSignal)
	assert.True(t, ra.HasCompletionSignal)
	assert.Equal(t, ScoreStructuredBlock+ScoreCompletionKeyword, ra.ConfidenceScore)
	assert.Equal(t, 5, ra.Loop)
	assert.Equal(t, 2, ra.FilesModified)
}

func TestAnalyzeOutput_PlainTextWithoutSignals(t *testing.T) {
	ra := AnalyzeOutput("still working through the task list\n", 1, 0, 0)

	assert.Equal(t, FormatText, ra.OutputFormat)
	assert.False(t, ra.ExitSignal)
	assert.False(t, ra.HasCompletionSignal)
	assert.Equal(t, 0, ra.ConfidenceScore)
}

func TestAnalyzeOutput_CompletionKeywordAloneDoesNotCrossExitThreshold(t *testing.T) {
	// hasCompletionKeyword only scans the last 20% of lines by count, so the
	// completion phrase needs enough lines ahead of it (and no trailing
	// newline, which would otherwise add a blank final "line") to land
	// inside that tail window.
	output := "Step 1 done.\nStep 2 done.\nStep 3 done.\nStep 4 done.\nStep 5 done.\nAll tasks complete."
	ra := AnalyzeOutput(output, 1, 0, 0)

	assert.True(t, ra.HasCompletionSignal)
	assert.Equal(t, ScoreCompletionKeyword, ra.ConfidenceScore)
	assert.False(t, ra.ExitSignal)
}

func TestAnalyzeOutput_CompletionKeywordOutsideTailWindowIsIgnored(t *testing.T) {
	// The same phrase, but followed by enough additional lines that it
	// falls outside the last-20%-of-lines window.
	output := "All tasks complete.\nStep 2.\nStep 3.\nStep 4.\nStep 5.\nStep 6."
	ra := AnalyzeOutput(output, 1, 0, 0)

	assert.False(t, ra.HasCompletionSignal)
	assert.Equal(t, 0, ra.ConfidenceScore)
}

func TestAnalyzeOutput_ShortOutputAfterLongOneAddsScore(t *testing.T) {
	ra := AnalyzeOutput("short\n", 2, 0, 1000)
	assert.Equal(t, ScoreShortAfterLong, ra.ConfidenceScore)
}

func TestAnalyzeOutput_ShortAfterLongNotAppliedWhenPreviousIsZero(t *testing.T) {
	ra := AnalyzeOutput("short\n", 2, 0, 0)
	assert.Equal(t, 0, ra.ConfidenceScore)
}

func TestAnalyzeOutput_IsTestOnlyWhenAllWorkLinesAreTestRunnerLines(t *testing.T) {
	output := "Running tests\nPASSED: 12 tests\n"
	ra := AnalyzeOutput(output, 1, 0, 0)
	assert.True(t, ra.IsTestOnly)
	assert.Equal(t, ScoreTestOnly, ra.ConfidenceScore)
}

func TestAnalyzeOutput_NotTestOnlyWhenAFileWasModified(t *testing.T) {
	output := "Running tests\nCreated file handlers.go\nPASSED\n"
	ra := AnalyzeOutput(output, 1, 0, 0)
	assert.False(t, ra.IsTestOnly)
}

func TestAnalyzeOutput_EmptyOutputIsNotTestOnly(t *testing.T) {
	ra := AnalyzeOutput("", 1, 0, 0)
	assert.False(t, ra.IsTestOnly)
	assert.False(t, ra.HasCompletionSignal)
}

func TestAnalyzeOutput_ExitSignalFieldOverridesLowStatus(t *testing.T) {
	output := structuredOutput(map[string]string{
		"STATUS":      StatusInProgress,
		"EXIT_SIGNAL": "true",
	})
	ra := AnalyzeOutput(output, 1, 0, 0)
	assert.True(t, ra.ExitSignal)
}

func TestAnalyzeOutput_NoStructuredBlockLeavesFieldsNil(t *testing.T) {
	ra := AnalyzeOutput("plain output, no block here", 1, 0, 0)
	assert.Nil(t, ra.StructuredFields)
	assert.Empty(t, ra.StatusField)
}

func TestExtractErrorSignature_EmptyWhenNoErrorPresent(t *testing.T) {
	assert.Empty(t, ExtractErrorSignature("everything is fine, all tests pass"))
}

func TestExtractErrorSignature_NormalizesLineNumbersAndTimestamps(t *testing.T) {
	a := ExtractErrorSignature("2026-03-05 10:00:00 Error: connection refused at handler.go:42")
	b := ExtractErrorSignature("2026-03-06 11:30:05 Error: connection refused at handler.go:99")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestExtractErrorSignature_DifferentMessagesDifferentSignatures(t *testing.T) {
	a := ExtractErrorSignature("Error: connection refused")
	b := ExtractErrorSignature("Error: permission denied")
	assert.NotEqual(t, a, b)
}

func TestExtractErrorSignature_UsesLastMatchWhenMultiplePresent(t *testing.T) {
	output := "Error: first issue\nsome progress\nError: second issue\n"
	got := ExtractErrorSignature(output)
	want := ExtractErrorSignature("Error: second issue\n")
	assert.Equal(t, want, got)
}

func TestParseIntField_ValidNumberParses(t *testing.T) {
	fields := map[string]string{"FILES_MODIFIED": "4"}
	assert.Equal(t, 4, ParseIntField(fields, "FILES_MODIFIED"))
}

func TestParseIntField_MissingKeyReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ParseIntField(map[string]string{}, "FILES_MODIFIED"))
}

func TestParseIntField_NonNumericReturnsZero(t *testing.T) {
	fields := map[string]string{"FILES_MODIFIED": "none"}
	assert.Equal(t, 0, ParseIntField(fields, "FILES_MODIFIED"))
}

func TestParseIntField_NilMapReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ParseIntField(nil, "FILES_MODIFIED"))
}

type fakeDiffCounter struct {
	n   int
	err error
}

func (f fakeDiffCounter) ChangedFileCount(ctx context.Context, repoRoot string) (int, error) {
	return f.n, f.err
}

func TestAnalyze_MissingLogFileTreatedAsEmptyOutput(t *testing.T) {
	ra := Analyze(context.Background(), filepath.Join(t.TempDir(), "missing.log"), 1, ".", fakeDiffCounter{n: 2}, 0)
	assert.Equal(t, 0, ra.OutputLength)
	assert.Equal(t, 2, ra.FilesModified)
}

func TestAnalyze_ReadsLogFileContent(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "loop.log")
	// Five lines, so the last-20% tail window holds the final line.
	require.NoError(t, os.WriteFile(logPath, []byte("Step 1.\nStep 2.\nStep 3.\nStep 4.\nAll tasks complete."), 0o644))

	ra := Analyze(context.Background(), logPath, 1, dir, fakeDiffCounter{n: 1}, 0)
	assert.True(t, ra.HasCompletionSignal)
	assert.Equal(t, 1, ra.FilesModified)
}

func TestAnalyze_DiffCounterErrorFallsBackToZeroFilesModified(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "loop.log")
	require.NoError(t, os.WriteFile(logPath, []byte("ok"), 0o644))

	ra := Analyze(context.Background(), logPath, 1, dir, fakeDiffCounter{err: assertError{}}, 0)
	assert.Equal(t, 0, ra.FilesModified)
}

func TestAnalyze_NilDiffCounterLeavesFilesModifiedZero(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "loop.log")
	require.NoError(t, os.WriteFile(logPath, []byte("ok"), 0o644))

	ra := Analyze(context.Background(), logPath, 1, dir, nil, 0)
	assert.Equal(t, 0, ra.FilesModified)
}

type assertError struct{}

func (assertError) Error() string { return "diff failed" }
