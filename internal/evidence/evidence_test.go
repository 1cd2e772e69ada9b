package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revsmoke/ralph-claude-code/internal/clock"
)

type fakeRunner struct {
	err error
	out string
}

func (f fakeRunner) Run(_ context.Context, _ string, _ []string) (string, error) {
	return f.out, f.err
}

func newTestCollector(t *testing.T, runner CommandRunner) (*Collector, string) {
	t.Helper()
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(dir, "test-session", fake, nil, runner), dir
}

func TestCollect_SkippedAndVerifiedGatesAllowExit(t *testing.T) {
	c, dir := newTestCollector(t, fakeRunner{})

	// documentation_exists has no skip path, so give it a doc to verify.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "guide.md"), []byte("docs"), 0o644))

	doc, err := c.Collect(context.Background(), 1, Options{WorkingDir: dir, SkipTests: true, SkipCLI: true})
	require.NoError(t, err)

	assert.Equal(t, Verified, doc.VerificationGates[GateDocumentationExists].Status)
	assert.Equal(t, Skipped, doc.VerificationGates[GateTestsPassed].Status)
	assert.Equal(t, Skipped, doc.VerificationGates[GateCLIFunctional].Status)
	assert.Equal(t, Skipped, doc.VerificationGates[GateFilesModified].Status)
	assert.True(t, doc.OverallStatus.AllGatesPassed)
	assert.True(t, doc.OverallStatus.ExitAllowed)
}

func TestCollect_FailingTestCommandFailsGateButNotOthers(t *testing.T) {
	c, dir := newTestCollector(t, fakeRunner{err: errors.New("exit status 1"), out: "FAIL"})

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "guide.md"), []byte("docs"), 0o644))

	doc, err := c.Collect(context.Background(), 1, Options{
		WorkingDir:  dir,
		TestCommand: []string{"go", "test", "./..."},
		SkipCLI:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, Failed, doc.VerificationGates[GateTestsPassed].Status)
	assert.Equal(t, Verified, doc.VerificationGates[GateDocumentationExists].Status)
	assert.False(t, doc.OverallStatus.AllGatesPassed)
	assert.False(t, doc.OverallStatus.ExitAllowed)
	assert.Equal(t, 1, doc.OverallStatus.GatesFailed)
}

func TestCollect_PanickingGateStillProducesOverallStatus(t *testing.T) {
	c, _ := newTestCollector(t, fakeRunner{})
	delete(gateFuncs, "panicky")
	gateFuncs["panicky"] = func(_ *Collector, _ context.Context, _ Options) GateRecord {
		panic("boom")
	}
	gateOrder = append(gateOrder, "panicky")
	defer func() {
		gateOrder = gateOrder[:len(gateOrder)-1]
		delete(gateFuncs, "panicky")
	}()

	doc, err := c.Collect(context.Background(), 1, Options{SkipTests: true, SkipCLI: true})
	require.NoError(t, err)
	assert.Equal(t, Failed, doc.VerificationGates["panicky"].Status)
	assert.False(t, doc.OverallStatus.AllGatesPassed)
}

func TestGateFixPlanComplete_AbsentFileIsSkipped(t *testing.T) {
	c, dir := newTestCollector(t, fakeRunner{})
	rec := c.gateFixPlanComplete(context.Background(), Options{FixPlanPath: filepath.Join(dir, "fix_plan.md")})
	assert.Equal(t, Skipped, rec.Status)
}

func TestGateFixPlanComplete_UncheckedItemsFail(t *testing.T) {
	c, dir := newTestCollector(t, fakeRunner{})
	path := filepath.Join(dir, "fix_plan.md")
	require.NoError(t, os.WriteFile(path, []byte("- [x] done\n- [ ] not done\n"), 0o644))

	rec := c.gateFixPlanComplete(context.Background(), Options{FixPlanPath: path})
	assert.Equal(t, Failed, rec.Status)
	assert.Equal(t, "50", rec.Evidence["percent"])
}

func TestGateFixPlanComplete_AllCheckedIsVerified(t *testing.T) {
	c, dir := newTestCollector(t, fakeRunner{})
	path := filepath.Join(dir, "fix_plan.md")
	require.NoError(t, os.WriteFile(path, []byte("- [x] done\n- [x] also done\n"), 0o644))

	rec := c.gateFixPlanComplete(context.Background(), Options{FixPlanPath: path})
	assert.Equal(t, Verified, rec.Status)
}

func TestDetectTestCommand_PrefersGoModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	assert.Equal(t, []string{"go", "test", "./..."}, detectTestCommand(dir))
}

func TestLoad_RoundTrip(t *testing.T) {
	c, _ := newTestCollector(t, fakeRunner{})
	_, err := c.Collect(context.Background(), 2, Options{SkipTests: true, SkipCLI: true})
	require.NoError(t, err)

	doc, exists, err := c.Load()
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, 2, doc.Loop)
	assert.Equal(t, "test-session", doc.SessionID)
}
